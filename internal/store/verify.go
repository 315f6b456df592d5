package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"watermarkd/internal/security"
)

const (
	entryDomain = "watermarkd-issuance-v1"
	headDomain  = "watermarkd-ledger-head-v1"
)

func entryHash(is *Issuance) [32]byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(is.IssuedAt.UnixNano()))
	return security.HashDomainSeparated(entryDomain,
		[]byte(is.ID),
		[]byte(is.Identity),
		[]byte(is.SessionID),
		[]byte(is.Method),
		[]byte(is.Filename),
		[]byte(is.Source),
		is.SecretDigest[:],
		ts[:],
		is.PreviousHash[:],
	)
}

func (s *Store) entryHMAC(entry [32]byte) []byte {
	h := hmac.New(sha256.New, s.hmacKey)
	h.Write([]byte(entryDomain))
	h.Write(entry[:])
	return h.Sum(nil)
}

func (s *Store) headHMAC(chain [32]byte, count int64) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(count))
	h := hmac.New(sha256.New, s.hmacKey)
	h.Write([]byte(headDomain))
	h.Write(chain[:])
	h.Write(n[:])
	return h.Sum(nil)
}

// Verify walks the whole ledger, checking hash links, per-row HMACs and the
// chain head.
func (s *Store) Verify() error {
	rows, err := s.db.Query(`SELECT ` + issuanceColumns + `, hmac FROM issuances ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("query issuances: %w", err)
	}
	defer rows.Close()

	var last [32]byte
	var count int64
	for rows.Next() {
		var is Issuance
		var digest, prev, entry, mac []byte
		var ns int64
		if err := rows.Scan(&is.ID, &is.Identity, &is.SessionID, &is.Method, &is.Filename, &is.Source,
			&digest, &ns, &prev, &entry, &mac); err != nil {
			return fmt.Errorf("scan issuance: %w", err)
		}
		copy(is.SecretDigest[:], digest)
		copy(is.PreviousHash[:], prev)
		is.IssuedAt = time.Unix(0, ns)

		if is.PreviousHash != last {
			return fmt.Errorf("%w: chain break at %s", ErrIntegrity, is.ID)
		}
		computed := entryHash(&is)
		if !bytesEqual(entry, computed[:]) {
			return fmt.Errorf("%w: entry hash mismatch at %s", ErrIntegrity, is.ID)
		}
		if !hmac.Equal(mac, s.entryHMAC(computed)) {
			return fmt.Errorf("%w: HMAC mismatch at %s", ErrIntegrity, is.ID)
		}
		last = computed
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate issuances: %w", err)
	}

	var chain, headMAC []byte
	var headCount int64
	if err := s.db.QueryRow(`SELECT chain_hash, entry_count, hmac FROM integrity WHERE id = 1`).
		Scan(&chain, &headCount, &headMAC); err != nil {
		return fmt.Errorf("read integrity record: %w", err)
	}
	if headCount != count {
		return fmt.Errorf("%w: entry count mismatch: head says %d, found %d", ErrIntegrity, headCount, count)
	}
	if !bytesEqual(chain, last[:]) || !hmac.Equal(headMAC, s.headHMAC(last, count)) {
		return fmt.Errorf("%w: chain head mismatch", ErrIntegrity)
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	return security.SecureCompare(a, b)
}
