package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// MinKeySize is the minimum ledger HMAC key length.
const MinKeySize = 32

var (
	ErrIntegrity   = errors.New("store: ledger integrity check failed")
	ErrDuplicate   = errors.New("store: issuance already recorded")
	ErrInvalidData = errors.New("store: invalid issuance")
)

// Store is the issuance ledger.
type Store struct {
	db      *sql.DB
	hmacKey []byte

	mu       sync.Mutex
	lastHash [32]byte
	count    int64
}

// Open opens or creates the ledger at path and applies migrations. The
// database file is created with mode 0600.
func Open(path string, hmacKey []byte) (*Store, error) {
	if len(hmacKey) < MinKeySize {
		return nil, fmt.Errorf("HMAC key must be at least %d bytes", MinKeySize)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, hmacKey: append([]byte(nil), hmacKey...)}
	if err := s.loadHead(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migrations tooling.
func (s *Store) DB() *sql.DB { return s.db }

// loadHead reads the chain head, creating it for a new ledger.
func (s *Store) loadHead() error {
	var chain, mac []byte
	var count int64
	err := s.db.QueryRow(`SELECT chain_hash, entry_count, hmac FROM integrity WHERE id = 1`).
		Scan(&chain, &count, &mac)
	if errors.Is(err, sql.ErrNoRows) {
		var zero [32]byte
		_, err = s.db.Exec(`INSERT INTO integrity (id, chain_hash, entry_count, updated_at_ns, hmac) VALUES (1, ?, 0, ?, ?)`,
			zero[:], time.Now().UnixNano(), s.headHMAC(zero, 0))
		return err
	}
	if err != nil {
		return fmt.Errorf("read integrity record: %w", err)
	}

	var head [32]byte
	copy(head[:], chain)
	if !bytesEqual(mac, s.headHMAC(head, count)) {
		return fmt.Errorf("%w: chain head HMAC mismatch", ErrIntegrity)
	}
	s.lastHash = head
	s.count = count
	return nil
}

// Insert appends an issuance. ID and IssuedAt are filled in when empty;
// PreviousHash and EntryHash are always computed.
func (s *Store) Insert(is *Issuance) error {
	if is.Identity == "" || is.Filename == "" || is.Method == "" {
		return ErrInvalidData
	}
	if is.ID == "" {
		is.ID = uuid.NewString()
	} else if _, err := uuid.Parse(is.ID); err != nil {
		return fmt.Errorf("%w: id: %v", ErrInvalidData, err)
	}
	if is.IssuedAt.IsZero() {
		is.IssuedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	is.PreviousHash = s.lastHash
	is.EntryHash = entryHash(is)
	mac := s.entryHMAC(is.EntryHash)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO issuances (id, identity, session_id, method, filename, source, secret_digest, issued_at_ns, previous_hash, entry_hash, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		is.ID, is.Identity, is.SessionID, is.Method, is.Filename, is.Source, is.SecretDigest[:],
		is.IssuedAt.UnixNano(), is.PreviousHash[:], is.EntryHash[:], mac,
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
		return fmt.Errorf("insert issuance: %w", err)
	}

	count := s.count + 1
	if _, err := tx.Exec(`UPDATE integrity SET chain_hash = ?, entry_count = ?, updated_at_ns = ?, hmac = ? WHERE id = 1`,
		is.EntryHash[:], count, time.Now().UnixNano(), s.headHMAC(is.EntryHash, count)); err != nil {
		return fmt.Errorf("update integrity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.lastHash = is.EntryHash
	s.count = count
	return nil
}

const issuanceColumns = `id, identity, session_id, method, filename, source, secret_digest, issued_at_ns, previous_hash, entry_hash`

// Get retrieves an issuance by ID. It returns nil, nil when absent.
func (s *Store) Get(id string) (*Issuance, error) {
	return s.queryOne(`SELECT `+issuanceColumns+` FROM issuances WHERE id = ?`, id)
}

// GetByFilename retrieves the issuance that produced filename.
func (s *Store) GetByFilename(filename string) (*Issuance, error) {
	return s.queryOne(`SELECT `+issuanceColumns+` FROM issuances WHERE filename = ?`, filename)
}

// GetBySecretDigest retrieves the issuance for a session secret digest.
func (s *Store) GetBySecretDigest(digest [32]byte) (*Issuance, error) {
	return s.queryOne(`SELECT `+issuanceColumns+` FROM issuances WHERE secret_digest = ?`, digest[:])
}

// ListByIdentity returns all issuances for identity, oldest first.
func (s *Store) ListByIdentity(identity string) ([]Issuance, error) {
	rows, err := s.db.Query(`SELECT `+issuanceColumns+` FROM issuances WHERE identity = ? ORDER BY seq ASC`, identity)
	if err != nil {
		return nil, fmt.Errorf("query issuances: %w", err)
	}
	defer rows.Close()
	return scanIssuances(rows)
}

// Count returns the number of recorded issuances.
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM issuances`).Scan(&n)
	return n, err
}

// RecordTrace notes that issuanceID was resolved from a leaked document.
func (s *Store) RecordTrace(issuanceID, method string) (*Trace, error) {
	t := &Trace{ID: uuid.NewString(), IssuanceID: issuanceID, Method: method, TracedAt: time.Now()}
	_, err := s.db.Exec(`INSERT INTO traces (id, issuance_id, method, traced_at_ns) VALUES (?, ?, ?, ?)`,
		t.ID, t.IssuanceID, t.Method, t.TracedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert trace: %w", err)
	}
	return t, nil
}

// Traces returns the recorded lookups for an issuance, oldest first.
func (s *Store) Traces(issuanceID string) ([]Trace, error) {
	rows, err := s.db.Query(`SELECT id, issuance_id, method, traced_at_ns FROM traces WHERE issuance_id = ? ORDER BY traced_at_ns ASC`, issuanceID)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	var out []Trace
	for rows.Next() {
		var t Trace
		var ns int64
		if err := rows.Scan(&t.ID, &t.IssuanceID, &t.Method, &ns); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		t.TracedAt = time.Unix(0, ns)
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetStats returns ledger statistics.
func (s *Store) GetStats() (*Stats, error) {
	var st Stats
	if err := s.db.QueryRow(`SELECT COUNT(*), COUNT(DISTINCT identity) FROM issuances`).Scan(&st.Issuances, &st.Identities); err != nil {
		return nil, fmt.Errorf("count issuances: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM traces`).Scan(&st.Traces); err != nil {
		return nil, fmt.Errorf("count traces: %w", err)
	}
	s.mu.Lock()
	st.ChainHash = fmt.Sprintf("%x", s.lastHash)
	s.mu.Unlock()
	return &st, nil
}

func (s *Store) queryOne(query string, arg any) (*Issuance, error) {
	rows, err := s.db.Query(query, arg)
	if err != nil {
		return nil, fmt.Errorf("query issuance: %w", err)
	}
	defer rows.Close()

	list, err := scanIssuances(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func scanIssuances(rows *sql.Rows) ([]Issuance, error) {
	var out []Issuance
	for rows.Next() {
		var is Issuance
		var digest, prev, entry []byte
		var ns int64
		if err := rows.Scan(&is.ID, &is.Identity, &is.SessionID, &is.Method, &is.Filename, &is.Source,
			&digest, &ns, &prev, &entry); err != nil {
			return nil, fmt.Errorf("scan issuance: %w", err)
		}
		copy(is.SecretDigest[:], digest)
		copy(is.PreviousHash[:], prev)
		copy(is.EntryHash[:], entry)
		is.IssuedAt = time.Unix(0, ns)
		out = append(out, is)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issuances: %w", err)
	}
	return out, nil
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
