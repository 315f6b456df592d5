// Package store is the SQLite issuance ledger for watermarkd.
//
// Every issued document gets one row, chained to the previous row by hash
// and authenticated with an HMAC so that edits to the ledger file are
// detected by Verify. Session secrets are never stored; rows carry their
// SHA-256 digest.
package store

import (
	"crypto/sha256"
	"time"
)

// Issuance records one watermarked document handed to a recipient.
type Issuance struct {
	ID           string // UUIDv4
	Identity     string
	SessionID    string
	Method       string
	Filename     string
	Source       string
	SecretDigest [32]byte
	IssuedAt     time.Time

	PreviousHash [32]byte
	EntryHash    [32]byte
}

// Trace records a lookup that resolved a leaked document to an issuance.
type Trace struct {
	ID         string
	IssuanceID string
	Method     string
	TracedAt   time.Time
}

// Stats summarizes the ledger.
type Stats struct {
	Issuances  int64
	Identities int64
	Traces     int64
	ChainHash  string
}

// SecretDigest returns the digest under which a session secret is indexed.
func SecretDigest(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}
