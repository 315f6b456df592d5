// Package commitment computes domain-separated keyed commitments.
//
// A commitment is hex(HMAC-SHA256(key, context || content)). The context is
// a fixed per-algorithm prefix so that a MAC computed for one watermark
// method can never be replayed as a valid commitment for another.
package commitment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Size is the length in hex characters of a commitment.
const Size = sha256.Size * 2

// ErrEmptyContext is returned when a Committer is built without a context.
var ErrEmptyContext = errors.New("commitment: empty context")

// Committer binds content to a key under a fixed domain-separation context.
type Committer struct {
	context []byte
}

// New returns a Committer for the given context.
func New(context string) (*Committer, error) {
	if context == "" {
		return nil, ErrEmptyContext
	}
	return &Committer{context: []byte(context)}, nil
}

// Context returns the domain-separation prefix.
func (c *Committer) Context() string {
	return string(c.context)
}

// Sum returns the raw MAC over context || parts.
func (c *Committer) Sum(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(c.context)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// Commit returns hex(HMAC-SHA256(key, context || content)).
func (c *Committer) Commit(key, content string) string {
	return hex.EncodeToString(c.Sum([]byte(key), []byte(content)))
}

// Verify recomputes the commitment for content and compares it with the
// given hex string in constant time. Malformed hex never verifies.
func (c *Committer) Verify(key, content, commitment string) bool {
	want, err := hex.DecodeString(commitment)
	if err != nil || len(want) != sha256.Size {
		return false
	}
	return hmac.Equal(c.Sum([]byte(key), []byte(content)), want)
}
