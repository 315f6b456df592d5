package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cryptographic errors
var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
)

// MinKeySize is the minimum allowed size of derived keys in bytes.
const MinKeySize = 16

// RandomBytes returns n bytes from the operating system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	got, err := rand.Read(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	if got != n {
		return nil, fmt.Errorf("%w: only got %d of %d bytes", ErrInsufficientEntropy, got, n)
	}
	return b, nil
}

// RandomHex returns n random bytes, hex-encoded (2n characters).
func RandomHex(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// DeriveKeys expands secret into len(sizes) independent keys using
// HKDF-SHA256 with the given salt and info.
func DeriveKeys(secret, salt, info []byte, sizes ...int) ([][]byte, error) {
	if len(secret) < MinKeySize {
		return nil, fmt.Errorf("%w: input is %d bytes, minimum %d required",
			ErrWeakKey, len(secret), MinKeySize)
	}

	reader := hkdf.New(sha256.New, secret, salt, info)
	keys := make([][]byte, 0, len(sizes))
	for _, size := range sizes {
		if size < MinKeySize {
			return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
		}
		k := make([]byte, size)
		if _, err := io.ReadFull(reader, k); err != nil {
			return nil, fmt.Errorf("key derivation failed: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// SecureCompare performs a constant-time comparison of two byte slices.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// HashDomainSeparated computes SHA-256 over a length-prefixed domain tag
// followed by each length-prefixed part.
func HashDomainSeparated(domain string, parts ...[]byte) [32]byte {
	h := sha256.New()
	writeLengthPrefixed(h, []byte(domain))
	for _, p := range parts {
		writeLengthPrefixed(h, p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func writeLengthPrefixed(w io.Writer, p []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(p)))
	w.Write(n[:])
	w.Write(p)
}
