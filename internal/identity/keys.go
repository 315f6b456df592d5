// Package identity loads Ed25519 key material and resolves registered
// client identities to their public keys.
//
// Private keys are OpenSSH PEM files, optionally passphrase-protected.
// Public keys use the authorized_keys line format ("ssh-ed25519 AAAA...").
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"

	"watermarkd/internal/security"
)

// Errors
var (
	ErrInvalidKeyFormat   = errors.New("identity: invalid key format")
	ErrUnsupportedKey     = errors.New("identity: unsupported key type (expected Ed25519)")
	ErrPassphraseRequired = errors.New("identity: key is encrypted (passphrase required)")
	ErrWrongPassphrase    = errors.New("identity: wrong passphrase")
	ErrUnknownIdentity    = errors.New("identity: unknown identity")
	ErrIdentityExists     = errors.New("identity: identity already enrolled")
)

const maxKeyFileSize = 16 * 1024

// GenerateKeyPair returns a fresh Ed25519 key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// ParsePrivateKey parses an OpenSSH PEM private key. A nil passphrase
// is only accepted for unencrypted keys.
func ParsePrivateKey(data, passphrase []byte) (ed25519.PrivateKey, error) {
	if block, _ := pem.Decode(data); block == nil {
		return nil, ErrInvalidKeyFormat
	}

	var (
		parsed any
		err    error
	)
	if len(passphrase) == 0 {
		parsed, err = ssh.ParseRawPrivateKey(data)
	} else {
		parsed, err = ssh.ParseRawPrivateKeyWithPassphrase(data, passphrase)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		switch {
		case errors.As(err, &missing):
			return nil, ErrPassphraseRequired
		case errors.Is(err, x509.IncorrectPasswordError):
			return nil, ErrWrongPassphrase
		}
		return nil, fmt.Errorf("parse key: %w", err)
	}

	switch k := parsed.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsed)
	}
}

// LoadPrivateKey reads a private key file. The file must not be readable by
// group or others.
func LoadPrivateKey(path string, passphrase []byte) (ed25519.PrivateKey, error) {
	data, err := security.ReadSecretFile(path, maxKeyFileSize)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	defer security.Wipe(data)
	return ParsePrivateKey(data, passphrase)
}

// MarshalPrivateKey encodes priv as an OpenSSH PEM block, encrypted when
// passphrase is non-empty.
func MarshalPrivateKey(priv ed25519.PrivateKey, comment string, passphrase []byte) ([]byte, error) {
	var (
		block *pem.Block
		err   error
	)
	if len(passphrase) == 0 {
		block, err = ssh.MarshalPrivateKey(priv, comment)
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, comment, passphrase)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}

// ParsePublicKey parses an authorized_keys line or a raw 32-byte key.
func ParsePublicKey(data []byte) (ed25519.PublicKey, error) {
	if len(data) == ed25519.PublicKeySize {
		return ed25519.PublicKey(data), nil
	}

	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	cpk, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, ErrInvalidKeyFormat
	}
	edPub, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, cpk.CryptoPublicKey())
	}
	return edPub, nil
}

// LoadPublicKey reads a public key file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return ParsePublicKey(data)
}

// MarshalPublicKey encodes pub as an authorized_keys line.
func MarshalPublicKey(pub ed25519.PublicKey, comment string) ([]byte, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	line := ssh.MarshalAuthorizedKey(sshPub)
	if comment != "" {
		line = append(line[:len(line)-1], ' ')
		line = append(line, comment...)
		line = append(line, '\n')
	}
	return line, nil
}

// Fingerprint returns the OpenSSH SHA256 fingerprint of pub.
func Fingerprint(pub ed25519.PublicKey) string {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(sshPub)
}
