package handshake

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"watermarkd/internal/security"
)

// Domain separation tags.
const (
	tagHello      = "watermarkd/handshake/v1/hello"
	tagTranscript = "watermarkd/handshake/v1/transcript"
	tagServer     = "watermarkd/handshake/v1/server-signature"
	tagKeys       = "watermarkd/handshake/v1/keys"
	clientLabel   = "client-finished"
)

const (
	nonceSize     = 16
	sessionIDSize = 16
	secretSize    = 32
	keySize       = 32
)

func helloDigest(identity string, ephemeral, nonce []byte, timestamp int64, serverPub ed25519.PublicKey) [32]byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	return security.HashDomainSeparated(tagHello, []byte(identity), ephemeral, nonce, ts[:], serverPub)
}

func transcriptHash(hello [32]byte, session string, serverEphemeral, serverNonce []byte) [32]byte {
	return security.HashDomainSeparated(tagTranscript, hello[:], []byte(session), serverEphemeral, serverNonce)
}

func serverSignedMessage(th [32]byte) []byte {
	d := security.HashDomainSeparated(tagServer, th[:])
	return d[:]
}

func newEphemeral() (priv, pub []byte, err error) {
	priv, err = security.RandomBytes(curve25519.ScalarSize)
	if err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// sessionKeys derives the confirmation and seal keys from the X25519 shared
// secret, salted with the transcript hash.
func sessionKeys(priv, peer []byte, th [32]byte) (confirm, seal []byte, err error) {
	shared, err := curve25519.X25519(priv, peer)
	if err != nil {
		return nil, nil, fmt.Errorf("key agreement: %w", err)
	}
	defer security.Wipe(shared)

	keys, err := security.DeriveKeys(shared, th[:], []byte(tagKeys), keySize, keySize)
	if err != nil {
		return nil, nil, err
	}
	return keys[0], keys[1], nil
}

func finishProof(confirm []byte, th [32]byte) []byte {
	mac := hmac.New(sha256.New, confirm)
	mac.Write([]byte(clientLabel))
	mac.Write(th[:])
	return mac.Sum(nil)
}

// seal encrypts the session secret; the output is nonce || ciphertext.
func seal(key []byte, session, secret string) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce, err := security.RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, []byte(secret), []byte(session)), nil
}

func open(key []byte, session string, sealed []byte) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return "", ErrVerificationFailed
	}
	n := aead.NonceSize()
	plain, err := aead.Open(nil, sealed[:n], sealed[n:], []byte(session))
	if err != nil {
		return "", ErrVerificationFailed
	}
	return string(plain), nil
}
