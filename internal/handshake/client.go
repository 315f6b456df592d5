package handshake

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"watermarkd/internal/security"
)

// Client runs the client side of one handshake. A Client is not safe for
// concurrent use and must not be reused after Respond.
type Client struct {
	identity  string
	priv      ed25519.PrivateKey
	serverPub ed25519.PublicKey
	now       func() time.Time

	ephPriv []byte
	hello   [32]byte
	sent    bool

	session string
	seal    []byte
}

// NewClient prepares a handshake for identity, signing with priv and
// expecting the server to hold serverPub.
func NewClient(identity string, priv ed25519.PrivateKey, serverPub ed25519.PublicKey) (*Client, error) {
	if err := security.ValidateName(identity); err != nil {
		return nil, fmt.Errorf("handshake: identity: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize || len(serverPub) != ed25519.PublicKeySize {
		return nil, errors.New("handshake: invalid key size")
	}
	return &Client{identity: identity, priv: priv, serverPub: serverPub, now: time.Now}, nil
}

// Hello returns the encoded message 1.
func (c *Client) Hello() ([]byte, error) {
	if c.sent {
		return nil, ErrSessionState
	}
	ephPriv, ephPub, err := newEphemeral()
	if err != nil {
		return nil, err
	}
	nonce, err := security.RandomBytes(nonceSize)
	if err != nil {
		return nil, err
	}

	ts := c.now().Unix()
	c.hello = helloDigest(c.identity, ephPub, nonce, ts, c.serverPub)
	c.ephPriv = ephPriv
	c.sent = true

	return marshal(Hello{
		Version:   Version,
		Identity:  c.identity,
		Ephemeral: ephPub,
		Nonce:     nonce,
		Timestamp: ts,
		Signature: ed25519.Sign(c.priv, c.hello[:]),
	})
}

// Respond verifies the server continuation and returns the encoded
// message 2.
func (c *Client) Respond(continuation []byte) ([]byte, error) {
	if !c.sent || c.ephPriv == nil {
		return nil, ErrSessionState
	}
	cont, err := ParseContinuation(continuation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	th := transcriptHash(c.hello, cont.Session, cont.Ephemeral, cont.Nonce)
	if !ed25519.Verify(c.serverPub, serverSignedMessage(th), cont.Signature) {
		return nil, fmt.Errorf("%w: server signature", ErrVerificationFailed)
	}

	confirm, sealKey, err := sessionKeys(c.ephPriv, cont.Ephemeral, th)
	security.Wipe(c.ephPriv)
	c.ephPriv = nil
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	defer security.Wipe(confirm)

	c.session = cont.Session
	c.seal = sealKey

	return marshal(Finish{
		Version: Version,
		Session: cont.Session,
		Proof:   finishProof(confirm, th),
	})
}

// Session returns the session id assigned by the server, once known.
func (c *Client) Session() string { return c.session }

// OpenSecret decrypts the sealed session secret from a Result.
func (c *Client) OpenSecret(sealed []byte) (string, error) {
	if c.seal == nil {
		return "", ErrSessionState
	}
	return open(c.seal, c.session, sealed)
}
