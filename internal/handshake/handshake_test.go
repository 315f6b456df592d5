package handshake

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watermarkd/internal/security"
)

type keyMap map[string]ed25519.PublicKey

func (m keyMap) PublicKey(identity string) (ed25519.PublicKey, error) {
	if pub, ok := m[identity]; ok {
		return pub, nil
	}
	return nil, errors.New("unknown")
}

type fixture struct {
	server    *Server
	clock     *time.Time
	alicePriv ed25519.PrivateKey
	ids       keyMap
}

func newFixture(t *testing.T, mutate func(*ServerConfig)) *fixture {
	t.Helper()
	_, serverPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	alicePub, alicePriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	clock := time.Unix(1_760_000_000, 0)
	f := &fixture{clock: &clock, alicePriv: alicePriv, ids: keyMap{"alice": alicePub}}

	cfg := ServerConfig{
		PrivateKey: serverPriv,
		Identities: f.ids,
		now:        func() time.Time { return *f.clock },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.server, err = NewServer(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) client(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient("alice", f.alicePriv, f.server.PublicKey())
	require.NoError(t, err)
	c.now = func() time.Time { return *f.clock }
	return c
}

// start runs message 1 and returns the client with its encoded message 2.
func (f *fixture) start(t *testing.T) (*Client, []byte) {
	t.Helper()
	c := f.client(t)
	hello, err := c.Hello()
	require.NoError(t, err)
	cont, err := f.server.Initiate(hello)
	require.NoError(t, err)
	finish, err := c.Respond(cont)
	require.NoError(t, err)
	return c, finish
}

func assertPhase(t *testing.T, err error, phase Phase, target error) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, target)
	var he *Error
	require.True(t, errors.As(err, &he), "expected *handshake.Error, got %T", err)
	assert.Equal(t, phase, he.Phase)
}

func TestHandshakeRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	c, finish := f.start(t)

	info, ok := f.server.Session(c.Session())
	require.True(t, ok)
	assert.Equal(t, StateInitiated, info.State)
	assert.Equal(t, "alice", info.Identity)

	res, err := f.server.Finalize(finish)
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Identity)
	assert.Equal(t, c.Session(), res.Session)
	assert.Len(t, res.Secret, 2*secretSize)
	assert.NoError(t, security.ValidateHexString(res.Secret, 2*secretSize))

	opened, err := c.OpenSecret(res.Sealed)
	require.NoError(t, err)
	assert.Equal(t, res.Secret, opened)

	info, _ = f.server.Session(c.Session())
	assert.Equal(t, StateCompleted, info.State)
	assert.True(t, info.State.Terminal())
}

func TestFinalizeTwiceFails(t *testing.T) {
	f := newFixture(t, nil)
	_, finish := f.start(t)

	_, err := f.server.Finalize(finish)
	require.NoError(t, err)

	_, err = f.server.Finalize(finish)
	assertPhase(t, err, PhaseFinalize, ErrSessionState)
}

func TestFinalizeWrongProofFailsSession(t *testing.T) {
	f := newFixture(t, nil)
	c, finish := f.start(t)

	var msg Finish
	require.NoError(t, json.Unmarshal(finish, &msg))
	good := append([]byte{}, msg.Proof...)
	msg.Proof[0] ^= 0xff
	bad, err := json.Marshal(msg)
	require.NoError(t, err)

	_, err = f.server.Finalize(bad)
	assertPhase(t, err, PhaseFinalize, ErrVerificationFailed)

	info, _ := f.server.Session(c.Session())
	assert.Equal(t, StateFailed, info.State)

	// The session is terminal even for the correct proof.
	msg.Proof = good
	retry, err := json.Marshal(msg)
	require.NoError(t, err)
	_, err = f.server.Finalize(retry)
	assertPhase(t, err, PhaseFinalize, ErrSessionState)
}

func TestFinalizeUnknownSession(t *testing.T) {
	f := newFixture(t, nil)
	msg, err := json.Marshal(Finish{Version: Version, Session: "00112233445566778899aabbccddeeff", Proof: make([]byte, 32)})
	require.NoError(t, err)

	_, err = f.server.Finalize(msg)
	assertPhase(t, err, PhaseFinalize, ErrSessionState)
}

func TestFinalizeExpiredSession(t *testing.T) {
	f := newFixture(t, func(cfg *ServerConfig) { cfg.SessionTTL = time.Minute })
	c, finish := f.start(t)

	*f.clock = f.clock.Add(2 * time.Minute)
	_, err := f.server.Finalize(finish)
	assertPhase(t, err, PhaseFinalize, ErrSessionState)

	info, _ := f.server.Session(c.Session())
	assert.Equal(t, StateFailed, info.State)

	assert.Equal(t, 1, f.server.Prune())
	assert.Zero(t, f.server.Len())
}

func TestFinalizeMalformed(t *testing.T) {
	f := newFixture(t, nil)
	for _, msg := range [][]byte{nil, []byte("{"), []byte(`{"v":1}`), []byte(`{"v":1,"session":"zz","proof":"AA=="}`)} {
		_, err := f.server.Finalize(msg)
		assertPhase(t, err, PhaseFinalize, ErrVerificationFailed)
	}
}

func TestInitiateRejections(t *testing.T) {
	f := newFixture(t, nil)

	resign := func(t *testing.T, priv ed25519.PrivateKey, edit func(*Hello)) []byte {
		t.Helper()
		hello, err := f.client(t).Hello()
		require.NoError(t, err)
		var h Hello
		require.NoError(t, json.Unmarshal(hello, &h))
		edit(&h)
		if priv != nil {
			d := helloDigest(h.Identity, h.Ephemeral, h.Nonce, h.Timestamp, f.server.PublicKey())
			h.Signature = ed25519.Sign(priv, d[:])
		}
		out, err := json.Marshal(h)
		require.NoError(t, err)
		return out
	}

	_, mallory, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cases := map[string][]byte{
		"garbage":          []byte("not json"),
		"unknown identity": resign(t, f.alicePriv, func(h *Hello) { h.Identity = "bob" }),
		"wrong key":        resign(t, mallory, func(h *Hello) {}),
		"tampered nonce":   resign(t, nil, func(h *Hello) { h.Nonce[0] ^= 1 }),
		"stale timestamp":  resign(t, f.alicePriv, func(h *Hello) { h.Timestamp -= int64(time.Hour / time.Second) }),
		"future timestamp": resign(t, f.alicePriv, func(h *Hello) { h.Timestamp += int64(time.Hour / time.Second) }),
		"extra field":      []byte(`{"v":1,"identity":"alice","extra":true}`),
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.server.Initiate(msg)
			assertPhase(t, err, PhaseInitiate, ErrVerificationFailed)
		})
	}
	assert.Zero(t, f.server.Len(), "failed initiations create no session")
}

func TestInitiateRejectsReplay(t *testing.T) {
	f := newFixture(t, nil)
	hello, err := f.client(t).Hello()
	require.NoError(t, err)

	_, err = f.server.Initiate(hello)
	require.NoError(t, err)
	_, err = f.server.Initiate(hello)
	assertPhase(t, err, PhaseInitiate, ErrVerificationFailed)
	assert.Equal(t, 1, f.server.Len())
}

func TestInitiateRateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *ServerConfig) {
		cfg.Limiter = security.NewKeyedRateLimiter(0.001, 1, time.Hour)
	})

	hello, err := f.client(t).Hello()
	require.NoError(t, err)
	_, err = f.server.Initiate(hello)
	require.NoError(t, err)

	hello, err = f.client(t).Hello()
	require.NoError(t, err)
	_, err = f.server.Initiate(hello)
	assertPhase(t, err, PhaseInitiate, security.ErrRateLimited)
}

func TestClientRejectsForgedContinuation(t *testing.T) {
	f := newFixture(t, nil)
	c := f.client(t)
	hello, err := c.Hello()
	require.NoError(t, err)
	cont, err := f.server.Initiate(hello)
	require.NoError(t, err)

	var msg Continuation
	require.NoError(t, json.Unmarshal(cont, &msg))
	msg.Nonce[0] ^= 1
	forged, err := json.Marshal(msg)
	require.NoError(t, err)

	_, err = c.Respond(forged)
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestClientStateErrors(t *testing.T) {
	f := newFixture(t, nil)
	c := f.client(t)

	_, err := c.Respond([]byte("{}"))
	assert.ErrorIs(t, err, ErrSessionState)
	_, err = c.OpenSecret(nil)
	assert.ErrorIs(t, err, ErrSessionState)

	_, err = c.Hello()
	require.NoError(t, err)
	_, err = c.Hello()
	assert.ErrorIs(t, err, ErrSessionState)

	_, err = NewClient("../alice", f.alicePriv, f.server.PublicKey())
	assert.Error(t, err)
}

func TestOpenSecretRejectsTamper(t *testing.T) {
	f := newFixture(t, nil)
	c, finish := f.start(t)
	res, err := f.server.Finalize(finish)
	require.NoError(t, err)

	res.Sealed[len(res.Sealed)-1] ^= 1
	_, err = c.OpenSecret(res.Sealed)
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestSessionSecretsAreUnique(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 10k handshakes in short mode")
	}
	f := newFixture(t, nil)

	const n = 10_000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		_, finish := f.start(t)
		res, err := f.server.Finalize(finish)
		require.NoError(t, err)
		_, dup := seen[res.Secret]
		require.False(t, dup, "duplicate session secret after %d handshakes", i)
		seen[res.Secret] = struct{}{}
	}
}

func TestSchemaFixtures(t *testing.T) {
	cases := map[string]func([]byte) error{
		"hello-v1.json":        func(b []byte) error { _, err := ParseHello(b); return err },
		"continuation-v1.json": func(b []byte) error { _, err := ParseContinuation(b); return err },
		"finish-v1.json":       func(b []byte) error { _, err := ParseFinish(b); return err },
	}
	for name, parse := range cases {
		t.Run(name, func(t *testing.T) {
			data, err := os.ReadFile(filepath.Join("testdata", name))
			require.NoError(t, err)
			assert.NoError(t, parse(data))
		})
	}

	files, err := SchemaFiles()
	require.NoError(t, err)
	assert.Len(t, files, 3)
}

func TestNewServerRequiresKeys(t *testing.T) {
	_, err := NewServer(ServerConfig{Identities: keyMap{}})
	assert.Error(t, err)

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	_, err = NewServer(ServerConfig{PrivateKey: priv})
	assert.Error(t, err)
}
