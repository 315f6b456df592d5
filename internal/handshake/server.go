// Package handshake implements the two-message session protocol that
// authorizes issuance of a watermarked document.
//
// Message 1 (Hello) carries a claimed identity, an X25519 ephemeral key and
// a nonce, signed with the identity's Ed25519 key. The server answers with
// its own ephemeral key and nonce, signed with the server key, and opens a
// session in INITIATED. Message 2 (Finish) proves the client derived the
// same session keys. A successful Finish completes the session and yields
// a fresh 256-bit session secret.
//
// Client public keys are resolved by the server from its identity directory;
// a key is never taken from the request.
package handshake

import (
	"crypto/ed25519"
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"watermarkd/internal/security"
)

// Defaults for ServerConfig.
const (
	DefaultSessionTTL = 2 * time.Minute
	DefaultMaxSkew    = 5 * time.Minute
)

// KeyResolver maps an identity to its registered public key.
type KeyResolver interface {
	PublicKey(identity string) (ed25519.PublicKey, error)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	PrivateKey ed25519.PrivateKey
	Identities KeyResolver

	// SessionTTL bounds the time between Initiate and Finalize.
	SessionTTL time.Duration
	// MaxSkew is the accepted difference between the Hello timestamp and
	// the server clock.
	MaxSkew time.Duration
	// Limiter, when set, rate limits Initiate per claimed identity.
	Limiter *security.KeyedRateLimiter

	now func() time.Time
}

// Server holds handshake sessions.
type Server struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	ids  KeyResolver
	ttl  time.Duration
	skew time.Duration
	lim  *security.KeyedRateLimiter
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	nonces   map[string]time.Time
}

// NewServer creates a server from cfg.
func NewServer(cfg ServerConfig) (*Server, error) {
	if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("handshake: server private key required")
	}
	if cfg.Identities == nil {
		return nil, errors.New("handshake: identity resolver required")
	}
	if _, err := loadSchemas(); err != nil {
		return nil, err
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = DefaultMaxSkew
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Server{
		priv:     cfg.PrivateKey,
		pub:      cfg.PrivateKey.Public().(ed25519.PublicKey),
		ids:      cfg.Identities,
		ttl:      cfg.SessionTTL,
		skew:     cfg.MaxSkew,
		lim:      cfg.Limiter,
		now:      cfg.now,
		sessions: make(map[string]*session),
		nonces:   make(map[string]time.Time),
	}, nil
}

// PublicKey returns the server's long-term public key.
func (s *Server) PublicKey() ed25519.PublicKey { return s.pub }

// Initiate processes message 1 and returns the encoded continuation. On
// failure no session is created.
func (s *Server) Initiate(msg []byte) ([]byte, error) {
	hello, err := ParseHello(msg)
	if err != nil {
		return nil, fail(PhaseInitiate, ErrVerificationFailed)
	}
	if s.lim != nil && !s.lim.Allow(hello.Identity) {
		return nil, fail(PhaseInitiate, security.ErrRateLimited)
	}

	now := s.now()
	sent := time.Unix(hello.Timestamp, 0)
	if sent.Before(now.Add(-s.skew)) || sent.After(now.Add(s.skew)) {
		return nil, fail(PhaseInitiate, ErrVerificationFailed)
	}

	pub, err := s.ids.PublicKey(hello.Identity)
	if err != nil {
		return nil, fail(PhaseInitiate, ErrVerificationFailed)
	}
	hd := helloDigest(hello.Identity, hello.Ephemeral, hello.Nonce, hello.Timestamp, s.pub)
	if !ed25519.Verify(pub, hd[:], hello.Signature) {
		return nil, fail(PhaseInitiate, ErrVerificationFailed)
	}
	if !s.claimNonce(hello.Nonce, now) {
		return nil, fail(PhaseInitiate, ErrVerificationFailed)
	}

	ephPriv, ephPub, err := newEphemeral()
	if err != nil {
		return nil, fail(PhaseInitiate, err)
	}
	defer security.Wipe(ephPriv)
	nonce, err := security.RandomBytes(nonceSize)
	if err != nil {
		return nil, fail(PhaseInitiate, err)
	}
	id, err := security.RandomHex(sessionIDSize)
	if err != nil {
		return nil, fail(PhaseInitiate, err)
	}

	th := transcriptHash(hd, id, ephPub, nonce)
	confirm, sealKey, err := sessionKeys(ephPriv, hello.Ephemeral, th)
	if err != nil {
		// Low-order client point.
		return nil, fail(PhaseInitiate, ErrVerificationFailed)
	}

	cont := Continuation{
		Version:   Version,
		Session:   id,
		Ephemeral: ephPub,
		Nonce:     nonce,
		Signature: ed25519.Sign(s.priv, serverSignedMessage(th)),
	}
	out, err := marshal(cont)
	if err != nil {
		return nil, fail(PhaseInitiate, err)
	}

	sess := &session{
		id:         id,
		identity:   hello.Identity,
		created:    now,
		state:      StateInitiated,
		transcript: th,
		confirm:    confirm,
		seal:       sealKey,
	}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	return out, nil
}

// Finalize processes message 2. On success the session is COMPLETED and the
// result carries the new session secret. A wrong proof moves the session to
// FAILED.
func (s *Server) Finalize(msg []byte) (*Result, error) {
	fin, err := ParseFinish(msg)
	if err != nil {
		return nil, fail(PhaseFinalize, ErrVerificationFailed)
	}

	sess := s.lookup(fin.Session)
	if sess == nil {
		return nil, fail(PhaseFinalize, ErrSessionState)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state != StateInitiated {
		return nil, fail(PhaseFinalize, ErrSessionState)
	}
	if s.now().Sub(sess.created) > s.ttl {
		sess.failLocked()
		return nil, fail(PhaseFinalize, ErrSessionState)
	}

	if !hmac.Equal(fin.Proof, finishProof(sess.confirm, sess.transcript)) {
		sess.failLocked()
		return nil, fail(PhaseFinalize, ErrVerificationFailed)
	}

	secret, err := newSessionSecret()
	if err != nil {
		sess.failLocked()
		return nil, fail(PhaseFinalize, err)
	}
	sealed, err := seal(sess.seal, sess.id, secret)
	if err != nil {
		sess.failLocked()
		return nil, fail(PhaseFinalize, err)
	}

	sess.state = StateCompleted
	sess.secret = secret
	sess.dropKeysLocked()

	return &Result{
		Session:  sess.id,
		Identity: sess.identity,
		Secret:   secret,
		Sealed:   sealed,
	}, nil
}

// Session returns a snapshot of the session with the given id.
func (s *Server) Session(id string) (SessionInfo, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return SessionInfo{}, false
	}
	return sess.info(), true
}

// Prune drops sessions older than the TTL and expired replay-cache entries.
// It returns the number of sessions removed.
func (s *Server) Prune() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.created) > s.ttl {
			delete(s.sessions, id)
			removed++
		}
	}
	for n, exp := range s.nonces {
		if now.After(exp) {
			delete(s.nonces, n)
		}
	}
	return removed
}

// Len returns the number of tracked sessions.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) lookup(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// claimNonce records a client nonce, reporting false on replay. Entries
// live for twice the skew window, which covers every timestamp still
// accepted.
func (s *Server) claimNonce(nonce []byte, now time.Time) bool {
	key := hex.EncodeToString(nonce)

	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.nonces[key]; ok && now.Before(exp) {
		return false
	}
	s.nonces[key] = now.Add(2 * s.skew)
	return true
}

// newSessionSecret returns 256 bits from crypto/rand as hex. A short read
// is an error, never a weaker secret.
func newSessionSecret() (string, error) {
	return security.RandomHex(secretSize)
}
