// Package issuance ties the handshake, the watermark registry and the
// ledger together: a completed handshake yields a watermarked copy of the
// recipient's document, and a leaked copy can be traced back to the
// recipient it was issued to.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"watermarkd/internal/handshake"
	"watermarkd/internal/logging"
	"watermarkd/internal/metrics"
	"watermarkd/internal/pdfdoc"
	"watermarkd/internal/security"
	"watermarkd/internal/store"
	"watermarkd/internal/watermark"
)

const (
	// BaseAsset is the fallback source document in the assets directory.
	BaseAsset = "base.pdf"

	payloadPrefix = "session-"
	maxAssetSize  = 256 << 20
)

var (
	// ErrNotIssued is returned by Trace when the extracted secret is not
	// in the ledger.
	ErrNotIssued = errors.New("issuance: document was not issued by this server")
)

// Config wires a Service.
type Config struct {
	Handshake *handshake.Server
	Registry  *watermark.Registry
	Ledger    *store.Store

	// Method is the registry name used to embed and trace.
	Method string
	// Key is the server watermark key.
	Key string
	// EmailDomain wraps secrets for email-shaped methods.
	EmailDomain string

	AssetsDir  string
	StorageDir string

	// Failures, when set, locks out identities whose authenticated
	// sessions repeatedly fail to finalize.
	Failures *security.FailureLimiter

	Audit   *logging.AuditLogger
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Result describes an issued document.
type Result struct {
	IssuanceID    string `json:"issuance_id"`
	Session       string `json:"session"`
	Identity      string `json:"identity"`
	SessionSecret string `json:"-"`
	Filename      string `json:"filename"`
	Path          string `json:"-"`
	Source        string `json:"source"`
	Method        string `json:"method"`
	Size          int    `json:"size"`
	// Sealed is the session secret encrypted for the client.
	Sealed []byte `json:"sealed"`
}

// TraceResult identifies the recipient of a traced document.
type TraceResult struct {
	Issuance *store.Issuance
	TraceID  string
	Method   string
}

// Service issues and traces watermarked documents.
type Service struct {
	hs       *handshake.Server
	registry *watermark.Registry
	ledger   *store.Store
	failures *security.FailureLimiter
	audit    *logging.AuditLogger
	log      *logging.Logger
	metrics  *metrics.Metrics

	assets  string
	storage string

	mu     sync.RWMutex
	method string
	key    string
	domain string

	// baseMu serializes creation of the placeholder base asset.
	baseMu sync.Mutex
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Handshake == nil || cfg.Registry == nil || cfg.Ledger == nil {
		return nil, errors.New("issuance: handshake server, registry and ledger are required")
	}
	if cfg.AssetsDir == "" || cfg.StorageDir == "" {
		return nil, errors.New("issuance: assets and storage directories are required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("issuance: %w: empty watermark key", watermark.ErrInvalidKey)
	}
	if _, err := cfg.Registry.Resolve(cfg.Method); err != nil {
		return nil, fmt.Errorf("issuance: %w", err)
	}
	if cfg.EmailDomain == "" {
		cfg.EmailDomain = "watermarkd.invalid"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	for _, dir := range []string{cfg.AssetsDir, cfg.StorageDir} {
		if err := os.MkdirAll(dir, security.PermPublicDir); err != nil {
			return nil, fmt.Errorf("issuance: create %s: %w", dir, err)
		}
	}

	return &Service{
		hs:       cfg.Handshake,
		registry: cfg.Registry,
		ledger:   cfg.Ledger,
		failures: cfg.Failures,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		log:      cfg.Logger.WithComponent("issuance"),
		assets:   cfg.AssetsDir,
		storage:  cfg.StorageDir,
		method:   cfg.Method,
		key:      cfg.Key,
		domain:   cfg.EmailDomain,
	}, nil
}

// Method returns the configured method name.
func (s *Service) Method() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.method
}

// SetMethod switches the method used for new issuances and traces.
func (s *Service) SetMethod(name string) error {
	if _, err := s.registry.Resolve(name); err != nil {
		return err
	}
	s.mu.Lock()
	s.method = name
	s.mu.Unlock()
	return nil
}

// SetEmailDomain changes the domain used to wrap secrets.
func (s *Service) SetEmailDomain(domain string) error {
	if !watermark.IsEmail(payloadPrefix + "0@" + domain) {
		return fmt.Errorf("%w: invalid email domain %q", watermark.ErrInvalidSecret, domain)
	}
	s.mu.Lock()
	s.domain = domain
	s.mu.Unlock()
	return nil
}

func (s *Service) settings() (method, key, domain string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.method, s.key, s.domain
}

// Handshake returns the underlying protocol server.
func (s *Service) Handshake() *handshake.Server {
	return s.hs
}

// Metrics returns the service metrics, or nil.
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Registry returns the method registry.
func (s *Service) Registry() *watermark.Registry {
	return s.registry
}

// Initiate processes handshake message 1.
func (s *Service) Initiate(ctx context.Context, msg []byte) ([]byte, error) {
	identity := claimedIdentity(msg)
	if identity != "" && s.failures != nil && s.failures.IsLocked(identity) {
		err := &handshake.Error{Phase: handshake.PhaseInitiate, Err: security.ErrLockedOut}
		s.audit.Log(ctx, logging.AuditEvent{
			EventType: logging.AuditEventHandshake,
			Action:    string(handshake.PhaseInitiate),
			Identity:  identity,
			Result:    logging.ResultDenied,
			Error:     err.Error(),
		})
		s.metrics.RecordHandshake(err)
		return nil, err
	}

	cont, err := s.hs.Initiate(msg)
	s.metrics.RecordHandshake(err)
	sessionID := ""
	if err == nil {
		if c, perr := handshake.ParseContinuation(cont); perr == nil {
			sessionID = c.Session
		}
	}
	s.audit.LogHandshake(ctx, string(handshake.PhaseInitiate), identity, sessionID, err)
	if err != nil {
		s.log.WithContext(ctx).Warn("handshake initiation rejected", "identity", identity, "error", err)
		return nil, err
	}
	s.log.WithContext(ctx).Debug("handshake initiated", "identity", identity, "session", sessionID)
	return cont, nil
}

// claimedIdentity returns the identity named by a Hello, or "" when msg is
// not a valid Hello. It is used only for throttling and audit fields.
func claimedIdentity(msg []byte) string {
	hello, err := handshake.ParseHello(msg)
	if err != nil {
		return ""
	}
	return hello.Identity
}

// Issue finalizes the handshake and issues a watermarked document to the
// authenticated identity.
func (s *Service) Issue(ctx context.Context, msg []byte) (*Result, error) {
	log := s.log.WithContext(ctx)
	start := time.Now()

	hr, err := s.hs.Finalize(msg)
	if err != nil {
		s.metrics.RecordIssuance(0, 0, err)
		identity, sessionID := s.sessionOf(msg)
		if identity != "" && s.failures != nil && errors.Is(err, handshake.ErrVerificationFailed) {
			s.failures.RecordFailure(identity)
		}
		s.audit.LogHandshake(ctx, string(handshake.PhaseFinalize), identity, sessionID, err)
		log.Warn("handshake finalization rejected", "identity", identity, "session", sessionID, "error", err)
		return nil, err
	}
	if s.failures != nil {
		s.failures.RecordSuccess(hr.Identity)
	}
	s.audit.LogHandshake(ctx, string(handshake.PhaseFinalize), hr.Identity, hr.Session, nil)

	method, key, domain := s.settings()
	res, err := s.issue(hr, method, key, domain)
	s.audit.LogIssuance(ctx, hr.Identity, hr.Session, filenameOf(res), method, err)
	if err != nil {
		s.metrics.RecordIssuance(0, 0, err)
		log.Error("issuance failed", "identity", hr.Identity, "session", hr.Session, "method", method, "error", err)
		return nil, err
	}
	s.metrics.RecordIssuance(time.Since(start), res.Size, nil)
	log.Info("document issued",
		"identity", res.Identity,
		"session", res.Session,
		"issuance", res.IssuanceID,
		"method", res.Method,
		"source", res.Source,
	)
	return res, nil
}

// discard drops the side record of an embedded document that is not
// being issued.
func (s *Service) discard(m watermark.Method, out []byte) {
	d, ok := m.(watermark.Discarder)
	if !ok {
		return
	}
	if err := d.Discard(out); err != nil {
		s.log.Warn("failed to discard secret record", "method", m.Name(), "error", err)
	}
}

func filenameOf(r *Result) string {
	if r == nil {
		return ""
	}
	return r.Filename
}

// sessionOf recovers the session id and identity a Finish refers to.
func (s *Service) sessionOf(msg []byte) (identity, sessionID string) {
	fin, err := handshake.ParseFinish(msg)
	if err != nil {
		return "", ""
	}
	info, ok := s.hs.Session(fin.Session)
	if !ok {
		return "", fin.Session
	}
	return info.Identity, info.ID
}

func (s *Service) issue(hr *handshake.Result, methodName, key, domain string) (*Result, error) {
	m, err := s.registry.Resolve(methodName)
	if err != nil {
		return nil, err
	}

	source, doc, err := s.Source(hr.Identity)
	if err != nil {
		return nil, err
	}
	if !m.IsApplicable(doc) {
		return nil, fmt.Errorf("%w: %s cannot watermark %s", watermark.ErrNotApplicable, m.Name(), source)
	}

	out, err := m.Embed(doc, Payload(m, hr.Secret, domain), key, watermark.EmbedOptions{})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	filename := hr.Secret + ".pdf"
	path := filepath.Join(s.storage, filename)
	if err := security.WriteFileAtomic(path, out, security.PermPublicFile); err != nil {
		s.discard(m, out)
		return nil, fmt.Errorf("write %s: %w", filename, err)
	}

	rec := &store.Issuance{
		Identity:     hr.Identity,
		SessionID:    hr.Session,
		Method:       m.Name(),
		Filename:     filename,
		Source:       source,
		SecretDigest: store.SecretDigest(hr.Secret),
	}
	if err := s.ledger.Insert(rec); err != nil {
		os.Remove(path)
		s.discard(m, out)
		return nil, fmt.Errorf("record issuance: %w", err)
	}

	return &Result{
		IssuanceID:    rec.ID,
		Session:       hr.Session,
		Identity:      hr.Identity,
		SessionSecret: hr.Secret,
		Filename:      filename,
		Path:          path,
		Source:        source,
		Method:        m.Name(),
		Size:          len(out),
		Sealed:        hr.Sealed,
	}, nil
}

// Source returns the asset issued to identity and its name: the
// identity's own <identity>.pdf, else base.pdf. When neither exists a blank
// placeholder is written to base.pdf first.
func (s *Service) Source(identity string) (string, []byte, error) {
	if err := security.ValidateName(identity); err != nil {
		return "", nil, fmt.Errorf("identity: %w", err)
	}

	name := identity + ".pdf"
	doc, err := readAsset(filepath.Join(s.assets, name))
	if err == nil {
		return name, doc, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", nil, err
	}

	s.baseMu.Lock()
	defer s.baseMu.Unlock()

	basePath := filepath.Join(s.assets, BaseAsset)
	doc, err = readAsset(basePath)
	if err == nil {
		return BaseAsset, doc, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", nil, err
	}

	doc, err = pdfdoc.Blank()
	if err != nil {
		return "", nil, fmt.Errorf("create placeholder: %w", err)
	}
	if err := security.WriteFileAtomic(basePath, doc, security.PermPublicFile); err != nil {
		return "", nil, fmt.Errorf("write placeholder: %w", err)
	}
	s.log.Info("created placeholder base document", "path", basePath)
	return BaseAsset, doc, nil
}

func readAsset(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("asset %s is not a regular file", path)
	}
	if info.Size() > maxAssetSize {
		return nil, fmt.Errorf("%w: %s", security.ErrFileTooLarge, path)
	}
	return os.ReadFile(path)
}

// emailShaped reports whether m only accepts email-shaped secrets.
func emailShaped(m watermark.Method) bool {
	_, ok := m.(*watermark.EmailInProducer)
	return ok
}

// Payload returns the string embedded for secret by m: email-shaped
// methods get session-<secret>@<domain>, others the bare secret.
func Payload(m watermark.Method, secret, domain string) string {
	if emailShaped(m) {
		return payloadPrefix + secret + "@" + domain
	}
	return secret
}

// SecretFromPayload reverses Payload for any domain.
func SecretFromPayload(payload string) string {
	local, _, ok := strings.Cut(payload, "@")
	if !ok {
		return payload
	}
	return strings.TrimPrefix(local, payloadPrefix)
}

// Trace extracts the secret from doc with the configured method and
// resolves the issuance it belongs to.
func (s *Service) Trace(ctx context.Context, doc []byte) (*TraceResult, error) {
	return s.TraceWith(ctx, "", doc)
}

// TraceWith is like Trace but uses the named method; "" selects the
// configured one.
func (s *Service) TraceWith(ctx context.Context, methodName string, doc []byte) (*TraceResult, error) {
	configured, key, _ := s.settings()
	if methodName == "" {
		methodName = configured
	}

	res, err := s.trace(methodName, key, doc)
	s.metrics.RecordTrace(err)
	var identity, issuanceID string
	if res != nil {
		identity, issuanceID = res.Issuance.Identity, res.Issuance.ID
	}
	s.audit.LogExtraction(ctx, methodName, issuanceID, err)
	s.audit.LogTrace(ctx, identity, issuanceID, err)

	log := s.log.WithContext(ctx)
	if err != nil {
		log.Warn("trace failed", "method", methodName, "error", err)
		return nil, err
	}
	log.Info("document traced", "identity", identity, "issuance", issuanceID, "method", methodName)
	return res, nil
}

func (s *Service) trace(methodName, key string, doc []byte) (*TraceResult, error) {
	m, err := s.registry.Resolve(methodName)
	if err != nil {
		return nil, err
	}
	payload, err := m.Extract(doc, key)
	if err != nil {
		return nil, err
	}

	secret := SecretFromPayload(payload)
	if err := security.ValidateHexString(secret, 64); err != nil {
		return nil, fmt.Errorf("%w: extracted value is not a session secret", ErrNotIssued)
	}

	rec, err := s.ledger.GetBySecretDigest(store.SecretDigest(secret))
	if err != nil {
		return nil, fmt.Errorf("ledger lookup: %w", err)
	}
	if rec == nil {
		return nil, ErrNotIssued
	}

	tr, err := s.ledger.RecordTrace(rec.ID, m.Name())
	if err != nil {
		return nil, fmt.Errorf("record trace: %w", err)
	}
	return &TraceResult{Issuance: rec, TraceID: tr.ID, Method: m.Name()}, nil
}

// History lists the documents issued to identity, oldest first.
func (s *Service) History(identity string) ([]store.Issuance, error) {
	return s.ledger.ListByIdentity(identity)
}

// Stats returns ledger statistics.
func (s *Service) Stats() (*store.Stats, error) {
	return s.ledger.GetStats()
}

// VerifyLedger checks the ledger's hash chain and integrity head.
func (s *Service) VerifyLedger() error {
	return s.ledger.Verify()
}
