package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"watermarkd/internal/config"
	"watermarkd/internal/handshake"
	"watermarkd/internal/health"
	"watermarkd/internal/identity"
	"watermarkd/internal/ipc"
	"watermarkd/internal/issuance"
	"watermarkd/internal/logging"
	"watermarkd/internal/metrics"
	"watermarkd/internal/secretstore"
	"watermarkd/internal/security"
	"watermarkd/internal/store"
	"watermarkd/internal/watermark"
)

const (
	maxKeyFileSize = 4096
	pruneInterval  = time.Minute
	// limiterRetention is how long an idle per-identity bucket is kept.
	limiterRetention = 15 * time.Minute
	// minFreeDisk is the free space below which storage reports degraded.
	minFreeDisk = 64 << 20
)

// ledgerKeyInfo separates the ledger HMAC key from other uses of the
// watermark key.
var ledgerKeyInfo = []byte("watermarkd/ledger")

// daemon owns every long-lived component of the server process.
type daemon struct {
	loader *config.Loader
	cfg    *config.Config

	log   *logging.Logger
	audit *logging.AuditLogger
	crash *logging.CrashHandler

	ledger    *store.Store
	handshake *handshake.Server
	service   *issuance.Service
	health    *health.Checker
	server    *ipc.Server

	closers []func() error
}

func newDaemon(configPath string) (*daemon, error) {
	if configPath == "" {
		configPath = config.FindConfigFile()
	}
	if configPath == "" {
		configPath = config.ConfigPath()
	}
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		loader.Close()
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}

	d := &daemon{loader: loader, cfg: cfg}
	if err := d.setup(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) setup() error {
	cfg := d.cfg
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	lc, err := cfg.LogConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(lc)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	logging.SetDefault(logger)
	d.log = logger
	d.closers = append(d.closers, logger.Close)

	for _, w := range config.Check(cfg).Warnings() {
		d.log.Warn("configuration warning", "field", w.Field, "message", w.Message)
	}

	d.crash = logging.NewCrashHandler(cfg.Logging.CrashDir, Version, "watermarkd", func(r logging.CrashReport) {
		d.log.Error("recovered panic", "panic", r.PanicValue, "context", r.Context)
	})

	if cfg.Logging.AuditPath != "" {
		audit, err := logging.NewAuditLogger(cfg.Logging.AuditPath, int64(cfg.Logging.MaxSizeMB), cfg.Logging.MaxBackups)
		if err != nil {
			return err
		}
		d.audit = audit
		d.closers = append(d.closers, audit.Close)
	}

	serverKey, err := loadServerKey(cfg.Server.KeyPath, cfg.Server.PassphraseFile)
	if err != nil {
		return err
	}
	wmKey, err := loadWatermarkKey(cfg.Watermark.KeyFile)
	if err != nil {
		return err
	}
	defer security.Wipe(wmKey)
	key := bytes.TrimSpace(wmKey)

	ids, err := identity.OpenDirectory(cfg.Paths.Identities)
	if err != nil {
		return fmt.Errorf("open identity directory: %w", err)
	}
	secrets, err := secretstore.Open(cfg.Paths.Secrets)
	if err != nil {
		return fmt.Errorf("open secret store: %w", err)
	}
	registry, err := d.buildRegistry(secrets)
	if err != nil {
		return err
	}

	ledgerKeys, err := security.DeriveKeys(key, nil, ledgerKeyInfo, 32)
	if err != nil {
		return fmt.Errorf("derive ledger key: %w", err)
	}
	d.ledger, err = store.Open(cfg.Paths.Ledger, ledgerKeys[0])
	security.Wipe(ledgerKeys[0])
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	d.closers = append(d.closers, d.ledger.Close)
	if err := d.ledger.Verify(); err != nil {
		return fmt.Errorf("ledger integrity: %w", err)
	}

	d.handshake, err = handshake.NewServer(handshake.ServerConfig{
		PrivateKey: serverKey,
		Identities: ids,
		SessionTTL: cfg.SessionTTL(),
		MaxSkew:    cfg.MaxSkew(),
		Limiter:    security.NewKeyedRateLimiter(cfg.Limits.InitiateRate, cfg.Limits.InitiateBurst, limiterRetention),
	})
	if err != nil {
		return err
	}

	d.service, err = issuance.New(issuance.Config{
		Handshake:   d.handshake,
		Registry:    registry,
		Ledger:      d.ledger,
		Method:      cfg.Watermark.Method,
		Key:         string(key),
		EmailDomain: cfg.Watermark.EmailDomain,
		AssetsDir:   cfg.Paths.Assets,
		StorageDir:  cfg.Paths.Storage,
		Failures:    security.NewFailureLimiter(cfg.Limits.MaxFailures, cfg.Lockout(), cfg.Lockout()),
		Audit:       d.audit,
		Logger:      d.log,
		Metrics:     metrics.New(metrics.NewRegistry("watermarkd")),
	})
	if err != nil {
		return err
	}

	if !cfg.IPC.Enabled {
		return errors.New("ipc is disabled; the daemon has no other interface")
	}
	mode, err := cfg.SocketMode()
	if err != nil {
		return err
	}
	d.health = d.newHealthChecker()
	handler := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Service: d.service,
		Version: Version,
		Health:  d.health,
	})
	d.server, err = ipc.NewServer(ipc.ServerConfig{
		SocketPath:     cfg.IPC.SocketPath,
		Permissions:    mode,
		MaxConnections: cfg.IPC.MaxConnections,
		Timeout:        cfg.IPCTimeout(),
		SameUserOnly:   mode&0077 == 0,
		Logger:         d.log,
		Crash:          d.crash,
	}, handler)
	if err != nil {
		return err
	}
	handler.AttachServer(d.server)

	d.loader.OnChange(d.applyConfig)
	return nil
}

// newHealthChecker checks the ledger chain and the data directories the
// service reads and writes.
func (d *daemon) newHealthChecker() *health.Checker {
	paths := d.cfg.Paths
	c := health.NewChecker()
	c.RegisterFunc("ledger", true, health.CustomCheck(d.service.VerifyLedger))
	c.RegisterFunc("storage", true, health.DirCheck(paths.Storage, true))
	c.RegisterFunc("secrets", true, health.DirCheck(paths.Secrets, true))
	c.RegisterFunc("assets", false, health.DirCheck(paths.Assets, false))
	c.RegisterFunc("identities", false, health.DirCheck(paths.Identities, false))
	c.RegisterFunc("disk", false, health.DiskSpaceCheck(paths.Storage, minFreeDisk))
	return c
}

// buildRegistry registers the built-in methods and the configured
// instances.
func (d *daemon) buildRegistry(secrets *secretstore.Store) (*watermark.Registry, error) {
	ctx := context.Background()
	catalog := watermark.NewCatalog(secrets)
	registry, err := catalog.NewDefaultRegistry()
	if err != nil {
		return nil, err
	}
	for _, kind := range catalog.Kinds() {
		d.audit.LogMethodRegistered(ctx, string(kind), string(kind))
	}
	for _, spec := range d.cfg.Watermark.MethodSpecs() {
		if _, err := catalog.Load(registry, spec, false); err != nil {
			return nil, fmt.Errorf("register method %q: %w", spec.Name, err)
		}
		d.audit.LogMethodRegistered(ctx, spec.Name, string(spec.Kind))
		d.log.Info("registered method", "name", spec.Name, "kind", spec.Kind)
	}
	return registry, nil
}

func loadServerKey(path, passphraseFile string) ([]byte, error) {
	if passphraseFile == "" {
		priv, err := identity.LoadPrivateKey(path, nil)
		if err != nil {
			return nil, fmt.Errorf("load server key %s: %w", path, err)
		}
		return priv, nil
	}

	data, err := security.ReadSecretFile(passphraseFile, maxKeyFileSize)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	var priv []byte
	err = security.GuardedExec(data, func(p []byte) error {
		var err error
		priv, err = identity.LoadPrivateKey(path, bytes.TrimRight(p, "\r\n"))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load server key %s: %w", path, err)
	}
	return priv, nil
}

func loadWatermarkKey(path string) ([]byte, error) {
	data, err := security.ReadSecretFile(path, maxKeyFileSize)
	if err != nil {
		return nil, fmt.Errorf("read watermark key %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("watermark key %s: %w", path, watermark.ErrInvalidKey)
	}
	return data, nil
}

// Start begins serving and watching the configuration file.
func (d *daemon) Start() error {
	if err := d.server.Start(); err != nil {
		return err
	}
	if err := d.loader.Watch(); err != nil {
		d.log.Warn("configuration hot reload unavailable", "error", err)
	}
	d.health.SetReady(true)

	d.audit.LogStartup(context.Background(), Version, map[string]any{
		"method": d.service.Method(),
		"socket": d.server.SocketPath(),
	})
	d.log.Info("watermarkd started",
		"version", Version,
		"config", d.loader.Path(),
		"method", d.service.Method(),
		"socket", d.server.SocketPath(),
	)
	return nil
}

// Wait blocks until ctx is cancelled, pruning expired handshake sessions
// and reporting configuration reload errors meanwhile.
func (d *daemon) Wait(ctx context.Context) error {
	defer d.crash.RecoverGoroutine("main")

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("shutting down")
			d.audit.LogShutdown(context.Background(), "signal")
			return nil
		case <-ticker.C:
			if n := d.handshake.Prune(); n > 0 {
				d.log.Debug("pruned handshake sessions", "count", n)
			}
		case err := <-d.loader.Errors():
			d.log.Warn("configuration reload failed; keeping current settings", "error", err)
			d.audit.LogError(ctx, "config reload", err)
		}
	}
}

// applyConfig applies the settings that can change without a restart.
func (d *daemon) applyConfig(old, cfg *config.Config) {
	ctx := context.Background()

	if cfg.Logging.Level != old.Logging.Level {
		if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
			d.log.SetLevel(level)
			d.audit.LogConfigChange(ctx, "logging.level", old.Logging.Level, cfg.Logging.Level)
			d.log.Info("log level changed", "level", cfg.Logging.Level)
		}
	}

	if cfg.Watermark.Method != old.Watermark.Method {
		if err := d.service.SetMethod(cfg.Watermark.Method); err != nil {
			d.log.Warn("method change ignored; new method instances need a restart",
				"method", cfg.Watermark.Method, "error", err)
		} else {
			d.audit.LogConfigChange(ctx, "watermark.method", old.Watermark.Method, cfg.Watermark.Method)
			d.log.Info("issuance method changed", "method", cfg.Watermark.Method)
		}
	}

	if cfg.Watermark.EmailDomain != old.Watermark.EmailDomain {
		if err := d.service.SetEmailDomain(cfg.Watermark.EmailDomain); err != nil {
			d.log.Warn("email domain change ignored", "error", err)
		} else {
			d.audit.LogConfigChange(ctx, "watermark.email_domain", old.Watermark.EmailDomain, cfg.Watermark.EmailDomain)
		}
	}

	if restartRequired(old, cfg) {
		d.log.Warn("configuration changed in sections that take effect after a restart")
	}
}

func restartRequired(old, cfg *config.Config) bool {
	return old.Paths != cfg.Paths ||
		old.Server != cfg.Server ||
		old.Limits != cfg.Limits ||
		old.IPC != cfg.IPC ||
		old.Watermark.KeyFile != cfg.Watermark.KeyFile ||
		len(old.Watermark.Methods) != len(cfg.Watermark.Methods)
}

// SocketPath returns the IPC socket path.
func (d *daemon) SocketPath() string {
	return d.server.SocketPath()
}

// Close stops serving and releases resources in reverse order of
// acquisition.
func (d *daemon) Close() error {
	if d.server != nil {
		d.server.Stop()
	}
	d.loader.Close()
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
