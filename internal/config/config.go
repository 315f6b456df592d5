// Package config handles configuration loading, validation, and management for watermarkd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"watermarkd/internal/logging"
	"watermarkd/internal/watermark"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Paths locates documents, records and keys on disk.
	Paths PathsConfig `toml:"paths" json:"paths" yaml:"paths"`

	// Server configures the handshake endpoint.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Watermark selects and keys the watermarking method.
	Watermark WatermarkConfig `toml:"watermark" json:"watermark" yaml:"watermark"`

	// Limits throttles handshakes.
	Limits LimitsConfig `toml:"limits" json:"limits" yaml:"limits"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// IPC configuration for inter-process communication.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`
}

// PathsConfig holds filesystem locations.
type PathsConfig struct {
	// Assets holds source documents: <identity>.pdf and base.pdf.
	Assets string `toml:"assets" json:"assets" yaml:"assets"`

	// Storage receives issued documents named <secret>.pdf.
	Storage string `toml:"storage" json:"storage" yaml:"storage"`

	// Secrets is the secret store root used by commitment methods.
	Secrets string `toml:"secrets" json:"secrets" yaml:"secrets"`

	// Identities holds enrolled client public keys (<identity>.pub).
	Identities string `toml:"identities" json:"identities" yaml:"identities"`

	// Ledger is the SQLite issuance ledger.
	Ledger string `toml:"ledger" json:"ledger" yaml:"ledger"`
}

// ServerConfig holds handshake server configuration.
type ServerConfig struct {
	// KeyPath is the server's OpenSSH Ed25519 private key.
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`

	// PassphraseFile, if set, holds the passphrase protecting KeyPath.
	PassphraseFile string `toml:"passphrase_file" json:"passphrase_file" yaml:"passphrase_file"`

	// SessionTTLSec bounds the time between the two handshake messages.
	SessionTTLSec int `toml:"session_ttl_sec" json:"session_ttl_sec" yaml:"session_ttl_sec"`

	// MaxSkewSec is the accepted clock difference for client timestamps.
	MaxSkewSec int `toml:"max_skew_sec" json:"max_skew_sec" yaml:"max_skew_sec"`
}

// MethodConfig declares an additional named method instance.
type MethodConfig struct {
	Name    string `toml:"name" json:"name" yaml:"name"`
	Kind    string `toml:"kind" json:"kind" yaml:"kind"`
	Context string `toml:"context" json:"context" yaml:"context"`
}

// WatermarkConfig holds watermarking configuration.
type WatermarkConfig struct {
	// Method is the registry name used for issuance and tracing.
	Method string `toml:"method" json:"method" yaml:"method"`

	// KeyFile holds the server watermark key. It must be mode 0600.
	KeyFile string `toml:"key_file" json:"key_file" yaml:"key_file"`

	// EmailDomain wraps session secrets for email-shaped methods.
	EmailDomain string `toml:"email_domain" json:"email_domain" yaml:"email_domain"`

	// Methods registers extra named instances of compiled-in kinds.
	Methods []MethodConfig `toml:"methods" json:"methods" yaml:"methods"`
}

// LimitsConfig holds handshake throttling configuration.
type LimitsConfig struct {
	// InitiateRate is the sustained per-identity handshake rate per second.
	InitiateRate float64 `toml:"initiate_rate" json:"initiate_rate" yaml:"initiate_rate"`

	// InitiateBurst is the per-identity burst size.
	InitiateBurst int `toml:"initiate_burst" json:"initiate_burst" yaml:"initiate_burst"`

	// MaxFailures before an identity is locked out.
	MaxFailures int `toml:"max_failures" json:"max_failures" yaml:"max_failures"`

	// LockoutSec is how long a lockout lasts.
	LockoutSec int `toml:"lockout_sec" json:"lockout_sec" yaml:"lockout_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file" or "both").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the JSON-lines audit log. Empty disables auditing.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`

	// CrashDir receives crash reports.
	CrashDir string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// IPCConfig holds inter-process communication configuration.
type IPCConfig struct {
	// Enabled determines whether IPC server is enabled.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the Unix socket permissions (e.g., "0600").
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum concurrent connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the connection timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Paths: PathsConfig{
			Assets:     filepath.Join(dir, "assets"),
			Storage:    filepath.Join(dir, "storage"),
			Secrets:    filepath.Join(dir, "secrets"),
			Identities: filepath.Join(dir, "identities"),
			Ledger:     filepath.Join(dir, "ledger.db"),
		},
		Server: ServerConfig{
			KeyPath:       filepath.Join(dir, "server_key"),
			SessionTTLSec: 120,
			MaxSkewSec:    300,
		},
		Watermark: WatermarkConfig{
			Method:      "email-in-producer",
			KeyFile:     filepath.Join(dir, "watermark.key"),
			EmailDomain: "watermarkd.invalid",
		},
		Limits: LimitsConfig{
			InitiateRate:  0.5,
			InitiateBurst: 5,
			MaxFailures:   5,
			LockoutSec:    900,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "watermarkd.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			Compress:   true,
			AuditPath:  filepath.Join(PlatformLogDir(), "audit.log"),
			CrashDir:   filepath.Join(PlatformLogDir(), "crashes"),
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     defaultSocketPath(),
			Permissions:    "0600",
			MaxConnections: 16,
			TimeoutSec:     30,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the base watermarkd directory.
// Uses platform-specific paths or the WATERMARKD_DATA_DIR environment override.
func DataDir() string {
	if envDir := os.Getenv("WATERMARKD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// SessionTTL returns the handshake session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Server.SessionTTLSec) * time.Second
}

// MaxSkew returns the accepted client clock skew.
func (c *Config) MaxSkew() time.Duration {
	return time.Duration(c.Server.MaxSkewSec) * time.Second
}

// Lockout returns the failure lockout duration.
func (c *Config) Lockout() time.Duration {
	return time.Duration(c.Limits.LockoutSec) * time.Second
}

// IPCTimeout returns the per-connection IPC timeout.
func (c *Config) IPCTimeout() time.Duration {
	return time.Duration(c.IPC.TimeoutSec) * time.Second
}

// MethodSpecs returns the declared method instances as catalog specs.
func (w *WatermarkConfig) MethodSpecs() []watermark.Spec {
	specs := make([]watermark.Spec, 0, len(w.Methods))
	for _, m := range w.Methods {
		specs = append(specs, watermark.Spec{
			Name:    m.Name,
			Kind:    watermark.Kind(m.Kind),
			Context: m.Context,
		})
	}
	return specs
}

// LogConfig translates the logging section for the logging package.
func (c *Config) LogConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Logging.Output
	lc.FilePath = c.Logging.FilePath
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxBackups = c.Logging.MaxBackups
	lc.Compress = c.Logging.Compress
	return lc, nil
}

// SocketMode parses IPC.Permissions as an octal file mode.
func (c *Config) SocketMode() (os.FileMode, error) {
	m, err := strconv.ParseUint(c.IPC.Permissions, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("parse socket permissions %q: %w", c.IPC.Permissions, err)
	}
	return os.FileMode(m), nil
}

// EnsureDirectories creates all necessary directories for the daemon.
// Directories holding secrets are created with mode 0700.
func (c *Config) EnsureDirectories() error {
	dirs := []struct {
		path string
		perm os.FileMode
	}{
		{c.Paths.Assets, 0755},
		{c.Paths.Storage, 0755},
		{c.Paths.Identities, 0755},
		{c.Paths.Secrets, 0700},
		{filepath.Dir(c.Paths.Ledger), 0700},
		{filepath.Dir(c.Server.KeyPath), 0700},
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, struct {
			path string
			perm os.FileMode
		}{filepath.Dir(c.Logging.FilePath), 0750})
	}

	for _, d := range dirs {
		if d.path == "" || d.path == "." {
			continue
		}
		if err := os.MkdirAll(d.path, d.perm); err != nil {
			return fmt.Errorf("create directory %s: %w", d.path, err)
		}
	}

	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with WATERMARKD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	// Path overrides
	if v := os.Getenv("WATERMARKD_ASSETS_DIR"); v != "" {
		c.Paths.Assets = v
	}
	if v := os.Getenv("WATERMARKD_STORAGE_DIR"); v != "" {
		c.Paths.Storage = v
	}
	if v := os.Getenv("WATERMARKD_SECRETS_DIR"); v != "" {
		c.Paths.Secrets = v
	}
	if v := os.Getenv("WATERMARKD_IDENTITIES_DIR"); v != "" {
		c.Paths.Identities = v
	}
	if v := os.Getenv("WATERMARKD_LEDGER_PATH"); v != "" {
		c.Paths.Ledger = v
	}

	// Server overrides
	if v := os.Getenv("WATERMARKD_SERVER_KEY"); v != "" {
		c.Server.KeyPath = v
	}
	if v := os.Getenv("WATERMARKD_PASSPHRASE_FILE"); v != "" {
		c.Server.PassphraseFile = v
	}

	// Watermark overrides
	if v := os.Getenv("WATERMARKD_METHOD"); v != "" {
		c.Watermark.Method = v
	}
	if v := os.Getenv("WATERMARKD_WATERMARK_KEY_FILE"); v != "" {
		c.Watermark.KeyFile = v
	}
	if v := os.Getenv("WATERMARKD_EMAIL_DOMAIN"); v != "" {
		c.Watermark.EmailDomain = v
	}

	// Logging overrides
	if v := os.Getenv("WATERMARKD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("WATERMARKD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("WATERMARKD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// IPC overrides
	if v := os.Getenv("WATERMARKD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Watermark.Methods = append([]MethodConfig(nil), c.Watermark.Methods...)
	return &clone
}
