package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"watermarkd/internal/security"
	"watermarkd/internal/watermark"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
	Warning bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	return e.Warning
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Unwrap() error {
	return ErrInvalidConfig
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// Check returns every issue found in c, warnings included.
func Check(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validatePaths(&c.Paths)...)
	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateWatermark(&c.Watermark)...)
	errs = append(errs, validateLimits(&c.Limits)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	return errs
}

// ValidateConfig returns the error-level issues of c, or nil. Warnings do
// not fail validation.
func ValidateConfig(c *Config) error {
	if errs := Check(c).Errors(); len(errs) > 0 {
		return errs
	}
	return nil
}

func validatePaths(p *PathsConfig) ValidationErrors {
	var errs ValidationErrors

	required := []struct{ field, value string }{
		{"paths.assets", p.Assets},
		{"paths.storage", p.Storage},
		{"paths.secrets", p.Secrets},
		{"paths.identities", p.Identities},
		{"paths.ledger", p.Ledger},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, *RequiredFieldError(r.field))
		}
	}

	if p.Secrets != "" && p.Storage != "" && sameDir(p.Secrets, p.Storage) {
		errs = append(errs, ValidationError{
			Field:   "paths.secrets",
			Message: "secret store must not share a directory with issued documents",
		})
	}
	return errs
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if s.KeyPath == "" {
		errs = append(errs, *RequiredFieldError("server.key_path"))
	} else if _, err := os.Stat(expandPath(s.KeyPath)); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.key_path",
			Message: "server key not found; generate one with `watermarkctl keygen`",
			Warning: true,
		})
	}

	if s.SessionTTLSec < 1 || s.SessionTTLSec > 3600 {
		errs = append(errs, *RangeError("server.session_ttl_sec", 1, 3600))
	}
	if s.MaxSkewSec < 1 || s.MaxSkewSec > 3600 {
		errs = append(errs, *RangeError("server.max_skew_sec", 1, 3600))
	}
	return errs
}

func validateWatermark(w *WatermarkConfig) ValidationErrors {
	var errs ValidationErrors

	names := map[string]bool{
		string(watermark.KindEmailInProducer): true,
		string(watermark.KindHashEOF):         true,
	}
	for i, m := range w.Methods {
		field := fmt.Sprintf("watermark.methods[%d]", i)
		if err := security.ValidateName(m.Name); err != nil {
			errs = append(errs, ValidationError{Field: field + ".name", Message: err.Error()})
			continue
		}
		switch watermark.Kind(m.Kind) {
		case watermark.KindEmailInProducer, watermark.KindHashEOF:
		default:
			errs = append(errs, ValidationError{
				Field:   field + ".kind",
				Message: fmt.Sprintf("unknown kind %q (valid: %s, %s)", m.Kind, watermark.KindEmailInProducer, watermark.KindHashEOF),
			})
		}
		if names[m.Name] {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: fmt.Sprintf("duplicate method name %q", m.Name),
			})
		}
		names[m.Name] = true
	}

	if w.Method == "" {
		errs = append(errs, *RequiredFieldError("watermark.method"))
	} else if !names[w.Method] {
		errs = append(errs, ValidationError{
			Field:   "watermark.method",
			Message: fmt.Sprintf("method %q is neither built in nor declared in watermark.methods", w.Method),
		})
	}

	if w.KeyFile == "" {
		errs = append(errs, *RequiredFieldError("watermark.key_file"))
	}

	if !watermark.IsEmail("session@" + w.EmailDomain) {
		errs = append(errs, ValidationError{
			Field:   "watermark.email_domain",
			Message: fmt.Sprintf("invalid email domain %q", w.EmailDomain),
		})
	}
	return errs
}

func validateLimits(l *LimitsConfig) ValidationErrors {
	var errs ValidationErrors

	if l.InitiateRate <= 0 {
		errs = append(errs, ValidationError{
			Field:   "limits.initiate_rate",
			Message: "rate must be positive",
		})
	}
	if l.InitiateBurst < 1 {
		errs = append(errs, ValidationError{
			Field:   "limits.initiate_burst",
			Message: "burst must be at least 1",
		})
	}
	if l.MaxFailures < 1 {
		errs = append(errs, ValidationError{
			Field:   "limits.max_failures",
			Message: "max failures must be at least 1",
		})
	}
	if l.LockoutSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "limits.lockout_sec",
			Message: "lockout cannot be negative",
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file' or 'both'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.AuditPath == "" {
		errs = append(errs, ValidationError{
			Field:   "logging.audit_path",
			Message: "audit logging is disabled",
			Warning: true,
		})
	}
	return errs
}

var permissionsPattern = regexp.MustCompile(`^0[0-7]{3}$`)

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}

	if i.Permissions != "" && !permissionsPattern.MatchString(i.Permissions) {
		errs = append(errs, ValidationError{
			Field:   "ipc.permissions",
			Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
		})
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	return errs
}

// Helper functions

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func sameDir(a, b string) bool {
	return filepath.Clean(expandPath(a)) == filepath.Clean(expandPath(b))
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
