package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventHandshake        AuditEventType = "handshake"
	AuditEventIssuance         AuditEventType = "issuance"
	AuditEventExtraction       AuditEventType = "extraction"
	AuditEventTrace            AuditEventType = "trace"
	AuditEventMethodRegistered AuditEventType = "method_registered"
	AuditEventConfigChange     AuditEventType = "config_change"
	AuditEventKeyGenerated     AuditEventType = "key_generated"
	AuditEventError            AuditEventType = "error"
	AuditEventStartup          AuditEventType = "startup"
	AuditEventShutdown         AuditEventType = "shutdown"
)

// Audit results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	Identity  string         `json:"identity,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// DefaultAuditLogPath returns $XDG_STATE_HOME/watermarkd/audit.log.
func DefaultAuditLogPath() string {
	return filepath.Join(stateDir(), "audit.log")
}

// AuditLogger writes audit events as JSON lines. A nil *AuditLogger
// discards events.
type AuditLogger struct {
	mu        sync.Mutex
	w         io.Writer
	rotator   *FileRotator
	component string
	now       func() time.Time
}

// NewAuditLogger opens a rotating audit log at path, or at
// DefaultAuditLogPath when path is empty.
func NewAuditLogger(path string, maxSizeMB int64, maxBackups int) (*AuditLogger, error) {
	if path == "" {
		path = DefaultAuditLogPath()
	}
	rotator, err := NewFileRotator(path, maxSizeMB, maxBackups, true)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	a := NewAuditWriter(rotator, "watermarkd")
	a.rotator = rotator
	return a, nil
}

// NewAuditWriter writes audit events to w.
func NewAuditWriter(w io.Writer, component string) *AuditLogger {
	return &AuditLogger{w: w, component: component, now: time.Now}
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

func result(err error) (string, string) {
	if err != nil {
		return ResultFailure, err.Error()
	}
	return ResultSuccess, ""
}

// LogHandshake records the outcome of one handshake message.
func (a *AuditLogger) LogHandshake(ctx context.Context, phase, identity, sessionID string, err error) error {
	res, msg := result(err)
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventHandshake,
		Action:    phase,
		Identity:  identity,
		SessionID: sessionID,
		Result:    res,
		Error:     msg,
	})
}

// LogIssuance records a watermarked document handed to identity.
func (a *AuditLogger) LogIssuance(ctx context.Context, identity, sessionID, filename, method string, err error) error {
	res, msg := result(err)
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventIssuance,
		Action:    "document_issued",
		Identity:  identity,
		SessionID: sessionID,
		Resource:  filename,
		Result:    res,
		Error:     msg,
		Details:   map[string]any{"method": method},
	})
}

// LogExtraction records an extraction attempt.
func (a *AuditLogger) LogExtraction(ctx context.Context, method, resource string, err error) error {
	res, msg := result(err)
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventExtraction,
		Action:    "watermark_extracted",
		Resource:  resource,
		Result:    res,
		Error:     msg,
		Details:   map[string]any{"method": method},
	})
}

// LogTrace records a leaked document resolved to a recipient.
func (a *AuditLogger) LogTrace(ctx context.Context, identity, issuanceID string, err error) error {
	res, msg := result(err)
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventTrace,
		Action:    "document_traced",
		Identity:  identity,
		Resource:  issuanceID,
		Result:    res,
		Error:     msg,
	})
}

// LogMethodRegistered records a watermark method added to the registry.
func (a *AuditLogger) LogMethodRegistered(ctx context.Context, name, kind string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventMethodRegistered,
		Action:    "method_registered",
		Resource:  name,
		Result:    ResultSuccess,
		Details:   map[string]any{"kind": kind},
	})
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Result:    ResultSuccess,
		Details:   map[string]any{"old_value": oldValue, "new_value": newValue},
	})
}

// LogKeyGenerated logs a key generation event.
func (a *AuditLogger) LogKeyGenerated(ctx context.Context, identity, fingerprint string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventKeyGenerated,
		Action:    "key_generated",
		Identity:  identity,
		Resource:  fingerprint,
		Result:    ResultSuccess,
	})
}

// LogError logs a failed operation.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    ResultFailure,
		Error:     err.Error(),
	})
}

// LogStartup logs a daemon startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    ResultSuccess,
		Details:   details,
	})
}

// LogShutdown logs a daemon shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    ResultSuccess,
		Details:   map[string]any{"reason": reason},
	})
}

// Close closes the underlying file, if any.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}
