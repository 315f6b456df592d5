package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("round trip of %v failed: %v %v", level, parsed, err)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("json: %v %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("empty: %v %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func newBufferLogger(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = format
	cfg.Writer = &buf
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, &buf
}

func TestRedaction(t *testing.T) {
	l, buf := newBufferLogger(t, FormatJSON)

	l.Info("issued",
		"identity", "alice",
		"session_secret", "deadbeef",
		"watermark_key", "hunter2",
		"passphrase", "pw",
		"filename", "x.pdf",
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	for _, k := range []string{"session_secret", "watermark_key", "passphrase"} {
		if entry[k] != "[REDACTED]" {
			t.Errorf("%s not redacted: %v", k, entry[k])
		}
	}
	if entry["identity"] != "alice" || entry["filename"] != "x.pdf" {
		t.Errorf("non-sensitive fields altered: %v", entry)
	}
	if entry["component"] != "watermarkd" {
		t.Errorf("missing component: %v", entry)
	}
}

func TestSetLevelAffectsDerivedLoggers(t *testing.T) {
	l, buf := newBufferLogger(t, FormatText)
	child := l.WithComponent("ipc")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug written at info level: %q", buf.String())
	}

	l.SetLevel(LevelDebug)
	child.Debug("visible")
	if !strings.Contains(buf.String(), "visible") || !strings.Contains(buf.String(), "component=ipc") {
		t.Errorf("expected derived logger output, got %q", buf.String())
	}
	if l.GetLevel() != LevelDebug {
		t.Errorf("GetLevel = %v", l.GetLevel())
	}
}

func TestRequestIDContext(t *testing.T) {
	l, buf := newBufferLogger(t, FormatText)

	id := l.NewRequestID()
	if id == l.NewRequestID() {
		t.Error("request IDs should be unique")
	}

	ctx := ContextWithRequestID(context.Background(), "req-1")
	if RequestIDFromContext(ctx) != "req-1" {
		t.Error("request ID not stored in context")
	}
	if RequestIDFromContext(context.Background()) != "" {
		t.Error("empty context should yield empty request ID")
	}

	l.WithContext(ctx).Info("hello")
	if !strings.Contains(buf.String(), "request_id=req-1") {
		t.Errorf("missing request id: %q", buf.String())
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "watermarkd.log")
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = path

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("to file")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file missing entry: %q", data)
	}
}

func TestFileRotator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	r, err := NewFileRotator(path, 0, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	// Force a tiny limit so every write after the first rotates.
	r.maxBytes = 10

	for i := 0; i < 5; i++ {
		if _, err := r.Write([]byte("0123456789\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	backups, err := r.Backups()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 2 {
		t.Errorf("expected 2 backups kept, got %d: %v", len(backups), backups)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("current log missing: %v", err)
	}
}

func TestAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditWriter(&buf, "watermarkd")
	ctx := ContextWithRequestID(context.Background(), "req-9")

	if err := a.LogHandshake(ctx, "initiate", "alice", "s1", nil); err != nil {
		t.Fatal(err)
	}
	if err := a.LogIssuance(ctx, "alice", "s1", "abc.pdf", "hash-eof", nil); err != nil {
		t.Fatal(err)
	}
	if err := a.LogExtraction(ctx, "hash-eof", "leak.pdf", errors.New("invalid key")); err != nil {
		t.Fatal(err)
	}
	if err := a.LogMethodRegistered(ctx, "hash-eof", "hash-eof"); err != nil {
		t.Fatal(err)
	}

	var events []AuditEvent
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var e AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad audit line %q: %v", sc.Text(), err)
		}
		events = append(events, e)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}

	if events[0].EventType != AuditEventHandshake || events[0].Action != "initiate" || events[0].RequestID != "req-9" {
		t.Errorf("unexpected handshake event %+v", events[0])
	}
	if events[1].Resource != "abc.pdf" || events[1].Details["method"] != "hash-eof" {
		t.Errorf("unexpected issuance event %+v", events[1])
	}
	if events[2].Result != ResultFailure || events[2].Error != "invalid key" {
		t.Errorf("unexpected extraction event %+v", events[2])
	}
	if events[3].Component != "watermarkd" || events[3].Timestamp.IsZero() {
		t.Errorf("defaults not filled: %+v", events[3])
	}
}

func TestNilAuditLoggerDiscards(t *testing.T) {
	var a *AuditLogger
	if err := a.LogShutdown(context.Background(), "test"); err != nil {
		t.Errorf("nil audit logger should discard: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Error(err)
	}
}

func TestCrashHandler(t *testing.T) {
	dir := t.TempDir()
	var got []CrashReport
	h := NewCrashHandler(dir, "1.0.0", "test", func(r CrashReport) { got = append(got, r) })
	h.stderr = &bytes.Buffer{}

	h.Recover(map[string]any{"op": "embed"}, func() {
		panic("boom")
	})

	if len(got) != 1 || got[0].PanicValue != "boom" {
		t.Fatalf("onCrash not called correctly: %+v", got)
	}

	reports, err := h.Reports()
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report on disk, got %d", len(reports))
	}
	if reports[0].Version != "1.0.0" || reports[0].Context["op"] != "embed" || reports[0].StackTrace == "" {
		t.Errorf("unexpected report %+v", reports[0])
	}

	if err := h.Cleanup(-time.Second); err != nil {
		t.Fatal(err)
	}
	reports, _ = h.Reports()
	if len(reports) != 0 {
		t.Errorf("cleanup left %d reports", len(reports))
	}
}

func TestRecoverGoroutine(t *testing.T) {
	h := NewCrashHandler(t.TempDir(), "", "test", nil)
	h.stderr = &bytes.Buffer{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer h.RecoverGoroutine("worker")
		panic("worker failed")
	}()
	<-done

	reports, err := h.Reports()
	if err != nil || len(reports) != 1 {
		t.Fatalf("expected one report: %v %d", err, len(reports))
	}
	if reports[0].Context["goroutine"] != "worker" {
		t.Errorf("unexpected context %v", reports[0].Context)
	}
}

func TestAuditLoggerDefaultPath(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())

	a, err := NewAuditLogger("", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.LogError(context.Background(), "config reload", errors.New("bad toml")); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(DefaultAuditLogPath())
	if err != nil {
		t.Fatal(err)
	}
	var e AuditEvent
	if err := json.Unmarshal(bytes.TrimSpace(data), &e); err != nil {
		t.Fatal(err)
	}
	if e.EventType != AuditEventError || e.Action != "config reload" || e.Error != "bad toml" {
		t.Errorf("unexpected error event %+v", e)
	}
}
