package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watermarkd/internal/config"
	"watermarkd/internal/explorer"
	"watermarkd/internal/identity"
	"watermarkd/internal/ipc"
	"watermarkd/internal/pdfdoc"
	"watermarkd/internal/watermark"
)

type harness struct {
	dir        string
	configPath string
	cfg        *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	sockDir, err := os.MkdirTemp("", "wmkc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })

	cfg := config.DefaultConfig()
	cfg.Paths = config.PathsConfig{
		Assets:     filepath.Join(dir, "assets"),
		Storage:    filepath.Join(dir, "storage"),
		Secrets:    filepath.Join(dir, "secrets"),
		Identities: filepath.Join(dir, "identities"),
		Ledger:     filepath.Join(dir, "ledger.db"),
	}
	cfg.Server.KeyPath = filepath.Join(dir, "server_key")
	cfg.Watermark.KeyFile = filepath.Join(dir, "watermark.key")
	cfg.Logging.AuditPath = filepath.Join(dir, "audit.log")
	cfg.IPC.SocketPath = filepath.Join(sockDir, "d.sock")

	path := filepath.Join(dir, "config.toml")
	require.NoError(t, config.SaveConfig(cfg, path))
	return &harness{dir: dir, configPath: path, cfg: cfg}
}

func (h *harness) path(name string) string {
	return filepath.Join(h.dir, name)
}

// run executes watermarkctl with stdin and returns stdout, stderr and the
// command error.
func (h *harness) run(stdin string, args ...string) (string, string, error) {
	var out, errOut bytes.Buffer
	root := newRootCommand(newApp(strings.NewReader(stdin), &out, &errOut))
	root.SetArgs(append([]string{"--config", h.configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func (h *harness) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, errOut, err := h.run("", args...)
	require.NoError(t, err, "stderr: %s", errOut)
	return out
}

func (h *harness) writeBlank(t *testing.T, name string) string {
	t.Helper()
	doc, err := pdfdoc.Blank()
	require.NoError(t, err)
	p := h.path(name)
	require.NoError(t, os.WriteFile(p, doc, 0644))
	return p
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{usageErrorf("bad"), exitInput},
		{fmt.Errorf("open: %w", os.ErrNotExist), exitInput},
		{watermark.ErrInvalidSecret, exitInput},
		{watermark.ErrUnknownMethod, exitInput},
		{watermark.ErrSecretNotFound, exitNotFound},
		{&ipc.RemoteError{Code: ipc.ErrNotFound}, exitNotFound},
		{watermark.ErrInvalidKey, exitKey},
		{&ipc.RemoteError{Code: ipc.ErrPermissionDenied}, exitKey},
		{&ipc.RemoteError{Code: ipc.ErrLockedOut}, exitKey},
		{watermark.ErrNotApplicable, exitWatermarking},
		{methodError(errors.New("rewrite failed")), exitWatermarking},
		{ipc.ErrDaemonNotRunning, exitFailure},
		{errors.New("boom"), exitFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
}

func TestMethodErrorKeepsKnownKinds(t *testing.T) {
	err := methodError(fmt.Errorf("x: %w", watermark.ErrInvalidKey))
	assert.ErrorIs(t, err, watermark.ErrInvalidKey)
	assert.NotErrorIs(t, err, errWatermarking)
	assert.Nil(t, methodError(nil))
}

func TestEmbedExtractRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.mustRun(t, "keygen", "watermark")
	input := h.writeBlank(t, "in.pdf")

	tests := []struct {
		method string
		secret string
	}{
		{watermark.HashEOFName, "tag-42"},
		{watermark.EmailInProducerName, "alice@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			out := h.path(tt.method + ".pdf")
			h.mustRun(t, "embed", input, "-m", tt.method, "-s", tt.secret,
				"--key-file", h.cfg.Watermark.KeyFile, "-o", out)

			got := h.mustRun(t, "extract", out, "-m", tt.method, "--key-file", h.cfg.Watermark.KeyFile)
			assert.Equal(t, tt.secret+"\n", got)

			_, _, err := h.run("", "extract", out, "-m", tt.method, "-k", "wrong-key")
			assert.Equal(t, exitKey, exitCode(err), "%v", err)
		})
	}

	t.Run("record", func(t *testing.T) {
		out := h.path(watermark.EmailInProducerName + ".pdf")
		got := h.mustRun(t, "extract", out, "--record", "--key-file", h.cfg.Watermark.KeyFile)
		assert.True(t, strings.HasPrefix(got, "alice@example.com"), got)
		assert.Greater(t, len(strings.TrimSpace(got)), len("alice@example.com"))
	})
}

func TestEmbedReadsStdin(t *testing.T) {
	h := newHarness(t)
	input := h.writeBlank(t, "in.pdf")
	out := h.path("out.pdf")

	_, errOut, err := h.run("tag-from-stdin\n", "embed", input, "-m", "hash-eof", "-s", "-", "-k", "k1", "-o", out)
	require.NoError(t, err, errOut)
	assert.Equal(t, "tag-from-stdin\n", h.mustRun(t, "extract", out, "-m", "hash-eof", "-k", "k1"))

	doc, err := os.ReadFile(input)
	require.NoError(t, err)
	stdout, _, err := h.run(string(doc), "embed", "-", "-m", "hash-eof", "-s", "piped", "-k", "k1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(out, []byte(stdout), 0644))
	assert.Equal(t, "piped\n", h.mustRun(t, "extract", out, "-m", "hash-eof", "-k", "k1"))
}

func TestEmbedInputErrors(t *testing.T) {
	h := newHarness(t)
	input := h.writeBlank(t, "in.pdf")
	notPDF := h.path("notes.txt")
	require.NoError(t, os.WriteFile(notPDF, []byte("plain text"), 0644))

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"missing input", []string{"embed", h.path("absent.pdf"), "-s", "a@b.example", "-k", "k"}, exitInput},
		{"non-email secret", []string{"embed", input, "-s", "not-an-email", "-k", "k"}, exitInput},
		{"unknown method", []string{"embed", input, "-m", "nope", "-s", "x", "-k", "k"}, exitInput},
		{"two stdin readers", []string{"embed", input, "-s", "-", "-k", "-"}, exitInput},
		{"no key and no terminal", []string{"embed", input, "-s", "a@b.example"}, exitInput},
		{"not applicable", []string{"embed", notPDF, "-s", "a@b.example", "-k", "k"}, exitWatermarking},
		{"extra argument", []string{"embed", input, input}, exitInput},
		{"unknown flag", []string{"embed", input, "--bogus"}, exitInput},
		{"record on trailer method", []string{"extract", input, "-m", "hash-eof", "-k", "k", "--record"}, exitInput},
		{"nothing embedded", []string{"extract", input, "-m", "hash-eof", "-k", "k"}, exitNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.run("", tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.want, exitCode(err), "%v", err)
		})
	}
}

func TestExploreCommand(t *testing.T) {
	h := newHarness(t)
	input := h.writeBlank(t, "in.pdf")
	doc, err := os.ReadFile(input)
	require.NoError(t, err)

	var want bytes.Buffer
	require.NoError(t, explorer.WriteJSON(&want, explorer.Explore(doc), false))
	assert.Equal(t, want.String(), h.mustRun(t, "explore", input, "--compact"))

	var root explorer.Node
	require.NoError(t, json.Unmarshal([]byte(h.mustRun(t, "explore", input)), &root))
	assert.Equal(t, explorer.TypeDocument, root.Type)

	// Garbage still yields a document node.
	out, _, err := h.run("definitely not a pdf", "explore", "-")
	require.NoError(t, err)
	assert.Contains(t, out, explorer.TypeDocument)
}

func TestMethodsCommand(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun(t, "methods")
	assert.Contains(t, out, "* "+watermark.EmailInProducerName)
	assert.Contains(t, out, "  "+watermark.HashEOFName)

	var listed struct {
		Active  string                 `json:"active"`
		Methods []watermark.MethodInfo `json:"methods"`
	}
	require.NoError(t, json.Unmarshal([]byte(h.mustRun(t, "methods", "--json")), &listed))
	assert.Equal(t, watermark.EmailInProducerName, listed.Active)
	assert.Len(t, listed.Methods, 2)
}

func TestKeygen(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun(t, "keygen", "server")
	assert.Contains(t, out, "fingerprint SHA256:")
	info, err := os.Stat(h.cfg.Server.KeyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	pub, err := identity.LoadPublicKey(h.cfg.Server.KeyPath + ".pub")
	require.NoError(t, err)
	priv, err := identity.LoadPrivateKey(h.cfg.Server.KeyPath, nil)
	require.NoError(t, err)
	assert.Equal(t, pub, priv.Public())

	_, _, err = h.run("", "keygen", "server")
	assert.Equal(t, exitInput, exitCode(err))
	h.mustRun(t, "keygen", "server", "--force")

	t.Run("identity with passphrase", func(t *testing.T) {
		passFile := h.path("pass")
		require.NoError(t, os.WriteFile(passFile, []byte("hunter22\n"), 0600))
		keyPath := h.path("bob")
		h.mustRun(t, "keygen", "identity", "bob", "-o", keyPath, "--passphrase-file", passFile, "--enroll")

		_, err := identity.LoadPrivateKey(keyPath, nil)
		assert.ErrorIs(t, err, identity.ErrPassphraseRequired)
		_, err = identity.LoadPrivateKey(keyPath, []byte("hunter22"))
		require.NoError(t, err)

		dir, err := identity.OpenDirectory(h.cfg.Paths.Identities)
		require.NoError(t, err)
		_, err = dir.PublicKey("bob")
		require.NoError(t, err)
	})

	t.Run("invalid identity name", func(t *testing.T) {
		_, _, err := h.run("", "keygen", "identity", "../evil")
		assert.Equal(t, exitInput, exitCode(err))
	})

	t.Run("watermark key", func(t *testing.T) {
		h.mustRun(t, "keygen", "watermark")
		data, err := os.ReadFile(h.cfg.Watermark.KeyFile)
		require.NoError(t, err)
		assert.Len(t, strings.TrimSpace(string(data)), 2*watermarkKeyBytes)
	})

	audit, err := os.ReadFile(h.cfg.Logging.AuditPath)
	require.NoError(t, err)
	assert.Contains(t, string(audit), "key")
}

func TestWrap(t *testing.T) {
	assert.Equal(t, "aa bb\n  cc", wrap("aa bb cc", 5, "  "))
	assert.Equal(t, "", wrap("", 10, ""))
}
