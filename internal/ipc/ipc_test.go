package ipc

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watermarkd/internal/explorer"
	"watermarkd/internal/handshake"
	"watermarkd/internal/health"
	"watermarkd/internal/identity"
	"watermarkd/internal/issuance"
	"watermarkd/internal/logging"
	"watermarkd/internal/metrics"
	"watermarkd/internal/pdfdoc"
	"watermarkd/internal/secretstore"
	"watermarkd/internal/security"
	"watermarkd/internal/store"
	"watermarkd/internal/watermark"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := NewMessage(MsgTrace, 42, []byte(`{"method":"hash-eof"}`))
	require.NoError(t, msg.Write(&buf))
	assert.Equal(t, HeaderSize+len(msg.Payload), buf.Len())

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, msg.Header, got.Header)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.Equal(t, "trace", got.Header.Type.String())
}

func TestReadMessageRejects(t *testing.T) {
	t.Run("bad magic", func(t *testing.T) {
		var buf bytes.Buffer
		msg := NewMessage(MsgPing, 1, nil)
		msg.Header.Magic = 0xdeadbeef
		require.NoError(t, msg.Write(&buf))
		_, err := ReadMessage(&buf)
		assert.ErrorContains(t, err, "invalid magic")
	})

	t.Run("future version", func(t *testing.T) {
		var buf bytes.Buffer
		msg := NewMessage(MsgPing, 1, nil)
		msg.Header.Version = ProtocolVersion + 1
		require.NoError(t, msg.Write(&buf))
		_, err := ReadMessage(&buf)
		assert.ErrorContains(t, err, "unsupported protocol version")
	})

	t.Run("oversized payload", func(t *testing.T) {
		var buf bytes.Buffer
		msg := NewMessage(MsgExplore, 1, nil)
		require.NoError(t, msg.Write(&buf))
		raw := buf.Bytes()
		binary.BigEndian.PutUint32(raw[12:16], MaxPayloadSize+1)
		_, err := ReadMessage(bytes.NewReader(raw))
		assert.ErrorContains(t, err, "payload too large")
	})

	t.Run("truncated payload", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewMessage(MsgExplore, 1, []byte("0123456789")).Write(&buf))
		_, err := ReadMessage(bytes.NewReader(buf.Bytes()[:HeaderSize+4]))
		assert.Error(t, err)
	})
}

func TestErrorCodes(t *testing.T) {
	locked := &handshake.Error{Phase: handshake.PhaseInitiate, Err: security.ErrLockedOut}
	assert.Equal(t, ErrLockedOut, CodeOf(locked))
	assert.Equal(t, ErrPermissionDenied, CodeOf(fmt.Errorf("x: %w", handshake.ErrVerificationFailed)))
	assert.Equal(t, ErrNotFound, CodeOf(issuance.ErrNotIssued))
	assert.Equal(t, ErrInternalError, CodeOf(errors.New("boom")))

	remote := &RemoteError{Code: ErrSessionState, Message: "state"}
	assert.ErrorIs(t, remote, handshake.ErrSessionState)
	assert.Nil(t, (&RemoteError{Code: ErrUnknown}).Unwrap())
}

type daemon struct {
	server    *Server
	client    *Client
	alicePriv ed25519.PrivateKey
	serverPub ed25519.PublicKey
}

func startDaemon(t *testing.T) *daemon {
	t.Helper()
	root := t.TempDir()

	serverPub, serverPriv, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	alicePub, alicePriv, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	dir, err := identity.OpenDirectory(filepath.Join(root, "identities"))
	require.NoError(t, err)
	require.NoError(t, dir.Enroll("alice", alicePub, false))

	hs, err := handshake.NewServer(handshake.ServerConfig{PrivateKey: serverPriv, Identities: dir})
	require.NoError(t, err)

	secretsDir := filepath.Join(root, "secrets")
	require.NoError(t, os.MkdirAll(secretsDir, 0700))
	secrets, err := secretstore.Open(secretsDir)
	require.NoError(t, err)
	registry, err := watermark.NewCatalog(secrets).NewDefaultRegistry()
	require.NoError(t, err)

	ledger, err := store.Open(filepath.Join(root, "ledger.db"), bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	logCfg := logging.DefaultConfig()
	logCfg.Writer = &bytes.Buffer{}
	logger, err := logging.New(logCfg)
	require.NoError(t, err)

	svc, err := issuance.New(issuance.Config{
		Handshake:  hs,
		Registry:   registry,
		Ledger:     ledger,
		Method:     watermark.EmailInProducerName,
		Key:        "ipc-test-key",
		AssetsDir:  filepath.Join(root, "assets"),
		StorageDir: filepath.Join(root, "storage"),
		Logger:     logger,
		Metrics:    metrics.New(metrics.NewRegistry("watermarkd")),
	})
	require.NoError(t, err)

	// Unix socket paths are length limited; keep this one short.
	sockDir, err := os.MkdirTemp("", "wmk")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })

	checker := health.NewChecker()
	checker.RegisterFunc("ledger", true, health.CustomCheck(svc.VerifyLedger))
	handler := NewDaemonHandler(DaemonHandlerConfig{Service: svc, Version: "test", Health: checker})
	cfg := DefaultServerConfig(filepath.Join(sockDir, "d.sock"))
	cfg.Logger = logger
	srv, err := NewServer(cfg, handler)
	require.NoError(t, err)
	handler.AttachServer(srv)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	client, err := Dial(DefaultClientConfig(srv.SocketPath()))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &daemon{server: srv, client: client, alicePriv: alicePriv, serverPub: serverPub}
}

func TestServerSocketPermissions(t *testing.T) {
	d := startDaemon(t)
	info, err := os.Stat(d.server.SocketPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.NotZero(t, info.Mode()&os.ModeSocket)
}

func TestSecondServerRefusesSocket(t *testing.T) {
	d := startDaemon(t)
	other, err := NewServer(DefaultServerConfig(d.server.SocketPath()), HandlerFunc(
		func(context.Context, *Peer, *Message) (*Message, error) { return nil, nil }))
	require.NoError(t, err)
	assert.ErrorIs(t, other.Start(), ErrAlreadyRunning)
}

func TestPingStatusAndMethods(t *testing.T) {
	d := startDaemon(t)
	ctx := context.Background()

	require.NoError(t, d.client.Ping(ctx))

	status, err := d.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, watermark.EmailInProducerName, status.Method)
	assert.Equal(t, 2, status.Methods)
	assert.Equal(t, 1, status.Clients)
	assert.True(t, status.Ledger.IntegrityOK)
	assert.Zero(t, status.Ledger.Issuances)
	require.NotNil(t, status.Health)
	assert.Equal(t, health.StatusHealthy, status.Health.Status)
	require.Len(t, status.Health.Components, 1)
	assert.Equal(t, "ledger", status.Health.Components[0].Name)

	methods, err := d.client.ListMethods(ctx)
	require.NoError(t, err)
	assert.Equal(t, watermark.EmailInProducerName, methods.Active)
	var names []string
	for _, m := range methods.Methods {
		names = append(names, m.Name)
		assert.NotEmpty(t, m.Usage)
	}
	assert.ElementsMatch(t, []string{watermark.EmailInProducerName, watermark.HashEOFName}, names)
}

func TestExploreOverSocket(t *testing.T) {
	d := startDaemon(t)
	doc, err := pdfdoc.Blank()
	require.NoError(t, err)

	resp, err := d.client.Explore(context.Background(), doc)
	require.NoError(t, err)
	require.NotNil(t, resp.Root)
	assert.Equal(t, explorer.TypeDocument, resp.Root.Type)
	assert.Equal(t, explorer.Explore(doc), resp.Root)

	resp, err = d.client.Explore(context.Background(), []byte("not a pdf"))
	require.NoError(t, err)
	assert.Equal(t, explorer.TypeDocument, resp.Root.Type)
}

func TestHandshakeIssueAndTrace(t *testing.T) {
	d := startDaemon(t)
	ctx := context.Background()

	hc, err := handshake.NewClient("alice", d.alicePriv, d.serverPub)
	require.NoError(t, err)
	hello, err := hc.Hello()
	require.NoError(t, err)
	cont, err := d.client.HandshakeInitiate(ctx, hello)
	require.NoError(t, err)
	finish, err := hc.Respond(cont)
	require.NoError(t, err)

	res, err := d.client.HandshakeFinalize(ctx, finish)
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Identity)
	assert.Equal(t, issuance.BaseAsset, res.Source)
	require.NotEmpty(t, res.Document)

	secret, err := hc.OpenSecret(res.Sealed)
	require.NoError(t, err)
	assert.Equal(t, secret+".pdf", res.Filename)

	tr, err := d.client.Trace(ctx, res.Document, "")
	require.NoError(t, err)
	assert.Equal(t, "alice", tr.Identity)
	assert.Equal(t, res.IssuanceID, tr.IssuanceID)
	assert.Equal(t, watermark.EmailInProducerName, tr.Method)
	assert.NotEmpty(t, tr.TraceID)

	// Replaying message 2 hits a completed session.
	_, err = d.client.HandshakeFinalize(ctx, finish)
	assert.ErrorIs(t, err, handshake.ErrSessionState)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrSessionState, remote.Code)

	status, err := d.client.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, status.Ledger.Issuances)
	assert.EqualValues(t, 1, status.Ledger.Traces)
	assert.EqualValues(t, 1, status.Metrics["watermarkd_handshakes_total"])
	assert.EqualValues(t, 1, status.Metrics["watermarkd_issuances_total"])
	assert.EqualValues(t, 1, status.Metrics["watermarkd_issuance_failures_total"])
	assert.EqualValues(t, 1, status.Metrics["watermarkd_traces_total"])
	assert.EqualValues(t, 1, status.Metrics["watermarkd_issued_document_bytes_count"])

	text, err := d.client.Metrics(ctx)
	require.NoError(t, err)
	assert.Contains(t, text, "# TYPE watermarkd_issuances_total counter\nwatermarkd_issuances_total 1\n")
	assert.Contains(t, text, `watermarkd_issuance_duration_seconds_bucket{le="+Inf"} 1`)
}

func TestTraceErrorsCrossSocket(t *testing.T) {
	d := startDaemon(t)
	doc, err := pdfdoc.Blank()
	require.NoError(t, err)

	_, err = d.client.Trace(context.Background(), doc, "no-such-method")
	assert.ErrorIs(t, err, watermark.ErrUnknownMethod)
}

func TestUnknownMessageType(t *testing.T) {
	d := startDaemon(t)
	_, err := d.client.request(context.Background(), MessageType(0x7777), nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrInvalidRequest, remote.Code)
}

func TestMalformedRequestKeepsConnection(t *testing.T) {
	d := startDaemon(t)
	conn, err := net.Dial("unix", d.server.SocketPath())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, NewMessage(MsgTrace, 9, []byte("{")).Write(conn))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := ReadMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, MsgError, resp.Header.Type)
	assert.EqualValues(t, 9, resp.Header.RequestID)

	require.NoError(t, NewMessage(MsgPing, 10, nil).Write(conn))
	resp, err = ReadMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, MsgPong, resp.Header.Type)
}

func TestStopRemovesSocket(t *testing.T) {
	d := startDaemon(t)
	require.NoError(t, d.server.Stop())
	_, err := os.Stat(d.server.SocketPath())
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, d.server.Stop())
}

func TestDialWithoutDaemon(t *testing.T) {
	dir, err := os.MkdirTemp("", "wmk")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	_, err = Dial(DefaultClientConfig(filepath.Join(dir, "missing.sock")))
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}
