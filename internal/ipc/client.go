package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// Client talks to the watermarkd daemon. It is safe for concurrent use;
// responses are matched to requests by request ID.
type Client struct {
	mu      sync.RWMutex
	conn    net.Conn
	writeMu sync.Mutex

	connected atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		pending: make(map[uint32]chan *Message),
		ctx:     ctx,
		cancel:  cancel,
		config:  cfg,
	}
}

// Dial creates a client and connects it.
func Dial(cfg ClientConfig) (*Client, error) {
	c := NewClient(cfg)
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect establishes a connection to the daemon
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.config.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrDaemonNotRunning
		}
		var oe *net.OpError
		if errors.As(err, &oe) && oe.Op == "dial" {
			return fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// Close closes the connection to the daemon
func (c *Client) Close() error {
	c.cancel()
	c.close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// close closes the connection and fails all pending requests.
func (c *Client) close() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)
	c.mu.Unlock()

	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

func (c *Client) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = Encode(payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.config.RequestTimeout))
	err := msg.Write(conn)
	c.writeMu.Unlock()
	if err != nil {
		c.close()
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		if resp.Header.Type == MsgError {
			var errResp ErrorResponse
			if err := Decode(resp.Payload, &errResp); err != nil {
				return nil, fmt.Errorf("decode error response: %w", err)
			}
			return nil, &RemoteError{Code: errResp.Code, Message: errResp.Message}
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrNotConnected
	}
}

// call sends a request, checks the response type and decodes it into out.
func (c *Client) call(ctx context.Context, msgType, want MessageType, payload, out any) error {
	resp, err := c.request(ctx, msgType, payload)
	if err != nil {
		return err
	}
	if resp.Header.Type != want {
		return fmt.Errorf("unexpected response type: %s", resp.Header.Type)
	}
	if out == nil {
		return nil
	}
	if err := Decode(resp.Payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", want, err)
	}
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() == nil {
				c.close()
			}
			return
		}

		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// High-level API methods

// Ping checks if the daemon is responsive
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, MsgPing, MsgPong, nil, nil)
}

// Status requests the daemon status
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.call(ctx, MsgStatusRequest, MsgStatusResponse, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Metrics returns the daemon metrics in the Prometheus text format.
func (c *Client) Metrics(ctx context.Context) (string, error) {
	var resp MetricsResponse
	if err := c.call(ctx, MsgMetrics, MsgMetricsResp, nil, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// ListMethods returns the methods registered with the daemon.
func (c *Client) ListMethods(ctx context.Context) (*ListMethodsResponse, error) {
	var resp ListMethodsResponse
	if err := c.call(ctx, MsgListMethods, MsgListMethodsResp, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Explore asks the daemon for the object tree of doc.
func (c *Client) Explore(ctx context.Context, doc []byte) (*ExploreResponse, error) {
	var resp ExploreResponse
	if err := c.call(ctx, MsgExplore, MsgExploreResp, &ExploreRequest{Document: doc}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HandshakeInitiate sends handshake message 1 and returns the server's
// continuation.
func (c *Client) HandshakeInitiate(ctx context.Context, hello []byte) ([]byte, error) {
	var resp HandshakeMessage
	if err := c.call(ctx, MsgHandshakeInitiate, MsgHandshakeInitiateResp, &HandshakeMessage{Message: hello}, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// HandshakeFinalize sends handshake message 2 and returns the issued
// document.
func (c *Client) HandshakeFinalize(ctx context.Context, finish []byte) (*FinalizeResponse, error) {
	var resp FinalizeResponse
	if err := c.call(ctx, MsgHandshakeFinalize, MsgHandshakeFinalizeResp, &HandshakeMessage{Message: finish}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Trace asks the daemon which recipient doc was issued to. An empty method
// selects the daemon's configured one.
func (c *Client) Trace(ctx context.Context, doc []byte, method string) (*TraceResponse, error) {
	var resp TraceResponse
	if err := c.call(ctx, MsgTrace, MsgTraceResp, &TraceRequest{Document: doc, Method: method}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
