package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"watermarkd/internal/logging"
)

// ErrAlreadyRunning is returned by Start when another daemon answers on
// the socket.
var ErrAlreadyRunning = errors.New("ipc: daemon already listening on socket")

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, peer *Peer, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
	return f(ctx, peer, msg)
}

// Server is the IPC server that manages client connections
type Server struct {
	mu       sync.RWMutex
	listener net.Listener
	cfg      ServerConfig
	handler  Handler
	peers    map[string]*Peer
	log      *logging.Logger

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextPeerID atomic.Uint64
}

// Peer is a connected client.
type Peer struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	ConnectedAt  time.Time
	LastActivity time.Time

	writeMu sync.Mutex
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Permissions    os.FileMode
	MaxConnections int
	// Timeout bounds how long a connection may stay idle and how long a
	// response write may take.
	Timeout time.Duration
	// SameUserOnly rejects peers running as a different user where the
	// platform can tell.
	SameUserOnly bool

	Logger *logging.Logger
	Crash  *logging.CrashHandler
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:     socketPath,
		Permissions:    0600,
		MaxConnections: 16,
		Timeout:        30 * time.Second,
		SameUserOnly:   true,
	}
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path required")
	}
	if handler == nil {
		return nil, errors.New("ipc: handler required")
	}
	if cfg.Permissions == 0 {
		cfg.Permissions = 0600
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		peers:   make(map[string]*Peer),
		log:     cfg.Logger.WithComponent("ipc"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.cfg.SocketPath) {
		return ErrAlreadyRunning
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := SetSocketPermissions(s.cfg.SocketPath, s.cfg.Permissions); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("listening", "socket", s.cfg.SocketPath, "max_connections", s.cfg.MaxConnections)
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, peer := range s.peers {
		peer.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("timed out waiting for connections to close")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// recoverPanic is deferred at the top of server goroutines.
func (s *Server) recoverPanic(name string) {
	r := recover()
	if r == nil {
		return
	}
	if s.cfg.Crash != nil {
		s.cfg.Crash.HandlePanic(r, map[string]any{"goroutine": name})
		return
	}
	s.log.Error("recovered panic", "goroutine", name, "panic", r)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer s.recoverPanic("ipc-accept")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		if s.cfg.SameUserOnly {
			if ok, err := VerifyPeerIsCurrentUser(conn); err != nil && !errors.Is(err, ErrPeerCredentialsUnsupported) {
				s.log.Warn("rejecting connection: peer credentials", "error", err)
				conn.Close()
				continue
			} else if err == nil && !ok {
				s.log.Warn("rejecting connection from another user")
				conn.Close()
				continue
			}
		}

		s.mu.Lock()
		if len(s.peers) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.log.Warn("rejecting connection: limit reached", "max_connections", s.cfg.MaxConnections)
			conn.Close()
			continue
		}
		now := time.Now()
		peer := &Peer{
			ID:           fmt.Sprintf("peer-%d", s.nextPeerID.Add(1)),
			conn:         conn,
			ConnectedAt:  now,
			LastActivity: now,
		}
		s.peers[peer.ID] = peer
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(peer)
	}
}

func (s *Server) handleConnection(peer *Peer) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.peers, peer.ID)
		s.mu.Unlock()
		peer.conn.Close()
	}()
	defer s.recoverPanic("ipc-conn")

	log := s.log.With("peer", peer.ID)
	log.Debug("client connected")

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		peer.conn.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
		msg, err := ReadMessage(peer.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Debug("client disconnected")
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Debug("closing idle connection")
				return
			}
			log.Warn("read failed", "error", err)
			return
		}

		peer.mu.Lock()
		peer.LastActivity = time.Now()
		peer.mu.Unlock()

		response := s.processMessage(peer, msg)
		if response != nil {
			if err := s.sendMessage(peer, response); err != nil {
				log.Warn("write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) processMessage(peer *Peer, msg *Message) *Message {
	reqID := msg.Header.RequestID
	if msg.Header.Type == MsgPing {
		return NewMessage(MsgPong, reqID, nil)
	}

	requestID := s.log.NewRequestID()
	ctx := logging.ContextWithRequestID(s.ctx, requestID)
	log := s.log.WithRequestID(requestID)
	start := time.Now()

	response, err := s.handler.HandleMessage(ctx, peer, msg)
	if err != nil {
		code := CodeOf(err)
		log.Debug("request failed", "type", msg.Header.Type, "code", code, "error", err)
		return NewErrorMessage(reqID, code, err.Error())
	}
	log.Debug("request handled", "type", msg.Header.Type, "duration", time.Since(start))
	return response
}

func (s *Server) sendMessage(peer *Peer, msg *Message) error {
	peer.writeMu.Lock()
	defer peer.writeMu.Unlock()

	peer.conn.SetWriteDeadline(time.Now().Add(s.cfg.Timeout))
	return msg.Write(peer.conn)
}
