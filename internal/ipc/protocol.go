// Package ipc carries watermarkd operations between the daemon and local
// clients over a Unix socket.
//
// Every message is a 16-byte header followed by a JSON payload. Requests
// and responses are correlated by the header's request ID.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"watermarkd/internal/explorer"
	"watermarkd/internal/handshake"
	"watermarkd/internal/health"
	"watermarkd/internal/issuance"
	"watermarkd/internal/security"
	"watermarkd/internal/watermark"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x574D4B44 // "WMKD"
)

// MaxPayloadSize bounds a single message payload.
const MaxPayloadSize = 64 << 20

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing  MessageType = 0x0001
	MsgPong  MessageType = 0x0002
	MsgError MessageType = 0x0005

	// Status (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Methods and documents (0x02xx)
	MsgListMethods     MessageType = 0x0200
	MsgListMethodsResp MessageType = 0x0201
	MsgExplore         MessageType = 0x0202
	MsgExploreResp     MessageType = 0x0203

	// Handshake and issuance (0x03xx)
	MsgHandshakeInitiate     MessageType = 0x0300
	MsgHandshakeInitiateResp MessageType = 0x0301
	MsgHandshakeFinalize     MessageType = 0x0302
	MsgHandshakeFinalizeResp MessageType = 0x0303

	// Tracing (0x04xx)
	MsgTrace     MessageType = 0x0400
	MsgTraceResp MessageType = 0x0401

	// Metrics (0x05xx)
	MsgMetrics     MessageType = 0x0500
	MsgMetricsResp MessageType = 0x0501
)

var typeNames = map[MessageType]string{
	MsgPing:                  "ping",
	MsgPong:                  "pong",
	MsgError:                 "error",
	MsgStatusRequest:         "status",
	MsgStatusResponse:        "status-response",
	MsgListMethods:           "list-methods",
	MsgListMethodsResp:       "list-methods-response",
	MsgExplore:               "explore",
	MsgExploreResp:           "explore-response",
	MsgHandshakeInitiate:     "handshake-initiate",
	MsgHandshakeInitiateResp: "handshake-initiate-response",
	MsgHandshakeFinalize:     "handshake-finalize",
	MsgHandshakeFinalizeResp: "handshake-finalize-response",
	MsgTrace:                 "trace",
	MsgTraceResp:             "trace-response",
	MsgMetrics:               "metrics",
	MsgMetricsResp:           "metrics-response",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// FlagJSON marks a JSON payload. It is the only encoding in use.
const FlagJSON uint8 = 0x04

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to w.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}

	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the message to a writer
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Request/Response payloads

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrRateLimited      = 6
	ErrLockedOut        = 7
	ErrSessionState     = 8
	ErrInvalidKey       = 9
	ErrInvalidSecret    = 10
	ErrSecretNotFound   = 11
	ErrUnknownMethod    = 12
	ErrNotApplicable    = 13
)

// codeErrors pairs each error code with the sentinel it stands for. The
// server picks the first sentinel matching an error; the client maps the
// code back so callers can use errors.Is across the socket.
var codeErrors = []struct {
	code int
	err  error
}{
	{ErrRateLimited, security.ErrRateLimited},
	{ErrLockedOut, security.ErrLockedOut},
	{ErrPermissionDenied, handshake.ErrVerificationFailed},
	{ErrSessionState, handshake.ErrSessionState},
	{ErrNotFound, issuance.ErrNotIssued},
	{ErrInvalidKey, watermark.ErrInvalidKey},
	{ErrInvalidSecret, watermark.ErrInvalidSecret},
	{ErrSecretNotFound, watermark.ErrSecretNotFound},
	{ErrUnknownMethod, watermark.ErrUnknownMethod},
	{ErrNotApplicable, watermark.ErrNotApplicable},
}

// CodeOf returns the error code reported for err.
func CodeOf(err error) int {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return ErrInternalError
}

// RemoteError is an error reported by the daemon.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Unwrap returns the sentinel for the error code, if any.
func (e *RemoteError) Unwrap() error {
	for _, ce := range codeErrors {
		if ce.code == e.Code {
			return ce.err
		}
	}
	return nil
}

// StatusResponse contains daemon status
type StatusResponse struct {
	Version   string         `json:"version"`
	Uptime    time.Duration  `json:"uptime"`
	StartedAt time.Time      `json:"started_at"`
	Method    string         `json:"method"`
	Methods   int            `json:"methods"`
	Sessions  int            `json:"sessions"`
	Clients   int            `json:"clients"`
	Ledger    LedgerStatus   `json:"ledger"`
	Health    *health.Report `json:"health,omitempty"`

	// Metrics is a snapshot of the service metrics, keyed by metric name.
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// MetricsResponse holds the service metrics in the Prometheus text
// exposition format.
type MetricsResponse struct {
	Text string `json:"text"`
}

// LedgerStatus summarizes the issuance ledger.
type LedgerStatus struct {
	Issuances   int64  `json:"issuances"`
	Identities  int64  `json:"identities"`
	Traces      int64  `json:"traces"`
	ChainHash   string `json:"chain_hash"`
	IntegrityOK bool   `json:"integrity_ok"`
	Error       string `json:"error,omitempty"`
}

// ListMethodsResponse lists the registered watermarking methods.
type ListMethodsResponse struct {
	Active  string                 `json:"active"`
	Methods []watermark.MethodInfo `json:"methods"`
}

// ExploreRequest carries a document to explore.
type ExploreRequest struct {
	Document []byte `json:"document"`
}

// ExploreResponse holds the object tree of a document.
type ExploreResponse struct {
	Root *explorer.Node `json:"root"`
}

// HandshakeMessage carries one encoded handshake message.
type HandshakeMessage struct {
	Message []byte `json:"message"`
}

// FinalizeResponse describes the document issued on a completed handshake.
type FinalizeResponse struct {
	IssuanceID string `json:"issuance_id"`
	Session    string `json:"session"`
	Identity   string `json:"identity"`
	Filename   string `json:"filename"`
	Source     string `json:"source"`
	Method     string `json:"method"`
	Sealed     []byte `json:"sealed"`
	Document   []byte `json:"document,omitempty"`
}

// TraceRequest asks which recipient a document was issued to.
type TraceRequest struct {
	Document []byte `json:"document"`
	// Method overrides the configured method when set.
	Method string `json:"method,omitempty"`
}

// TraceResponse identifies the recipient of a traced document.
type TraceResponse struct {
	IssuanceID string    `json:"issuance_id"`
	Identity   string    `json:"identity"`
	Session    string    `json:"session"`
	Filename   string    `json:"filename"`
	Source     string    `json:"source"`
	Method     string    `json:"method"`
	IssuedAt   time.Time `json:"issued_at"`
	TraceID    string    `json:"trace_id"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
