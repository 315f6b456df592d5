package ipc

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"watermarkd/internal/explorer"
	"watermarkd/internal/health"
	"watermarkd/internal/issuance"
)

// DaemonHandler serves watermarkd operations from an issuance service.
type DaemonHandler struct {
	service   *issuance.Service
	health    *health.Checker
	version   string
	startedAt time.Time

	// clients reports the number of connected clients, when set.
	clients func() int
}

// DaemonHandlerConfig configures the daemon handler
type DaemonHandlerConfig struct {
	Service *issuance.Service
	Version string
	// Health, when set, is run on every status request.
	Health *health.Checker
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	return &DaemonHandler{
		service:   cfg.Service,
		health:    cfg.Health,
		version:   cfg.Version,
		startedAt: time.Now(),
	}
}

// AttachServer lets status responses report the connection count of srv.
func (h *DaemonHandler) AttachServer(srv *Server) {
	h.clients = srv.ClientCount
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(ctx, msg)
	case MsgListMethods:
		return h.handleListMethods(msg)
	case MsgExplore:
		return h.handleExplore(msg)
	case MsgHandshakeInitiate:
		return h.handleInitiate(ctx, msg)
	case MsgHandshakeFinalize:
		return h.handleFinalize(ctx, msg)
	case MsgTrace:
		return h.handleTrace(ctx, msg)
	case MsgMetrics:
		return h.handleMetrics(msg)
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %s", msg.Header.Type)), nil
	}
}

func invalid(msg *Message, what string, err error) *Message {
	return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, fmt.Sprintf("invalid %s request: %v", what, err))
}

func (h *DaemonHandler) handleStatus(ctx context.Context, msg *Message) (*Message, error) {
	resp := &StatusResponse{
		Version:   h.version,
		Uptime:    time.Since(h.startedAt),
		StartedAt: h.startedAt,
		Method:    h.service.Method(),
		Methods:   len(h.service.Registry().Names()),
		Sessions:  h.service.Handshake().Len(),
	}
	if h.clients != nil {
		resp.Clients = h.clients()
	}

	stats, err := h.service.Stats()
	if err != nil {
		resp.Ledger.Error = err.Error()
	} else {
		resp.Ledger.Issuances = stats.Issuances
		resp.Ledger.Identities = stats.Identities
		resp.Ledger.Traces = stats.Traces
		resp.Ledger.ChainHash = stats.ChainHash
		if err := h.service.VerifyLedger(); err != nil {
			resp.Ledger.Error = err.Error()
		} else {
			resp.Ledger.IntegrityOK = true
		}
	}

	if h.health != nil {
		resp.Health = h.health.Report(ctx)
	}
	if m := h.service.Metrics(); m != nil {
		m.Update(resp.Sessions)
		resp.Metrics = m.Registry().Snapshot()
	}

	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleMetrics(msg *Message) (*Message, error) {
	m := h.service.Metrics()
	if m == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, "metrics are not enabled"), nil
	}
	m.Update(h.service.Handshake().Len())
	var b strings.Builder
	if err := m.Registry().WritePrometheus(&b); err != nil {
		return nil, err
	}
	return NewResponse(MsgMetricsResp, msg.Header.RequestID, &MetricsResponse{Text: b.String()})
}

func (h *DaemonHandler) handleListMethods(msg *Message) (*Message, error) {
	return NewResponse(MsgListMethodsResp, msg.Header.RequestID, &ListMethodsResponse{
		Active:  h.service.Method(),
		Methods: h.service.Registry().Describe(),
	})
}

func (h *DaemonHandler) handleExplore(msg *Message) (*Message, error) {
	var req ExploreRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, "explore", err), nil
	}
	return NewResponse(MsgExploreResp, msg.Header.RequestID, &ExploreResponse{
		Root: explorer.Explore(req.Document),
	})
}

func (h *DaemonHandler) handleInitiate(ctx context.Context, msg *Message) (*Message, error) {
	var req HandshakeMessage
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, "handshake", err), nil
	}
	cont, err := h.service.Initiate(ctx, req.Message)
	if err != nil {
		return nil, err
	}
	return NewResponse(MsgHandshakeInitiateResp, msg.Header.RequestID, &HandshakeMessage{Message: cont})
}

func (h *DaemonHandler) handleFinalize(ctx context.Context, msg *Message) (*Message, error) {
	var req HandshakeMessage
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, "handshake", err), nil
	}
	res, err := h.service.Issue(ctx, req.Message)
	if err != nil {
		return nil, err
	}

	doc, err := os.ReadFile(res.Path)
	if err != nil {
		return nil, fmt.Errorf("read issued document: %w", err)
	}
	return NewResponse(MsgHandshakeFinalizeResp, msg.Header.RequestID, &FinalizeResponse{
		IssuanceID: res.IssuanceID,
		Session:    res.Session,
		Identity:   res.Identity,
		Filename:   res.Filename,
		Source:     res.Source,
		Method:     res.Method,
		Sealed:     res.Sealed,
		Document:   doc,
	})
}

func (h *DaemonHandler) handleTrace(ctx context.Context, msg *Message) (*Message, error) {
	var req TraceRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, "trace", err), nil
	}
	res, err := h.service.TraceWith(ctx, req.Method, req.Document)
	if err != nil {
		return nil, err
	}
	is := res.Issuance
	return NewResponse(MsgTraceResp, msg.Header.RequestID, &TraceResponse{
		IssuanceID: is.ID,
		Identity:   is.Identity,
		Session:    is.SessionID,
		Filename:   is.Filename,
		Source:     is.Source,
		Method:     res.Method,
		IssuedAt:   is.IssuedAt,
		TraceID:    res.TraceID,
	})
}
