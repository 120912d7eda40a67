// Package rpc exposes session operations over JSON-RPC for the
// orchestration layer.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/sessiond/internal/domain"
	"github.com/xiaot623/gogo/sessiond/internal/service"
)

// ServiceName is the name the handler is registered under.
const ServiceName = "Sessions"

// Server exposes internal RPC endpoints for orchestration clients.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	rpcServer *rpc.Server
	log       zerolog.Logger
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the session service.
func NewServer(svc *service.Service, log zerolog.Logger) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		log:       log,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts RPC connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.log.Warn().Err(err).Msg("rpc accept error")
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the Sessions RPC methods. Errors are returned as
// "<code>: <message>" so clients can classify them without sentinels.
type Handler struct {
	service *service.Service
}

// CreateArgs creates a session on behalf of a principal.
type CreateArgs struct {
	Principal domain.Principal            `json:"principal"`
	Request   domain.CreateSessionRequest `json:"request"`
}

// SessionArgs identifies a session.
type SessionArgs struct {
	Principal domain.Principal `json:"principal"`
	SessionID string           `json:"session_id"`
}

// AppendMessageArgs wraps session IDs with the message payload.
type AppendMessageArgs struct {
	Principal domain.Principal            `json:"principal"`
	SessionID string                      `json:"session_id"`
	Request   domain.AppendMessageRequest `json:"request"`
}

// UpdateMetadataArgs wraps session IDs with a metadata patch.
type UpdateMetadataArgs struct {
	Principal domain.Principal `json:"principal"`
	SessionID string           `json:"session_id"`
	Patch     domain.Metadata  `json:"patch"`
}

// AckResponse is a generic OK response.
type AckResponse struct {
	OK bool `json:"ok"`
}

func rpcError(err error) error {
	return fmt.Errorf("%s: %v", domain.ErrorCode(err), err)
}

// Create creates a session.
func (h *Handler) Create(req *CreateArgs, resp *domain.Session) error {
	if req == nil {
		return errors.New("create request is required")
	}

	sess, err := h.service.CreateSession(context.Background(), req.Principal, req.Request)
	if err != nil {
		return rpcError(err)
	}
	*resp = *sess
	return nil
}

// Get returns a session.
func (h *Handler) Get(req *SessionArgs, resp *domain.Session) error {
	if req == nil || req.SessionID == "" {
		return errors.New("session_id is required")
	}

	sess, err := h.service.GetSession(context.Background(), req.Principal, req.SessionID)
	if err != nil {
		return rpcError(err)
	}
	*resp = *sess
	return nil
}

// AppendMessage appends a message to a session.
func (h *Handler) AppendMessage(req *AppendMessageArgs, resp *domain.Message) error {
	if req == nil || req.SessionID == "" {
		return errors.New("session_id is required")
	}

	msg, err := h.service.AppendMessage(context.Background(), req.Principal, req.SessionID, req.Request)
	if err != nil {
		return rpcError(err)
	}
	*resp = *msg
	return nil
}

// UpdateMetadata merges a metadata patch.
func (h *Handler) UpdateMetadata(req *UpdateMetadataArgs, resp *domain.Session) error {
	if req == nil || req.SessionID == "" {
		return errors.New("session_id is required")
	}

	sess, err := h.service.UpdateMetadata(context.Background(), req.Principal, req.SessionID, req.Patch)
	if err != nil {
		return rpcError(err)
	}
	*resp = *sess
	return nil
}

// Delete marks a session deleted.
func (h *Handler) Delete(req *SessionArgs, resp *AckResponse) error {
	if req == nil || req.SessionID == "" {
		return errors.New("session_id is required")
	}

	if err := h.service.DeleteSession(context.Background(), req.Principal, req.SessionID); err != nil {
		return rpcError(err)
	}
	resp.OK = true
	return nil
}

// End expires a session now.
func (h *Handler) End(req *SessionArgs, resp *domain.Session) error {
	if req == nil || req.SessionID == "" {
		return errors.New("session_id is required")
	}

	sess, err := h.service.EndSession(context.Background(), req.Principal, req.SessionID)
	if err != nil {
		return rpcError(err)
	}
	*resp = *sess
	return nil
}
