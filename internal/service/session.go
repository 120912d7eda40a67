package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/sessiond/internal/domain"
	"github.com/xiaot623/gogo/sessiond/internal/ratelimit"
	"github.com/xiaot623/gogo/sessiond/internal/session"
)

// CreateSession creates a session owned by p.
func (s *Service) CreateSession(ctx context.Context, p domain.Principal, req domain.CreateSessionRequest) (*domain.Session, error) {
	if err := s.admit(p, ratelimit.ClassWrite); err != nil {
		return nil, err
	}
	if req.TTLHours < 0 {
		return nil, fmt.Errorf("%w: ttl_hours must not be negative", domain.ErrInvalidArgument)
	}
	if err := s.consume(ctx, ratelimit.ResourceSessions, p.ID); err != nil {
		return nil, err
	}

	sess, err := s.store.Create(ctx, p.ID, req.Metadata, s.lifecycle.TTLFor(req.TTLHours))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if err := s.access.RegisterOwner(ctx, domain.ResourceSession, sess.ID, p.ID); err != nil {
		// Without an owner record nobody but operators could reach it.
		if delErr := s.store.Purge(ctx, sess.ID); delErr != nil {
			s.log.Warn().Err(delErr).Str("session_id", sess.ID).Msg("failed to roll back session")
		}
		return nil, fmt.Errorf("failed to register session owner: %w", err)
	}
	s.log.Info().Str("session_id", sess.ID).Str("owner", p.ID).Dur("ttl", sess.TTL).Msg("session created")
	return sess, nil
}

// GetSession returns the session if p may read it.
func (s *Service) GetSession(ctx context.Context, p domain.Principal, sessionID string) (*domain.Session, error) {
	if err := s.admit(p, ratelimit.ClassRead); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, sessionID, domain.AccessRead); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, sessionID)
}

// UpdateMetadata merges patch into the session metadata.
func (s *Service) UpdateMetadata(ctx context.Context, p domain.Principal, sessionID string, patch domain.Metadata) (*domain.Session, error) {
	if err := s.admit(p, ratelimit.ClassWrite); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, sessionID, domain.AccessReadWrite); err != nil {
		return nil, err
	}
	return s.store.Update(ctx, sessionID, patch)
}

// AppendMessage appends a message and publishes it to stream subscribers.
func (s *Service) AppendMessage(ctx context.Context, p domain.Principal, sessionID string, req domain.AppendMessageRequest) (*domain.Message, error) {
	if err := s.admit(p, ratelimit.ClassWrite); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, sessionID, domain.AccessReadWrite); err != nil {
		return nil, err
	}
	if err := s.consume(ctx, ratelimit.ResourceMessages, p.ID); err != nil {
		return nil, err
	}

	sess, err := s.store.AppendMessage(ctx, sessionID, req.Role, req.Content)
	if err != nil {
		return nil, err
	}
	msg := sess.Messages[len(sess.Messages)-1]
	if s.hub != nil {
		event := domain.StreamEvent{Type: "message", SessionID: sessionID, Message: msg}
		if err := s.hub.BroadcastJSON(sessionID, event); err != nil {
			s.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to publish message")
		}
	}
	return &msg, nil
}

// GetMessages returns the last n messages (all when n <= 0).
func (s *Service) GetMessages(ctx context.Context, p domain.Principal, sessionID string, n int) ([]domain.Message, error) {
	if err := s.admit(p, ratelimit.ClassRead); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, sessionID, domain.AccessRead); err != nil {
		return nil, err
	}
	return s.store.Messages(ctx, sessionID, n)
}

// ListSessions lists sessions of opts.Owner, defaulting to p. Listing
// another principal's sessions, or every session, needs an operator role.
func (s *Service) ListSessions(ctx context.Context, p domain.Principal, opts session.ListOptions) (domain.ListSessionsResponse, error) {
	if err := s.admit(p, ratelimit.ClassRead); err != nil {
		return domain.ListSessionsResponse{}, err
	}
	if opts.Owner == "" && !p.IsOperator() {
		opts.Owner = p.ID
	}
	if opts.Owner != p.ID && !p.IsOperator() {
		return domain.ListSessionsResponse{}, fmt.Errorf("%w: %s cannot list sessions of %s", domain.ErrPermissionDenied, p.ID, opts.Owner)
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return domain.ListSessionsResponse{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, opts.Status)
	}

	limit := opts.Limit
	if limit > 0 {
		opts.Limit = limit + 1
	}
	list, err := s.store.List(ctx, opts)
	if err != nil {
		return domain.ListSessionsResponse{}, err
	}
	resp := domain.ListSessionsResponse{Sessions: list}
	if limit > 0 && len(list) > limit {
		resp.Sessions = list[:limit]
		resp.HasMore = true
	}
	return resp, nil
}

// DeleteSession marks the session deleted. It requires owner level.
// Deleting a session that no longer exists succeeds.
func (s *Service) DeleteSession(ctx context.Context, p domain.Principal, sessionID string) error {
	if err := s.admit(p, ratelimit.ClassWrite); err != nil {
		return err
	}
	if err := s.authorize(ctx, p, sessionID, domain.AccessOwner); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	s.log.Info().Str("session_id", sessionID).Str("by", p.ID).Msg("session deleted")
	return nil
}

// EndSession expires the session now. The sweep removes it later.
func (s *Service) EndSession(ctx context.Context, p domain.Principal, sessionID string) (*domain.Session, error) {
	if err := s.admit(p, ratelimit.ClassWrite); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, sessionID, domain.AccessReadWrite); err != nil {
		return nil, err
	}
	sess, err := s.store.End(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("session_id", sessionID).Str("by", p.ID).Msg("session ended")
	return sess, nil
}

// ExtendSession pushes the session expiry out by hours.
func (s *Service) ExtendSession(ctx context.Context, p domain.Principal, sessionID string, hours float64) (*domain.Session, error) {
	if err := s.admit(p, ratelimit.ClassWrite); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, sessionID, domain.AccessReadWrite); err != nil {
		return nil, err
	}
	return s.store.ExtendTTL(ctx, sessionID, time.Duration(hours*float64(time.Hour)))
}

// QuotaUsage reports p's consumption of every quota in the current period.
func (s *Service) QuotaUsage(ctx context.Context, p domain.Principal) ([]ratelimit.Usage, error) {
	if err := s.admit(p, ratelimit.ClassRead); err != nil {
		return nil, err
	}
	if s.quota == nil {
		return []ratelimit.Usage{}, nil
	}
	out := make([]ratelimit.Usage, 0, 2)
	for _, resource := range []string{ratelimit.ResourceSessions, ratelimit.ResourceMessages} {
		u, err := s.quota.Usage(ctx, resource, p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// Stats returns store-wide counts. Operators only.
func (s *Service) Stats(ctx context.Context, p domain.Principal) (domain.Stats, error) {
	if err := s.admit(p, ratelimit.ClassAdmin); err != nil {
		return domain.Stats{}, err
	}
	if !p.IsOperator() {
		return domain.Stats{}, fmt.Errorf("%w: stats require an operator role", domain.ErrPermissionDenied)
	}
	return s.store.Stats(ctx)
}
