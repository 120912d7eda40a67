// Package service is the principal-aware facade over the session store,
// access controller and lifecycle manager. Every call is rate limited,
// checked against quotas and authorized before it reaches storage.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/sessiond/internal/access"
	"github.com/xiaot623/gogo/sessiond/internal/domain"
	"github.com/xiaot623/gogo/sessiond/internal/hub"
	"github.com/xiaot623/gogo/sessiond/internal/lifecycle"
	"github.com/xiaot623/gogo/sessiond/internal/metrics"
	"github.com/xiaot623/gogo/sessiond/internal/ratelimit"
	"github.com/xiaot623/gogo/sessiond/internal/session"
)

type Service struct {
	store     *session.Store
	access    *access.Controller
	lifecycle *lifecycle.Manager
	limiter   *ratelimit.Limiter
	quota     *ratelimit.Quota
	hub       *hub.Hub
	log       zerolog.Logger
	metrics   *metrics.Metrics

	shareDefault domain.AccessLevel
}

// Option customizes a Service.
type Option func(*Service)

// WithLimiter enables per-principal rate limiting.
func WithLimiter(l *ratelimit.Limiter) Option { return func(s *Service) { s.limiter = l } }

// WithQuota enables usage quotas.
func WithQuota(q *ratelimit.Quota) Option { return func(s *Service) { s.quota = q } }

// WithHub publishes appended messages to websocket subscribers.
func WithHub(h *hub.Hub) Option { return func(s *Service) { s.hub = h } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithShareDefault sets the level ShareSession grants when none is given.
func WithShareDefault(level domain.AccessLevel) Option {
	return func(s *Service) { s.shareDefault = level }
}

func New(store *session.Store, ac *access.Controller, lm *lifecycle.Manager, opts ...Option) *Service {
	s := &Service{
		store:        store,
		access:       ac,
		lifecycle:    lm,
		log:          zerolog.Nop(),
		shareDefault: domain.AccessRead,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying session store.
func (s *Service) Store() *session.Store { return s.store }

// Lifecycle returns the lifecycle manager.
func (s *Service) Lifecycle() *lifecycle.Manager { return s.lifecycle }

// Hub returns the websocket hub, or nil.
func (s *Service) Hub() *hub.Hub { return s.hub }

// admit applies the rate limit for class and validates the principal.
func (s *Service) admit(p domain.Principal, class ratelimit.Class) error {
	if p.ID == "" {
		return fmt.Errorf("%w: principal id is required", domain.ErrInvalidArgument)
	}
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Check(class, p.ID); err != nil {
		s.metrics.Rejected("rate_limit")
		return err
	}
	return nil
}

func (s *Service) consume(ctx context.Context, resource, principalID string) error {
	if s.quota == nil {
		return nil
	}
	if err := s.quota.Consume(ctx, resource, principalID, 1); err != nil {
		s.metrics.Rejected("quota")
		return err
	}
	return nil
}

// authorize fails with ErrPermissionDenied unless p holds required on the
// session. A session without an owner record does not exist, so it is
// reported as ErrNotFound instead.
func (s *Service) authorize(ctx context.Context, p domain.Principal, sessionID string, required domain.AccessLevel) error {
	ok, err := s.access.Check(ctx, p, domain.ResourceSession, sessionID, required)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := s.access.Owner(ctx, domain.ResourceSession, sessionID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
		}
		return err
	}
	return fmt.Errorf("%w: %s needs %s on session %s", domain.ErrPermissionDenied, p.ID, required, sessionID)
}

// Sweep runs one lifecycle sweep.
func (s *Service) Sweep(ctx context.Context) (lifecycle.SweepResult, error) {
	return s.lifecycle.Sweep(ctx)
}
