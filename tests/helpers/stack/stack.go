// Package stack wires a complete service for transport and facade tests.
package stack

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xiaot623/gogo/sessiond/internal/access"
	"github.com/xiaot623/gogo/sessiond/internal/clock"
	"github.com/xiaot623/gogo/sessiond/internal/domain"
	"github.com/xiaot623/gogo/sessiond/internal/lifecycle"
	"github.com/xiaot623/gogo/sessiond/internal/metrics"
	"github.com/xiaot623/gogo/sessiond/internal/repository"
	"github.com/xiaot623/gogo/sessiond/internal/service"
	"github.com/xiaot623/gogo/sessiond/internal/session"
	"github.com/xiaot623/gogo/sessiond/policy"
	"github.com/xiaot623/gogo/sessiond/tests/helpers"
)

// Stack bundles a fully wired service over an in-memory backend.
type Stack struct {
	Service   *service.Service
	Store     *session.Store
	Access    *access.Controller
	Lifecycle *lifecycle.Manager
	Backend   *repository.MemoryBackend
	Clock     *clock.FakeClock
	Registry  *prometheus.Registry
}

// New wires a service with the default policy. extra receives the
// stack's clock and backend so options like rate limiters can share them.
func New(t *testing.T, extra func(st *Stack) []service.Option) *Stack {
	t.Helper()

	fc := helpers.NewFakeClock()
	backend := repository.NewMemoryBackend(fc)
	log := helpers.NewTestLogger(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("failed to compile policy: %v", err)
	}
	ac := access.New(backend, engine, access.Config{Clock: fc, Log: log})
	store := session.New(backend, session.DefaultConfig(), session.WithClock(fc), session.WithLogger(log), session.WithMetrics(m))
	lm := lifecycle.New(store, lifecycle.Config{}, lifecycle.WithLogger(log), lifecycle.WithMetrics(m),
		lifecycle.WithPurgeHook(func(ctx context.Context, id string) error {
			return ac.DropResource(ctx, domain.ResourceSession, id)
		}))

	st := &Stack{Store: store, Access: ac, Lifecycle: lm, Backend: backend, Clock: fc, Registry: reg}
	opts := []service.Option{service.WithLogger(log), service.WithMetrics(m)}
	if extra != nil {
		opts = append(opts, extra(st)...)
	}
	st.Service = service.New(store, ac, lm, opts...)
	return st
}
