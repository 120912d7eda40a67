package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/sessiond/internal/access"
	"github.com/xiaot623/gogo/sessiond/internal/clock"
	"github.com/xiaot623/gogo/sessiond/internal/codec"
	"github.com/xiaot623/gogo/sessiond/internal/config"
	"github.com/xiaot623/gogo/sessiond/internal/domain"
	"github.com/xiaot623/gogo/sessiond/internal/hub"
	"github.com/xiaot623/gogo/sessiond/internal/lifecycle"
	"github.com/xiaot623/gogo/sessiond/internal/metrics"
	"github.com/xiaot623/gogo/sessiond/internal/ratelimit"
	"github.com/xiaot623/gogo/sessiond/internal/repository"
	"github.com/xiaot623/gogo/sessiond/internal/service"
	"github.com/xiaot623/gogo/sessiond/internal/session"
	"github.com/xiaot623/gogo/sessiond/policy"
)

type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	backend  repository.Backend
	registry *prometheus.Registry
	limiter  *ratelimit.Limiter
	hub      *hub.Hub
	service  *service.Service
}

// wireApp builds every component from cfg. The backend is created once
// and shared by the store, access controller and quota tracker.
func wireApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	clk := clock.Real()

	backend, err := repository.Open(repository.Options{
		Backend:  cfg.Backend,
		URL:      cfg.BackendURL,
		PoolSize: cfg.PoolSize,
		Clock:    clk,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}

	cd, err := codec.New(cfg.Codec)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	policyContent := policy.DefaultPolicy
	if cfg.PolicyFile != "" {
		data, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		policyContent = string(data)
	}
	engine, err := policy.NewEngine(ctx, policyContent)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("initialize policy engine: %w", err)
	}

	shareDefault, err := domain.ParseAccessLevel(cfg.ShareDefaultLevel)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("share_default_level: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	retrier := repository.NewRetrier(cfg.OpTimeout, cfg.MaxStorageAttempts, log)

	store := session.New(backend, session.Config{
		Namespace:          cfg.Namespace,
		OpTimeout:          cfg.OpTimeout,
		MaxCASRetries:      cfg.MaxCASRetries,
		MaxStorageAttempts: cfg.MaxStorageAttempts,
		ExpiryGrace:        cfg.ExpiryGrace,
	}, session.WithClock(clk), session.WithLogger(log), session.WithMetrics(m), session.WithCodec(cd))

	ac := access.New(backend, engine, access.Config{
		Namespace: cfg.Namespace,
		Retrier:   retrier,
		Codec:     cd,
		Clock:     clk,
		Log:       log,
	})

	lm := lifecycle.New(store, lifecycle.Config{
		DefaultTTL: cfg.DefaultTTL,
		Interval:   cfg.SweepInterval,
		BatchSize:  cfg.SweepBatchSize,
	}, lifecycle.WithLogger(log), lifecycle.WithMetrics(m),
		lifecycle.WithPurgeHook(func(ctx context.Context, id string) error {
			return ac.DropResource(ctx, domain.ResourceSession, id)
		}))

	limiter := ratelimit.NewLimiter(map[ratelimit.Class]int{
		ratelimit.ClassRead:  cfg.RateRead,
		ratelimit.ClassWrite: cfg.RateWrite,
		ratelimit.ClassAdmin: cfg.RateAdmin,
	}, clk)
	quota := ratelimit.NewQuota(backend, cfg.Namespace, map[string]ratelimit.QuotaRule{
		ratelimit.ResourceSessions: {Limit: cfg.QuotaSessionsPerDay, Period: ratelimit.PeriodDay},
		ratelimit.ResourceMessages: {Limit: cfg.QuotaMessagesPerDay, Period: ratelimit.PeriodDay},
	}, clk, retrier)

	h := hub.NewHub(log)

	svc := service.New(store, ac, lm,
		service.WithLimiter(limiter),
		service.WithQuota(quota),
		service.WithHub(h),
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithShareDefault(shareDefault),
	)

	return &app{
		cfg:      cfg,
		log:      log,
		backend:  backend,
		registry: reg,
		limiter:  limiter,
		hub:      h,
		service:  svc,
	}, nil
}

func (a *app) Close() error {
	return a.backend.Close()
}
