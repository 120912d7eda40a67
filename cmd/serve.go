package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/sessiond/internal/config"
	"github.com/xiaot623/gogo/sessiond/internal/logging"
	httptransport "github.com/xiaot623/gogo/sessiond/internal/transport/http"
	"github.com/xiaot623/gogo/sessiond/internal/transport/rpc"
)

const (
	shutdownTimeout = 10 * time.Second
	// idle rate-limit buckets are dropped after this long
	limiterIdle = 10 * time.Minute
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and JSON-RPC servers and the sweep loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Int("http_port", cfg.HTTPPort).
		Int("rpc_port", cfg.RPCPort).
		Str("backend", cfg.Backend).
		Str("codec", cfg.Codec).
		Msg("starting sessiond")

	a, err := wireApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	httpServer := httptransport.NewServer(a.service, a.registry, log)
	rpcServer, err := rpc.NewServer(a.service, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		log.Info().Str("addr", addr).Msg("http server listening")
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.RPCPort > 0 {
		g.Go(func() error {
			addr := fmt.Sprintf(":%d", cfg.RPCPort)
			log.Info().Str("addr", addr).Msg("rpc server listening")
			if err := rpcServer.Start(addr); err != nil {
				return fmt.Errorf("rpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.service.Lifecycle().Run(ctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(limiterIdle)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				a.limiter.Prune(limiterIdle)
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down sessiond")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("failed to shutdown http server gracefully")
		}
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("failed to shutdown rpc server gracefully")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("sessiond stopped")
	return err
}
