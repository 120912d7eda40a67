package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/sessiond/internal/domain"
)

// Retrier runs backend calls under a per-attempt timeout and retries
// transient storage failures with bounded exponential backoff.
type Retrier struct {
	OpTimeout time.Duration
	Attempts  int
	Log       zerolog.Logger
}

// NewRetrier returns a Retrier; non-positive arguments fall back to 2s and
// 3 attempts.
func NewRetrier(opTimeout time.Duration, attempts int, log zerolog.Logger) Retrier {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	if attempts <= 0 {
		attempts = 3
	}
	return Retrier{OpTimeout: opTimeout, Attempts: attempts, Log: log}
}

// Do runs op until it succeeds, fails permanently, or attempts run out.
// Exhausted retries surface as ErrStorage wrapping the last cause.
// NotFound and cancellation are never retried.
func (r Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	timeout, attempts := r.OpTimeout, r.Attempts
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if attempts <= 0 {
		attempts = 1
	}

	tries := 0
	operation := func() error {
		tries++
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := op(opCtx)
		if err == nil {
			return nil
		}
		if !domain.IsRetryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)

	err := backoff.Retry(operation, b)
	if err == nil {
		return nil
	}
	if domain.IsRetryable(err) && tries >= attempts {
		r.Log.Warn().Err(err).Int("attempts", tries).Msg("storage operation failed")
		if errors.Is(err, domain.ErrStorage) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrStorage, err)
	}
	return err
}
