package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/xiaot623/gogo/sessiond/internal/clock"
	"github.com/xiaot623/gogo/sessiond/internal/domain"
	"github.com/xiaot623/gogo/sessiond/internal/repository"
)

// Period is the window a quota counter covers.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

// Quota resources.
const (
	ResourceSessions = "sessions"
	ResourceMessages = "messages"
)

// QuotaRule caps usage of a resource per period. A non-positive limit
// disables the quota.
type QuotaRule struct {
	Limit  int64
	Period Period
}

// DefaultQuotas are applied to every principal.
var DefaultQuotas = map[string]QuotaRule{
	ResourceSessions: {Limit: 100, Period: PeriodDay},
	ResourceMessages: {Limit: 5000, Period: PeriodDay},
}

// Usage reports consumption within the current period.
type Usage struct {
	Resource string    `json:"resource"`
	Used     int64     `json:"used"`
	Limit    int64     `json:"limit"`
	ResetAt  time.Time `json:"reset_at"`
}

// Quota keeps usage counters in a backend so all replicas share them.
type Quota struct {
	backend   repository.Backend
	rules     map[string]QuotaRule
	clock     clock.Clock
	retrier   repository.Retrier
	namespace string
	maxCAS    int
}

// NewQuota creates a quota tracker. Resources missing from rules use
// DefaultQuotas.
func NewQuota(backend repository.Backend, namespace string, rules map[string]QuotaRule, c clock.Clock, retrier repository.Retrier) *Quota {
	if c == nil {
		c = clock.Real()
	}
	merged := make(map[string]QuotaRule, len(DefaultQuotas))
	for k, v := range DefaultQuotas {
		merged[k] = v
	}
	for k, v := range rules {
		merged[k] = v
	}
	return &Quota{
		backend:   backend,
		rules:     merged,
		clock:     c,
		retrier:   retrier,
		namespace: namespace,
		maxCAS:    8,
	}
}

// window returns the period label and the instant the period ends.
func window(p Period, now time.Time) (string, time.Time) {
	now = now.UTC()
	if p == PeriodMonth {
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start.Format("2006-01"), start.AddDate(0, 1, 0)
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start.Format("2006-01-02"), start.AddDate(0, 0, 1)
}

func (q *Quota) key(resource, principalID, label string) string {
	return fmt.Sprintf("%squota:%s:%s:%s", q.namespace, resource, principalID, label)
}

// Consume adds n to principalID's usage of resource, or fails with
// ErrQuotaExceeded without consuming anything.
func (q *Quota) Consume(ctx context.Context, resource, principalID string, n int64) error {
	rule, ok := q.rules[resource]
	if !ok || rule.Limit <= 0 || n <= 0 {
		return nil
	}
	now := q.clock.Now()
	label, resetAt := window(rule.Period, now)
	key := q.key(resource, principalID, label)
	ttl := resetAt.Sub(now) + time.Hour

	for attempt := 0; attempt < q.maxCAS; attempt++ {
		used, version, err := q.read(ctx, key)
		if err != nil {
			return err
		}
		if used+n > rule.Limit {
			return fmt.Errorf("%w: %s for %s (%d/%d per %s)", domain.ErrQuotaExceeded, resource, principalID, used, rule.Limit, rule.Period)
		}
		var swapped bool
		value := []byte(strconv.FormatInt(used+n, 10))
		err = q.retrier.Do(ctx, func(ctx context.Context) error {
			var err error
			swapped, err = q.backend.CompareAndSwap(ctx, key, version, value, ttl)
			return err
		})
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return fmt.Errorf("%w: quota counter %s", domain.ErrConflict, key)
}

// Usage reports principalID's consumption of resource in the current
// period.
func (q *Quota) Usage(ctx context.Context, resource, principalID string) (Usage, error) {
	rule := q.rules[resource]
	label, resetAt := window(rule.Period, q.clock.Now())
	used, _, err := q.read(ctx, q.key(resource, principalID, label))
	if err != nil {
		return Usage{}, err
	}
	return Usage{Resource: resource, Used: used, Limit: rule.Limit, ResetAt: resetAt}, nil
}

func (q *Quota) read(ctx context.Context, key string) (int64, uint64, error) {
	var entry repository.Entry
	err := q.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		entry, err = q.backend.Get(ctx, key)
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	used, err := strconv.ParseInt(string(entry.Value), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: quota counter %s: %v", domain.ErrStorage, key, err)
	}
	return used, entry.Version, nil
}
