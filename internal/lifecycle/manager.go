// Package lifecycle assigns session TTLs and sweeps expired and deleted
// sessions out of storage.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/sessiond/internal/clock"
	"github.com/xiaot623/gogo/sessiond/internal/domain"
	"github.com/xiaot623/gogo/sessiond/internal/metrics"
	"github.com/xiaot623/gogo/sessiond/internal/session"
)

const (
	DefaultTTL       = 24 * time.Hour
	DefaultInterval  = time.Hour
	DefaultBatchSize = 100
)

// Config tunes the manager.
type Config struct {
	DefaultTTL time.Duration
	Interval   time.Duration
	BatchSize  int
}

// RecordError is a per-record sweep failure.
type RecordError struct {
	SessionID string
	Err       error
}

func (e RecordError) Error() string { return fmt.Sprintf("session %s: %v", e.SessionID, e.Err) }

func (e RecordError) Unwrap() error { return e.Err }

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Scanned int
	// Removed counts expired sessions removed by this pass.
	Removed int
	// Purged counts previously deleted sessions removed by this pass.
	Purged int
	Errors []RecordError
}

// PurgeHook is called after a session record has been physically removed.
type PurgeHook func(ctx context.Context, sessionID string) error

// Manager applies TTL policy to sessions held in a session.Store.
type Manager struct {
	store   *session.Store
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics
	cfg     Config
	onPurge PurgeHook
}

// Option customizes a Manager.
type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.log = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithPurgeHook registers fn to run after each removed record, e.g. to drop
// the session's ACL entries.
func WithPurgeHook(fn PurgeHook) Option { return func(m *Manager) { m.onPurge = fn } }

// New creates a manager over store. It uses the store's clock.
func New(store *session.Store, cfg Config, opts ...Option) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	m := &Manager{store: store, clock: store.Clock(), log: zerolog.Nop(), cfg: cfg}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AssignTTL sets the session to expire ttlHours from now. A non-positive
// ttlHours uses the configured default.
func (m *Manager) AssignTTL(sess *domain.Session, ttlHours float64) {
	ttl := m.cfg.DefaultTTL
	if ttlHours > 0 {
		ttl = time.Duration(ttlHours * float64(time.Hour))
	}
	base := sess.CreatedAt
	if base.IsZero() {
		base = m.clock.Now()
	}
	// The TTL is measured from CreatedAt, so add the time already elapsed.
	sess.TTL = (m.clock.Now().Sub(base) + ttl).Truncate(time.Second)
}

// TTLFor returns the TTL for a new session given the requested hours.
func (m *Manager) TTLFor(ttlHours float64) time.Duration {
	if ttlHours > 0 {
		return time.Duration(ttlHours * float64(time.Hour)).Truncate(time.Second)
	}
	return m.cfg.DefaultTTL
}

// IsExpired reports whether sess has outlived its TTL at now.
func IsExpired(sess *domain.Session, now time.Time) bool {
	return sess.TTL > 0 && !now.Before(sess.CreatedAt.Add(sess.TTL))
}

// Sweep walks all sessions in batches, marks and removes the expired ones,
// and removes sessions already marked deleted. Failures on single records
// are collected and logged; they never abort the pass. The returned error
// is set only when the scan itself fails.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	started := time.Now()
	var res SweepResult
	defer func() {
		m.metrics.ObserveSweep(res.Removed, res.Purged, len(res.Errors), time.Since(started))
	}()

	cursor := ""
	seen := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch, next, err := m.store.Scan(ctx, cursor, m.cfg.BatchSize)
		if err != nil {
			return res, fmt.Errorf("sweep scan: %w", err)
		}
		for _, rec := range batch {
			if _, dup := seen[rec.Key]; dup {
				continue
			}
			seen[rec.Key] = struct{}{}
			res.Scanned++
			m.sweepRecord(ctx, rec, &res)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if res.Removed > 0 || res.Purged > 0 || len(res.Errors) > 0 {
		m.log.Info().
			Int("scanned", res.Scanned).
			Int("removed", res.Removed).
			Int("purged", res.Purged).
			Int("errors", len(res.Errors)).
			Dur("took", time.Since(started)).
			Msg("session sweep finished")
	}
	return res, nil
}

func (m *Manager) sweepRecord(ctx context.Context, rec session.Record, res *SweepResult) {
	fail := func(err error) {
		m.log.Warn().Err(err).Str("session_id", rec.ID).Msg("session sweep failed for record")
		res.Errors = append(res.Errors, RecordError{SessionID: rec.ID, Err: err})
	}
	if rec.Err != nil {
		fail(rec.Err)
		return
	}

	sess := rec.Session
	now := m.clock.Now()
	switch {
	case sess.Status == domain.SessionStatusActive && IsExpired(sess, now):
		marked, err := m.store.MarkExpired(ctx, rec)
		if err != nil {
			fail(err)
			return
		}
		if !marked {
			// Changed since the scan; the next pass will look again.
			return
		}
		if err := m.purge(ctx, rec.ID); err != nil {
			fail(err)
			return
		}
		res.Removed++
	case sess.Status == domain.SessionStatusExpired:
		// Marked by an earlier pass whose removal failed.
		if err := m.purge(ctx, rec.ID); err != nil {
			fail(err)
			return
		}
		res.Removed++
	case sess.Status == domain.SessionStatusDeleted:
		if err := m.purge(ctx, rec.ID); err != nil {
			fail(err)
			return
		}
		res.Purged++
	}
}

func (m *Manager) purge(ctx context.Context, id string) error {
	if err := m.store.Purge(ctx, id); err != nil {
		return err
	}
	if m.onPurge != nil {
		if err := m.onPurge(ctx, id); err != nil {
			return fmt.Errorf("purge hook: %w", err)
		}
	}
	return nil
}

// Run sweeps on every tick of the configured interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn().Err(err).Msg("session sweep failed")
			}
		}
	}
}
