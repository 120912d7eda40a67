// Package session implements the durable session store: CRUD over session
// records and their append-only message logs.
//
// Every mutation of a session runs through Store.mutate, which holds a
// per-session lock for the read-modify-write cycle and commits with a
// backend compare-and-swap. Sessions with different ids never contend.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/sessiond/internal/clock"
	"github.com/xiaot623/gogo/sessiond/internal/codec"
	"github.com/xiaot623/gogo/sessiond/internal/domain"
	"github.com/xiaot623/gogo/sessiond/internal/metrics"
	"github.com/xiaot623/gogo/sessiond/internal/repository"
)

// Config tunes the store.
type Config struct {
	// Namespace prefixes every key written by the store.
	Namespace string
	// OpTimeout bounds each backend call.
	OpTimeout time.Duration
	// MaxCASRetries is the number of read-modify-write attempts before
	// ErrConflict is returned.
	MaxCASRetries int
	// MaxStorageAttempts is the number of tries for a transient storage
	// failure.
	MaxStorageAttempts int
	// ExpiryGrace, when positive, sets a backend TTL of session TTL plus
	// grace so abandoned records disappear even if no sweep runs.
	ExpiryGrace time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Namespace:          "agent:session:",
		OpTimeout:          2 * time.Second,
		MaxCASRetries:      5,
		MaxStorageAttempts: 3,
	}
}

// ListOptions filters and paginates List.
type ListOptions struct {
	Owner  string
	Status domain.SessionStatus
	Limit  int
	Offset int
}

// Record is a decoded session together with its backend version, as
// returned by Scan. Err is set when the stored bytes could not be decoded.
type Record struct {
	ID      string
	Key     string
	Version uint64
	Session *domain.Session
	Err     error
}

// Store persists sessions in a repository.Backend.
type Store struct {
	backend repository.Backend
	codec   codec.Codec
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics
	cfg     Config
	locks   *keyLocker
}

// Option customizes a Store.
type Option func(*Store)

func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(s *Store) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

func WithCodec(c codec.Codec) Option { return func(s *Store) { s.codec = c } }

// New creates a store over backend.
func New(backend repository.Backend, cfg Config, opts ...Option) *Store {
	def := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = def.MaxCASRetries
	}
	if cfg.MaxStorageAttempts <= 0 {
		cfg.MaxStorageAttempts = def.MaxStorageAttempts
	}
	s := &Store{
		backend: backend,
		codec:   codec.JSON{},
		clock:   clock.Real(),
		log:     zerolog.Nop(),
		cfg:     cfg,
		locks:   newKeyLocker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Clock returns the store's time source.
func (s *Store) Clock() clock.Clock { return s.clock }

func (s *Store) prefix() string { return s.cfg.Namespace + "session:" }

func (s *Store) key(id string) string { return s.prefix() + id }

// Create persists a new active session owned by owner. ttl of zero means
// the session never expires.
func (s *Store) Create(ctx context.Context, owner string, metadata domain.Metadata, ttl time.Duration) (sess *domain.Session, err error) {
	defer func() { s.metrics.ObserveOp("create", err) }()
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrInvalidArgument)
	}
	if ttl < 0 {
		return nil, fmt.Errorf("%w: negative ttl", domain.ErrInvalidArgument)
	}

	now := s.clock.Now().UTC()
	sess = &domain.Session{
		Owner:        owner,
		Status:       domain.SessionStatusActive,
		CreatedAt:    now,
		LastAccessAt: now,
		TTL:          ttl.Truncate(time.Second),
		Metadata:     metadata.Clone(),
		Messages:     []domain.Message{},
	}

	for attempt := 0; attempt < s.cfg.MaxCASRetries; attempt++ {
		sess.ID = "sess_" + uuid.New().String()
		data, err := s.codec.EncodeSession(sess)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
		}
		created, err := s.compareAndSwap(ctx, s.key(sess.ID), 0, data, s.backendTTL(sess, now))
		if err != nil {
			return nil, err
		}
		if created {
			return s.snapshot(sess.ID, data)
		}
		s.metrics.CASRetry()
	}
	return nil, fmt.Errorf("%w: could not allocate a session id", domain.ErrConflict)
}

// Get returns a snapshot of the session. Expired and deleted sessions are
// reported as not found.
func (s *Store) Get(ctx context.Context, id string) (sess *domain.Session, err error) {
	defer func() { s.metrics.ObserveOp("get", err) }()
	sess, _, err = s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireActive(sess, s.clock.Now()); err != nil {
		return nil, err
	}
	return sess, nil
}

// Update merges patch into the session metadata at key level and refreshes
// LastAccessAt.
func (s *Store) Update(ctx context.Context, id string, patch domain.Metadata) (sess *domain.Session, err error) {
	defer func() { s.metrics.ObserveOp("update", err) }()
	return s.mutate(ctx, id, func(sess *domain.Session, now time.Time) (bool, error) {
		if err := requireActive(sess, now); err != nil {
			return false, err
		}
		if sess.Metadata == nil {
			sess.Metadata = domain.Metadata{}
		}
		sess.Metadata.Merge(patch)
		sess.LastAccessAt = now
		return true, nil
	})
}

// AppendMessage appends a message to the session log and returns the
// post-append snapshot; the new message is its last element. Sequence
// numbers are strictly increasing and timestamps never go backwards.
func (s *Store) AppendMessage(ctx context.Context, id string, role domain.MessageRole, content string) (sess *domain.Session, err error) {
	defer func() { s.metrics.ObserveOp("append", err) }()
	if !role.Valid() {
		return nil, fmt.Errorf("%w: invalid role %q", domain.ErrInvalidArgument, role)
	}
	return s.mutate(ctx, id, func(sess *domain.Session, now time.Time) (bool, error) {
		if err := requireActive(sess, now); err != nil {
			return false, err
		}
		ts := now
		if n := len(sess.Messages); n > 0 && ts.Before(sess.Messages[n-1].Timestamp) {
			ts = sess.Messages[n-1].Timestamp
		}
		sess.Messages = append(sess.Messages, domain.Message{
			Seq:       sess.LastSeq() + 1,
			Role:      role,
			Content:   content,
			Timestamp: ts,
		})
		sess.LastAccessAt = now
		return true, nil
	})
}

// ExtendTTL pushes the expiry of an active session out by extra. A session
// without a TTL gets one that ends extra from now.
func (s *Store) ExtendTTL(ctx context.Context, id string, extra time.Duration) (sess *domain.Session, err error) {
	defer func() { s.metrics.ObserveOp("extend", err) }()
	if extra <= 0 {
		return nil, fmt.Errorf("%w: extension must be positive", domain.ErrInvalidArgument)
	}
	return s.mutate(ctx, id, func(sess *domain.Session, now time.Time) (bool, error) {
		if err := requireActive(sess, now); err != nil {
			return false, err
		}
		if sess.TTL > 0 {
			sess.TTL += extra
		} else {
			sess.TTL = now.Sub(sess.CreatedAt) + extra
		}
		sess.TTL = sess.TTL.Truncate(time.Second)
		sess.LastAccessAt = now
		return true, nil
	})
}

// End expires an active session now. The session keeps its record until
// the next sweep removes it, like any other expired session.
func (s *Store) End(ctx context.Context, id string) (sess *domain.Session, err error) {
	defer func() { s.metrics.ObserveOp("end", err) }()
	return s.mutate(ctx, id, func(sess *domain.Session, now time.Time) (bool, error) {
		if err := requireActive(sess, now); err != nil {
			return false, err
		}
		sess.Status = domain.SessionStatusExpired
		sess.TTL = now.Sub(sess.CreatedAt).Truncate(time.Second)
		sess.LastAccessAt = now
		return true, nil
	})
}

// Delete marks the session deleted. Deleting an absent or already deleted
// session is a no-op. Records are physically removed by the sweep.
func (s *Store) Delete(ctx context.Context, id string) (err error) {
	defer func() { s.metrics.ObserveOp("delete", err) }()
	_, err = s.mutate(ctx, id, func(sess *domain.Session, now time.Time) (bool, error) {
		if sess.Status == domain.SessionStatusDeleted {
			return false, nil
		}
		sess.Status = domain.SessionStatusDeleted
		sess.LastAccessAt = now
		return true, nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// Messages returns the last n messages of the session, or all of them when
// n <= 0.
func (s *Store) Messages(ctx context.Context, id string, n int) ([]domain.Message, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs := sess.Messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

// List returns session summaries ordered by LastAccessAt, most recent
// first. The status filter applies to the effective status; without one,
// deleted sessions are omitted.
func (s *Store) List(ctx context.Context, opts ListOptions) (out []domain.Summary, err error) {
	defer func() { s.metrics.ObserveOp("list", err) }()
	now := s.clock.Now()
	var matched []*domain.Session
	err = s.each(ctx, func(rec Record) error {
		if rec.Err != nil {
			s.log.Warn().Err(rec.Err).Str("session_id", rec.ID).Msg("skipping unreadable session record")
			return nil
		}
		sess := rec.Session
		if opts.Owner != "" && sess.Owner != opts.Owner {
			return nil
		}
		status := sess.EffectiveStatus(now)
		if opts.Status != "" {
			if status != opts.Status {
				return nil
			}
		} else if status == domain.SessionStatusDeleted {
			return nil
		}
		matched = append(matched, sess)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.LastAccessAt.Equal(b.LastAccessAt) {
			return a.LastAccessAt.After(b.LastAccessAt)
		}
		return a.ID < b.ID
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out = make([]domain.Summary, 0, len(matched))
	for _, sess := range matched {
		out = append(out, sess.Summarize(now))
	}
	return out, nil
}

// Stats counts stored sessions by effective status.
func (s *Store) Stats(ctx context.Context) (domain.Stats, error) {
	now := s.clock.Now()
	stats := domain.Stats{ByStatus: map[domain.SessionStatus]int{}}
	err := s.each(ctx, func(rec Record) error {
		if rec.Err != nil {
			return nil
		}
		stats.Total++
		stats.ByStatus[rec.Session.EffectiveStatus(now)]++
		stats.TotalMessages += len(rec.Session.Messages)
		return nil
	})
	if err != nil {
		return domain.Stats{}, err
	}
	return stats, nil
}

// Scan returns one batch of raw session records, including expired and
// deleted ones. An empty next cursor ends the scan.
func (s *Store) Scan(ctx context.Context, cursor string, limit int) ([]Record, string, error) {
	var (
		entries []repository.Entry
		next    string
	)
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		entries, next, err = s.backend.Scan(ctx, s.prefix(), cursor, limit)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		rec := Record{ID: strings.TrimPrefix(e.Key, s.prefix()), Key: e.Key, Version: e.Version}
		rec.Session, rec.Err = s.codec.DecodeSession(e.Value)
		records = append(records, rec)
	}
	return records, next, nil
}

// MarkExpired flips an active, TTL-elapsed record to expired, provided it
// is still at version. It reports false when the record changed meanwhile
// or is no longer due.
func (s *Store) MarkExpired(ctx context.Context, rec Record) (bool, error) {
	unlock := s.locks.Lock(rec.ID)
	defer unlock()

	now := s.clock.Now()
	if rec.Session == nil || rec.Session.Status != domain.SessionStatusActive ||
		rec.Session.EffectiveStatus(now) != domain.SessionStatusExpired {
		return false, nil
	}
	next := rec.Session.Clone()
	next.Status = domain.SessionStatusExpired
	data, err := s.codec.EncodeSession(next)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return s.compareAndSwap(ctx, rec.Key, rec.Version, data, s.backendTTL(next, now))
}

// Purge physically removes a session record.
func (s *Store) Purge(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.retry(ctx, func(ctx context.Context) error {
		return s.backend.Delete(ctx, s.key(id))
	})
}

// mutate runs fn on a fresh copy of the session and commits the result
// with compare-and-swap, retrying on version conflicts. fn reports whether
// it changed anything; an unchanged session is not written back.
func (s *Store) mutate(ctx context.Context, id string, fn func(sess *domain.Session, now time.Time) (bool, error)) (*domain.Session, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	for attempt := 0; attempt < s.cfg.MaxCASRetries; attempt++ {
		sess, version, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now().UTC()
		changed, err := fn(sess, now)
		if err != nil {
			return nil, err
		}
		if !changed {
			return sess, nil
		}

		data, err := s.codec.EncodeSession(sess)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
		}
		ok, err := s.compareAndSwap(ctx, s.key(id), version, data, s.backendTTL(sess, now))
		if err != nil {
			return nil, err
		}
		if ok {
			return s.snapshot(id, data)
		}
		s.metrics.CASRetry()
		s.log.Debug().Str("session_id", id).Int("attempt", attempt+1).Msg("session version changed, retrying")
	}
	return nil, fmt.Errorf("%w: session %s changed concurrently", domain.ErrConflict, id)
}

// load reads and decodes the record for id.
func (s *Store) load(ctx context.Context, id string) (*domain.Session, uint64, error) {
	if id == "" {
		return nil, 0, fmt.Errorf("%w: session %q", domain.ErrNotFound, id)
	}
	var entry repository.Entry
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		entry, err = s.backend.Get(ctx, s.key(id))
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, 0, fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
		}
		return nil, 0, err
	}
	sess, err := s.codec.DecodeSession(entry.Value)
	if err != nil {
		return nil, 0, fmt.Errorf("session %s: %w", id, err)
	}
	return sess, entry.Version, nil
}

// compareAndSwap writes data at key if the stored version is still
// version. A failed attempt may have committed before its reply was lost,
// so every retry first checks whether the previous write landed. When the
// key has moved on and the outcome cannot be told, ErrStorageTimeout is
// returned instead of retrying or reporting a conflict.
func (s *Store) compareAndSwap(ctx context.Context, key string, version uint64, data []byte, ttl time.Duration) (bool, error) {
	var (
		ok        bool
		ambiguous bool
		unknown   bool
	)
	err := s.retry(ctx, func(ctx context.Context) error {
		if ambiguous {
			state, err := s.inspectWrite(ctx, key, version, data)
			if err != nil {
				return err
			}
			switch state {
			case writeCommitted:
				ok = true
				return nil
			case writeLost:
				ok = false
				return nil
			case writeUnknown:
				unknown = true
				return nil
			}
		}
		var err error
		ok, err = s.backend.CompareAndSwap(ctx, key, version, data, ttl)
		if err != nil {
			ambiguous = true
		}
		return err
	})
	if err != nil {
		return false, err
	}
	if unknown {
		s.log.Warn().Str("key", key).Uint64("version", version).Msg("outcome of interrupted write is unknown")
		return false, fmt.Errorf("%w: outcome of write to %s unknown", domain.ErrStorageTimeout, key)
	}
	return ok, nil
}

type writeState int

const (
	// writePending: the key is still at the expected version.
	writePending writeState = iota
	writeCommitted
	// writeLost: the record is gone, so the write cannot have survived.
	writeLost
	writeUnknown
)

// inspectWrite inspects key after an interrupted compare-and-swap.
func (s *Store) inspectWrite(ctx context.Context, key string, version uint64, data []byte) (writeState, error) {
	entry, err := s.backend.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		if version == 0 {
			return writePending, nil
		}
		return writeLost, nil
	}
	if err != nil {
		return writeUnknown, err
	}
	switch {
	case entry.Version == version+1 && bytes.Equal(entry.Value, data):
		return writeCommitted, nil
	case version != 0 && entry.Version == version:
		return writePending, nil
	}
	return writeUnknown, nil
}

// snapshot decodes the bytes just written, so callers see exactly what a
// later Get returns.
func (s *Store) snapshot(id string, data []byte) (*domain.Session, error) {
	sess, err := s.codec.DecodeSession(data)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return sess, nil
}

// each visits every session record in batches. Backends may return a key
// more than once during a scan; each key is visited once.
func (s *Store) each(ctx context.Context, fn func(Record) error) error {
	cursor := ""
	seen := make(map[string]struct{})
	for {
		recs, next, err := s.Scan(ctx, cursor, 100)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if _, dup := seen[rec.Key]; dup {
				continue
			}
			seen[rec.Key] = struct{}{}
			if err := fn(rec); err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

func (s *Store) retry(ctx context.Context, op func(ctx context.Context) error) error {
	return repository.Retrier{OpTimeout: s.cfg.OpTimeout, Attempts: s.cfg.MaxStorageAttempts, Log: s.log}.Do(ctx, op)
}

// backendTTL is the safety-net TTL handed to the backend.
func (s *Store) backendTTL(sess *domain.Session, now time.Time) time.Duration {
	if s.cfg.ExpiryGrace <= 0 || sess.TTL <= 0 {
		return 0
	}
	remaining := sess.ExpiresAt().Add(s.cfg.ExpiryGrace).Sub(now)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

func requireActive(sess *domain.Session, now time.Time) error {
	if sess.EffectiveStatus(now) != domain.SessionStatusActive {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, sess.ID)
	}
	return nil
}
