// Package repository provides the key-value storage backends that hold
// session records, ACL entries and quota counters.
package repository

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/xiaot623/gogo/sessiond/internal/clock"
	"github.com/xiaot623/gogo/sessiond/internal/domain"
)

// Entry is a stored value together with its version. Versions start at 1
// and grow on every write to the key.
type Entry struct {
	Key     string
	Value   []byte
	Version uint64
}

// Backend is a versioned key-value store.
//
// Get returns an error wrapping domain.ErrNotFound for absent or expired
// keys. CompareAndSwap writes value only when the stored version equals
// expectedVersion; an expectedVersion of 0 means "create if absent". A ttl
// of zero keeps the entry until it is deleted. Scan walks keys with the
// given prefix; an empty next cursor means the scan is complete.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	CompareAndSwap(ctx context.Context, key string, expectedVersion uint64, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix, cursor string, limit int) ([]Entry, string, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

// Options configures Open.
type Options struct {
	Backend  string
	URL      string
	PoolSize int
	Clock    clock.Clock
}

// Open creates the backend named by opts.Backend.
func Open(opts Options) (Backend, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 10
	}
	switch strings.ToLower(opts.Backend) {
	case BackendMemory:
		return NewMemoryBackend(opts.Clock), nil
	case "", BackendSQLite:
		dsn := opts.URL
		if dsn == "" {
			dsn = "sessiond.db"
		}
		return NewSQLiteBackend(dsn, opts.PoolSize, opts.Clock)
	case BackendBolt:
		path := opts.URL
		if path == "" {
			path = "sessiond.bolt"
		}
		return NewBoltBackend(path, opts.Clock)
	case BackendRedis:
		url := opts.URL
		if url == "" {
			url = "redis://localhost:6379/0"
		}
		return NewRedisBackend(url, opts.PoolSize)
	}
	return nil, fmt.Errorf("%w: unknown backend %q", domain.ErrInvalidArgument, opts.Backend)
}

// notFound builds the error returned for an absent key.
func notFound(key string) error {
	return fmt.Errorf("%w: key %s", domain.ErrNotFound, key)
}

// wrapErr classifies a driver error: deadlines become ErrStorageTimeout,
// caller cancellation passes through, everything else is ErrStorage.
func wrapErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrStorageTimeout, op, key, err)
	}
	return fmt.Errorf("%w: %s %s: %v", domain.ErrStorage, op, key, err)
}

// expiryOf returns the absolute expiry for ttl, or zero for no expiry.
func expiryOf(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixNano()
}

func expired(expiresAt int64, now time.Time) bool {
	return expiresAt != 0 && expiresAt <= now.UnixNano()
}
