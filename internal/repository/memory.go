package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/gogo/sessiond/internal/clock"
)

type memoryEntry struct {
	value     []byte
	version   uint64
	expiresAt int64
}

// MemoryBackend keeps entries in a map. It is meant for tests and
// single-process deployments.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   clock.Clock
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(c clock.Clock) *MemoryBackend {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryBackend{entries: make(map[string]memoryEntry), clock: c}
}

func (m *MemoryBackend) live(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok || expired(e.expiresAt, m.clock.Now()) {
		return memoryEntry{}, false
	}
	return e, true
}

func (m *MemoryBackend) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, wrapErr("get", key, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.live(key)
	if !ok {
		return Entry{}, notFound(key)
	}
	return Entry{Key: key, Value: append([]byte(nil), e.value...), Version: e.version}, nil
}

func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("set", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, _ := m.live(key)
	m.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		version:   prev.version + 1,
		expiresAt: expiryOf(m.clock.Now(), ttl),
	}
	return nil
}

func (m *MemoryBackend) CompareAndSwap(ctx context.Context, key string, expectedVersion uint64, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, wrapErr("cas", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.live(key)
	if !ok && expectedVersion != 0 {
		return false, nil
	}
	if ok && prev.version != expectedVersion {
		return false, nil
	}
	m.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		version:   prev.version + 1,
		expiresAt: expiryOf(m.clock.Now(), ttl),
	}
	return true, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("delete", key, err)
	}
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Scan(ctx context.Context, prefix, cursor string, limit int) ([]Entry, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", wrapErr("scan", prefix, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	keys := make([]string, 0)
	for k, e := range m.entries {
		if expired(e.expiresAt, now) {
			delete(m.entries, k)
			continue
		}
		if strings.HasPrefix(k, prefix) && k > cursor {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		e := m.entries[k]
		out = append(out, Entry{Key: k, Value: append([]byte(nil), e.value...), Version: e.version})
	}
	next := ""
	if limit > 0 && len(out) == limit {
		next = out[len(out)-1].Key
	}
	return out, next, nil
}

// Close is a no-op.
func (m *MemoryBackend) Close() error { return nil }
