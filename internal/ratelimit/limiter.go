// Package ratelimit throttles principals with per-class token buckets and
// enforces per-period usage quotas.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xiaot623/gogo/sessiond/internal/clock"
	"github.com/xiaot623/gogo/sessiond/internal/domain"
)

// Class groups operations that share a rate limit.
type Class string

const (
	ClassRead  Class = "read"
	ClassWrite Class = "write"
	ClassAdmin Class = "admin"
)

// DefaultLimits are requests per minute for each class.
var DefaultLimits = map[Class]int{
	ClassRead:  120,
	ClassWrite: 60,
	ClassAdmin: 20,
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per (class, principal). A class with a
// non-positive limit is unlimited.
type Limiter struct {
	mu      sync.Mutex
	limits  map[Class]int
	buckets map[string]*bucket
	clock   clock.Clock
}

// NewLimiter creates a limiter. Classes missing from perMinute use
// DefaultLimits.
func NewLimiter(perMinute map[Class]int, c clock.Clock) *Limiter {
	if c == nil {
		c = clock.Real()
	}
	limits := make(map[Class]int, len(DefaultLimits))
	for k, v := range DefaultLimits {
		limits[k] = v
	}
	for k, v := range perMinute {
		limits[k] = v
	}
	return &Limiter{limits: limits, buckets: make(map[string]*bucket), clock: c}
}

// Allow consumes one token for principalID in class and reports whether
// the request may proceed.
func (l *Limiter) Allow(class Class, principalID string) bool {
	perMinute, ok := l.limits[class]
	if !ok || perMinute <= 0 {
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	key := string(class) + ":" + principalID
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// Check is Allow returning ErrRateLimited on denial.
func (l *Limiter) Check(class Class, principalID string) error {
	if l.Allow(class, principalID) {
		return nil
	}
	return fmt.Errorf("%w: %s requests for %s", domain.ErrRateLimited, class, principalID)
}

// Prune drops buckets not used within idle and returns how many were
// removed.
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := l.clock.Now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
