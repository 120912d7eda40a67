package helpers

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/sessiond/internal/clock"
	"github.com/xiaot623/gogo/sessiond/internal/repository"
)

// Epoch is the fixed start time used by fake clocks in tests.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func NewTestSQLiteBackend(t *testing.T, c clock.Clock) *repository.SQLiteBackend {
	t.Helper()

	b, err := repository.NewSQLiteBackend(":memory:", 1, c)
	if err != nil {
		t.Fatalf("failed to create sqlite backend: %v", err)
	}

	t.Cleanup(func() {
		_ = b.Close()
	})

	return b
}

// NewFakeClock returns a fake clock set to Epoch.
func NewFakeClock() *clock.FakeClock {
	return clock.Fake(Epoch)
}

// NewTestLogger returns a logger that writes through t.Log.
func NewTestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.WarnLevel)
}
