package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/sessiond/internal/clock"
)

// SQLiteBackend implements Backend using SQLite.
type SQLiteBackend struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLiteBackend opens (and migrates) the database at dsn. poolSize caps
// the number of open connections.
func NewSQLiteBackend(dsn string, poolSize int, c clock.Clock) (*SQLiteBackend, error) {
	if c == nil {
		c = clock.Real()
	}
	inMemory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if !inMemory && !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if inMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else if poolSize > 0 {
		db.SetMaxOpenConns(poolSize)
		db.SetMaxIdleConns(poolSize)
	}

	b := &SQLiteBackend{db: db, clock: c}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return b, nil
}

// migrate runs database migrations.
func (b *SQLiteBackend) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			expires_at INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at)`,
	}
	for _, m := range migrations {
		if _, err := b.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) (Entry, error) {
	e := Entry{Key: key}
	err := b.db.QueryRowContext(ctx,
		`SELECT value, version FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, b.clock.Now().UnixNano()).Scan(&e.Value, &e.Version)
	if err == sql.ErrNoRows {
		return Entry{}, notFound(key)
	}
	if err != nil {
		return Entry{}, wrapErr("get", key, err)
	}
	return e, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := b.clock.Now()
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, version, expires_at, updated_at) VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			version = kv.version + 1,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		key, value, expiryOf(now, ttl), now.UTC())
	return wrapErr("set", key, err)
}

// CompareAndSwap writes with a conditional statement so the swap is atomic
// across processes sharing the database file.
func (b *SQLiteBackend) CompareAndSwap(ctx context.Context, key string, expectedVersion uint64, value []byte, ttl time.Duration) (bool, error) {
	now := b.clock.Now()
	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		// Create if absent. An expired row counts as absent and is replaced.
		res, err = b.db.ExecContext(ctx,
			`INSERT INTO kv (key, value, version, expires_at, updated_at) VALUES (?, ?, 1, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				version = kv.version + 1,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at
			WHERE kv.expires_at != 0 AND kv.expires_at <= ?`,
			key, value, expiryOf(now, ttl), now.UTC(), now.UnixNano())
	} else {
		res, err = b.db.ExecContext(ctx,
			`UPDATE kv SET value = ?, version = version + 1, expires_at = ?, updated_at = ?
			WHERE key = ? AND version = ? AND (expires_at = 0 OR expires_at > ?)`,
			value, expiryOf(now, ttl), now.UTC(), key, expectedVersion, now.UnixNano())
	}
	if err != nil {
		return false, wrapErr("cas", key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("cas", key, err)
	}
	return rows > 0, nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return wrapErr("delete", key, err)
}

// Scan returns live entries under prefix ordered by key. The first page of
// a scan also drops rows whose TTL has elapsed.
func (b *SQLiteBackend) Scan(ctx context.Context, prefix, cursor string, limit int) ([]Entry, string, error) {
	now := b.clock.Now().UnixNano()
	if cursor == "" {
		if _, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at != 0 AND expires_at <= ?`, now); err != nil {
			return nil, "", wrapErr("scan", prefix, err)
		}
	}

	query := `SELECT key, value, version FROM kv
		WHERE substr(key, 1, ?) = ? AND key > ? AND (expires_at = 0 OR expires_at > ?)
		ORDER BY key ASC`
	args := []interface{}{len(prefix), prefix, cursor, now}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", wrapErr("scan", prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.Version); err != nil {
			return nil, "", wrapErr("scan", prefix, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", wrapErr("scan", prefix, err)
	}

	next := ""
	if limit > 0 && len(entries) == limit {
		next = entries[len(entries)-1].Key
	}
	return entries, next, nil
}
