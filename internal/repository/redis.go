package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldValue   = "v"
	fieldVersion = "ver"
)

// RedisBackend stores each entry as a hash {v, ver}. Compare-and-swap uses
// WATCH/MULTI so concurrent writers from other processes are detected.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to the redis server at url (redis://...).
func NewRedisBackend(url string, poolSize int) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	return NewRedisBackendFromClient(redis.NewClient(opts)), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (r *RedisBackend) Get(ctx context.Context, key string) (Entry, error) {
	vals, err := r.client.HMGet(ctx, key, fieldValue, fieldVersion).Result()
	if err != nil {
		return Entry{}, wrapErr("get", key, err)
	}
	return entryFromHash(key, vals)
}

func entryFromHash(key string, vals []interface{}) (Entry, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Entry{}, notFound(key)
	}
	raw, _ := vals[0].(string)
	verStr, _ := vals[1].(string)
	ver, err := strconv.ParseUint(verStr, 10, 64)
	if err != nil {
		return Entry{}, wrapErr("get", key, fmt.Errorf("bad version %q", verStr))
	}
	return Entry{Key: key, Value: []byte(raw), Version: ver}, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldValue, value)
		pipe.HIncrBy(ctx, key, fieldVersion, 1)
		expire(ctx, pipe, key, ttl)
		return nil
	})
	return wrapErr("set", key, err)
}

func expire(ctx context.Context, pipe redis.Pipeliner, key string, ttl time.Duration) {
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	} else {
		pipe.Persist(ctx, key)
	}
}

func (r *RedisBackend) CompareAndSwap(ctx context.Context, key string, expectedVersion uint64, value []byte, ttl time.Duration) (bool, error) {
	swapped := false
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		var current uint64
		verStr, err := tx.HGet(ctx, key, fieldVersion).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if current, err = strconv.ParseUint(verStr, 10, 64); err != nil {
				return fmt.Errorf("bad version %q", verStr)
			}
		}
		if current != expectedVersion {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldValue, value, fieldVersion, current+1)
			expire(ctx, pipe, key, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("cas", key, err)
	}
	return swapped, nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return wrapErr("delete", key, r.client.Del(ctx, key).Err())
}

// Scan iterates with SCAN MATCH. The cursor is redis' own numeric cursor,
// so pages are unordered and may repeat a key.
func (r *RedisBackend) Scan(ctx context.Context, prefix, cursor string, limit int) ([]Entry, string, error) {
	var pos uint64
	if cursor != "" {
		var err error
		if pos, err = strconv.ParseUint(cursor, 10, 64); err != nil {
			return nil, "", fmt.Errorf("invalid redis cursor %q: %w", cursor, err)
		}
	}
	if limit <= 0 {
		limit = 100
	}

	keys, nextPos, err := r.client.Scan(ctx, pos, escapeGlob(prefix)+"*", int64(limit)).Result()
	if err != nil {
		return nil, "", wrapErr("scan", prefix, err)
	}

	entries := make([]Entry, 0, len(keys))
	if len(keys) > 0 {
		cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, k := range keys {
				pipe.HMGet(ctx, k, fieldValue, fieldVersion)
			}
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, "", wrapErr("scan", prefix, err)
		}
		for i, cmd := range cmds {
			vals, err := cmd.(*redis.SliceCmd).Result()
			if err != nil {
				continue
			}
			if e, err := entryFromHash(keys[i], vals); err == nil {
				entries = append(entries, e)
			}
		}
	}

	next := ""
	if nextPos != 0 {
		next = strconv.FormatUint(nextPos, 10)
	}
	return entries, next, nil
}

// Close closes the client and its connection pool.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, ch := range s {
		switch ch {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(ch)
	}
	return b.String()
}
