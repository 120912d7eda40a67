package repository

import (
	"bytes"
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/xiaot623/gogo/sessiond/internal/clock"
	"github.com/xiaot623/gogo/sessiond/internal/codec"
)

var kvBucket = []byte("kv")

// boltEnvelope wraps a value with the bookkeeping bbolt lacks natively.
type boltEnvelope struct {
	Value     []byte `cbor:"v"`
	Version   uint64 `cbor:"ver"`
	ExpiresAt int64  `cbor:"exp,omitempty"`
}

// BoltBackend implements Backend on an embedded bbolt file. Writes are
// serialized by bbolt's single writer transaction.
type BoltBackend struct {
	db    *bolt.DB
	clock clock.Clock
	enc   codec.CBOR
}

// NewBoltBackend opens or creates the database file at path.
func NewBoltBackend(path string, c clock.Clock) (*BoltBackend, error) {
	if c == nil {
		c = clock.Real()
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(kvBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create kv bucket: %w", err)
	}
	return &BoltBackend{db: db, clock: c}, nil
}

func (b *BoltBackend) decode(key string, raw []byte) (boltEnvelope, error) {
	var env boltEnvelope
	if err := b.enc.Unmarshal(raw, &env); err != nil {
		return boltEnvelope{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return env, nil
}

// current returns the live envelope stored under key, if any.
func (b *BoltBackend) current(bkt *bolt.Bucket, key string) (boltEnvelope, bool, error) {
	raw := bkt.Get([]byte(key))
	if raw == nil {
		return boltEnvelope{}, false, nil
	}
	env, err := b.decode(key, raw)
	if err != nil {
		return boltEnvelope{}, false, err
	}
	if expired(env.ExpiresAt, b.clock.Now()) {
		return boltEnvelope{}, false, nil
	}
	return env, true, nil
}

func (b *BoltBackend) put(bkt *bolt.Bucket, key string, env boltEnvelope) error {
	data, err := b.enc.Marshal(env)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(key), data)
}

func (b *BoltBackend) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, wrapErr("get", key, err)
	}
	var (
		env   boltEnvelope
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		env, found, err = b.current(tx.Bucket(kvBucket), key)
		return err
	})
	if err != nil {
		return Entry{}, wrapErr("get", key, err)
	}
	if !found {
		return Entry{}, notFound(key)
	}
	return Entry{Key: key, Value: env.Value, Version: env.Version}, nil
}

func (b *BoltBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("set", key, err)
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(kvBucket)
		prev, _, err := b.current(bkt, key)
		if err != nil {
			return err
		}
		return b.put(bkt, key, boltEnvelope{
			Value:     value,
			Version:   prev.Version + 1,
			ExpiresAt: expiryOf(b.clock.Now(), ttl),
		})
	})
	return wrapErr("set", key, err)
}

func (b *BoltBackend) CompareAndSwap(ctx context.Context, key string, expectedVersion uint64, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, wrapErr("cas", key, err)
	}
	swapped := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(kvBucket)
		prev, found, err := b.current(bkt, key)
		if err != nil {
			return err
		}
		if (!found && expectedVersion != 0) || (found && prev.Version != expectedVersion) {
			return nil
		}
		swapped = true
		return b.put(bkt, key, boltEnvelope{
			Value:     value,
			Version:   prev.Version + 1,
			ExpiresAt: expiryOf(b.clock.Now(), ttl),
		})
	})
	if err != nil {
		return false, wrapErr("cas", key, err)
	}
	return swapped, nil
}

func (b *BoltBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("delete", key, err)
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Delete([]byte(key))
	})
	return wrapErr("delete", key, err)
}

func (b *BoltBackend) Scan(ctx context.Context, prefix, cursor string, limit int) ([]Entry, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", wrapErr("scan", prefix, err)
	}
	var entries []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(kvBucket).Cursor()
		start := []byte(prefix)
		if cursor > prefix {
			start = []byte(cursor)
		}
		now := b.clock.Now()
		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, v = c.Next() {
			if string(k) <= cursor {
				continue
			}
			env, err := b.decode(string(k), v)
			if err != nil {
				return err
			}
			if expired(env.ExpiresAt, now) {
				continue
			}
			entries = append(entries, Entry{Key: string(k), Value: env.Value, Version: env.Version})
			if limit > 0 && len(entries) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", wrapErr("scan", prefix, err)
	}
	next := ""
	if limit > 0 && len(entries) == limit {
		next = entries[len(entries)-1].Key
	}
	return entries, next, nil
}

// Close closes the database file.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
