// Package storage defines the MASC storage contract: a uniform key/value,
// distributed-lock, and pub/sub interface with interchangeable backends
// (memory, filesystem, Postgres, SQLite).
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel error kinds shared by all backends.
var (
	ErrInvalidKey          = errors.New("invalid key")
	ErrKeyNotFound         = errors.New("key not found")
	ErrConnectionFailed    = errors.New("backend connection failed")
	ErrBackendNotSupported = errors.New("operation not supported by backend")
	ErrOperationFailed     = errors.New("storage operation failed")
)

// Lock TTL bounds. Every TTL is clamped into [MinLockTTL, MaxLockTTL].
const (
	MinLockTTL = 1 * time.Second
	MaxLockTTL = 86400 * time.Second
)

// ClampTTL forces a lock TTL into the allowed range.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl < MinLockTTL {
		return MinLockTTL
	}
	if ttl > MaxLockTTL {
		return MaxLockTTL
	}
	return ttl
}

// Entry is one key/value pair returned by GetAll.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// LockInfo is the persisted lock document.
type LockInfo struct {
	Owner      string `json:"owner"`
	ExpiresAt  int64  `json:"expires_at"`  // seconds since epoch
	AcquiredAt int64  `json:"acquired_at"` // seconds since epoch
}

// Expired reports whether the lock is past its TTL at the given instant.
func (l LockInfo) Expired(now time.Time) bool {
	return now.Unix() >= l.ExpiresAt
}

// UpdateFunc transforms the current value of a key inside AtomicUpdate.
// old is nil when the key does not exist yet.
type UpdateFunc func(old *string) (string, error)

// Backend is the uniform storage contract. Semantics:
//
//   - Set is last-writer-wins. Delete reports whether the key was present.
//   - ListKeys/GetAll return results sorted lexicographically by key.
//   - SetIfAbsent and CompareAndSwap are atomic against concurrent writers.
//   - AtomicIncrement returns the new value; counters initialize at 0 and
//     are durable and monotonic.
//   - AtomicUpdate serializes read-modify-write cycles on a single key.
//   - Locks are owner-scoped with TTL; expired locks behave as absent.
//   - Publish/Subscribe are optional; backends without pub/sub return
//     ErrBackendNotSupported. Subscribe invokes the handler at most once
//     per call with the next available message.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	GetAll(ctx context.Context, prefix string) ([]Entry, error)

	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
	CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error)
	AtomicIncrement(ctx context.Context, key string) (int64, error)
	AtomicUpdate(ctx context.Context, key string, fn UpdateFunc) error

	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) (bool, error)
	ExtendLock(ctx context.Context, key string, ttl time.Duration, owner string) (bool, error)

	Publish(ctx context.Context, channel, msg string) (int, error)
	Subscribe(ctx context.Context, channel string, handler func(msg string)) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// atomicUpdateAttempts bounds the get→transform→CAS loop shared by the
// backends that build AtomicUpdate on CompareAndSwap.
const atomicUpdateAttempts = 5

// AtomicUpdateCAS is the generic get→transform→CAS retry loop used by the
// Postgres and SQLite backends.
func AtomicUpdateCAS(ctx context.Context, b Backend, key string, fn UpdateFunc) error {
	for attempt := 0; attempt < atomicUpdateAttempts; attempt++ {
		cur, ok, err := b.Get(ctx, key)
		if err != nil {
			return err
		}
		var old *string
		if ok {
			old = &cur
		}
		next, err := fn(old)
		if err != nil {
			return err
		}
		if !ok {
			inserted, err := b.SetIfAbsent(ctx, key, next)
			if err != nil {
				return err
			}
			if inserted {
				return nil
			}
		} else {
			swapped, err := b.CompareAndSwap(ctx, key, cur, next)
			if err != nil {
				return err
			}
			if swapped {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: atomic update on %q exhausted retries", ErrOperationFailed, key)
}
