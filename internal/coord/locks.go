package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/masclabs/masc/internal/storage"
)

// lockIndexKey holds a JSON map of lock key to holder metadata. The backend's
// own lock primitives are authoritative; the index exists so list_locks and
// the zombie sweep can see who holds what on every backend.
const lockIndexKey = "lock_index"

// HeldLock describes one entry of the lock index.
type HeldLock struct {
	Key        string    `json:"key"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LockManager is a thin facade over the backend lock primitives. It clamps
// TTLs, retries once on transient IO errors, and mirrors acquisitions into
// the lock index.
type LockManager struct {
	store storage.Backend
	now   func() time.Time
}

// NewLockManager builds a lock manager over the backend.
func NewLockManager(store storage.Backend) *LockManager {
	return &LockManager{store: store, now: time.Now}
}

// Acquire takes the lock for owner. Same-owner re-acquire succeeds and
// refreshes the TTL.
func (m *LockManager) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ttl = storage.ClampTTL(ttl)
	ok, err := m.store.AcquireLock(ctx, key, owner, ttl)
	if errors.Is(err, storage.ErrOperationFailed) {
		ok, err = m.store.AcquireLock(ctx, key, owner, ttl)
	}
	if err != nil || !ok {
		return ok, err
	}
	now := m.now()
	m.updateIndex(ctx, func(idx map[string]HeldLock) {
		idx[key] = HeldLock{Key: key, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	})
	return true, nil
}

// Release drops the lock when owner holds it. A foreign or missing lock
// returns false without error.
func (m *LockManager) Release(ctx context.Context, key, owner string) (bool, error) {
	ok, err := m.store.ReleaseLock(ctx, key, owner)
	if errors.Is(err, storage.ErrOperationFailed) {
		ok, err = m.store.ReleaseLock(ctx, key, owner)
	}
	if err != nil || !ok {
		return ok, err
	}
	m.updateIndex(ctx, func(idx map[string]HeldLock) {
		delete(idx, key)
	})
	return true, nil
}

// Extend pushes out the expiry for a lock owner already holds.
func (m *LockManager) Extend(ctx context.Context, key string, ttl time.Duration, owner string) (bool, error) {
	ttl = storage.ClampTTL(ttl)
	ok, err := m.store.ExtendLock(ctx, key, ttl, owner)
	if errors.Is(err, storage.ErrOperationFailed) {
		ok, err = m.store.ExtendLock(ctx, key, ttl, owner)
	}
	if err != nil || !ok {
		return ok, err
	}
	expires := m.now().Add(ttl)
	m.updateIndex(ctx, func(idx map[string]HeldLock) {
		if l, ok := idx[key]; ok && l.Owner == owner {
			l.ExpiresAt = expires
			idx[key] = l
		}
	})
	return true, nil
}

// List returns unexpired index entries sorted by key.
func (m *LockManager) List(ctx context.Context) ([]HeldLock, error) {
	raw, ok, err := m.store.Get(ctx, lockIndexKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var idx map[string]HeldLock
	if err := json.Unmarshal([]byte(raw), &idx); err != nil {
		return nil, fmt.Errorf("%w: decode lock index: %v", storage.ErrOperationFailed, err)
	}
	now := m.now()
	locks := make([]HeldLock, 0, len(idx))
	for _, l := range idx {
		if l.ExpiresAt.After(now) {
			locks = append(locks, l)
		}
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].Key < locks[j].Key })
	return locks, nil
}

// ReleaseOwnedBy drops every lock the owner holds. Used by the zombie sweep.
func (m *LockManager) ReleaseOwnedBy(ctx context.Context, owner string) (int, error) {
	locks, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, l := range locks {
		if l.Owner != owner {
			continue
		}
		ok, err := m.Release(ctx, l.Key, owner)
		if err != nil {
			return released, err
		}
		if ok {
			released++
		}
	}
	return released, nil
}

// Prune drops expired entries from the lock index. The janitor calls this;
// normal acquire/release traffic prunes as a side effect anyway.
func (m *LockManager) Prune(ctx context.Context) {
	m.updateIndex(ctx, func(map[string]HeldLock) {})
}

// updateIndex applies fn to the index doc. Index failures are tolerated: the
// backend lock is authoritative and the index is observational.
func (m *LockManager) updateIndex(ctx context.Context, fn func(map[string]HeldLock)) {
	err := m.store.AtomicUpdate(ctx, lockIndexKey, func(old *string) (string, error) {
		idx := map[string]HeldLock{}
		if old != nil {
			if err := json.Unmarshal([]byte(*old), &idx); err != nil {
				idx = map[string]HeldLock{}
			}
		}
		now := m.now()
		for k, l := range idx {
			if !l.ExpiresAt.After(now) {
				delete(idx, k)
			}
		}
		fn(idx)
		out, err := json.Marshal(idx)
		if err != nil {
			return "", err
		}
		return string(out), nil
	})
	if err != nil {
		// Observational only; the next update self-repairs.
		slog.Warn("coord.locks.index_update_failed", "error", err)
	}
}
