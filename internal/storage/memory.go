package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is the in-process backend: a single container guarded by one mutex.
// CAS and lock lifecycle are in-process only; no pub/sub.
type Memory struct {
	mu       sync.Mutex
	data     map[string]string
	locks    map[string]LockInfo
	counters map[string]int64
	now      func() time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string]string),
		locks:    make(map[string]LockInfo),
		counters: make(map[string]int64),
		now:      time.Now,
	}
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if _, err := ValidateKey(key); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	if _, err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) (bool, error) {
	if _, err := ValidateKey(key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	delete(m.data, key)
	return ok, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := ValidateKey(key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *Memory) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) GetAll(ctx context.Context, prefix string) ([]Entry, error) {
	keys, err := m.ListKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, Entry{Key: k, Value: m.data[k]})
	}
	return entries, nil
}

func (m *Memory) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if _, err := ValidateKey(key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error) {
	if _, err := ValidateKey(key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[key]
	if !ok || cur != expected {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *Memory) AtomicIncrement(ctx context.Context, key string) (int64, error) {
	if _, err := ValidateKey(key); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *Memory) AtomicUpdate(ctx context.Context, key string, fn UpdateFunc) error {
	if _, err := ValidateKey(key); err != nil {
		return err
	}
	// The whole read-modify-write runs under the container mutex, so no CAS
	// loop is needed here.
	m.mu.Lock()
	defer m.mu.Unlock()
	var old *string
	if cur, ok := m.data[key]; ok {
		old = &cur
	}
	next, err := fn(old)
	if err != nil {
		return err
	}
	m.data[key] = next
	return nil
}

func (m *Memory) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if _, err := ValidateKey(key); err != nil {
		return false, err
	}
	ttl = ClampTTL(ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.locks[key]; ok && !cur.Expired(now) && cur.Owner != owner {
		return false, nil
	}
	m.locks[key] = LockInfo{
		Owner:      owner,
		AcquiredAt: now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
	}
	return true, nil
}

func (m *Memory) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	if _, err := ValidateKey(key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[key]
	if !ok || cur.Expired(m.now()) || cur.Owner != owner {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

func (m *Memory) ExtendLock(ctx context.Context, key string, ttl time.Duration, owner string) (bool, error) {
	if _, err := ValidateKey(key); err != nil {
		return false, err
	}
	ttl = ClampTTL(ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cur, ok := m.locks[key]
	if !ok || cur.Expired(now) || cur.Owner != owner {
		return false, nil
	}
	cur.ExpiresAt = now.Add(ttl).Unix()
	m.locks[key] = cur
	return true, nil
}

func (m *Memory) Publish(ctx context.Context, channel, msg string) (int, error) {
	return 0, ErrBackendNotSupported
}

func (m *Memory) Subscribe(ctx context.Context, channel string, handler func(string)) error {
	return ErrBackendNotSupported
}

func (m *Memory) HealthCheck(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
