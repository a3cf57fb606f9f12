// Package file implements the storage contract on the local filesystem,
// safe across processes. Keys map to relative paths (':' → '/') under a base
// directory; every read-modify-write is bracketed by a process-local mutex
// plus a non-blocking OS advisory lock on a companion .flock file.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/masclabs/masc/internal/storage"
)

const (
	valueExt = ".json"
	flockExt = ".flock"

	// rmwAttempts bounds retry of read-modify-write ops when another
	// process holds the advisory lock.
	rmwAttempts = 10
)

// Store is the filesystem backend. No pub/sub.
type Store struct {
	base string
	mu   sync.Mutex // process-local coordinator, taken before any flock
	now  func() time.Time
}

// New creates (if needed) the base directory and returns a filesystem store.
func New(base string) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create base dir: %v", storage.ErrConnectionFailed, err)
	}
	return &Store{base: base, now: time.Now}, nil
}

// valuePath maps a validated key to its value file.
func (s *Store) valuePath(key string) string {
	return filepath.Join(s.base, storage.KeyToPath(key)) + valueExt
}

// lockPath maps a lock key to its metadata document under locks/.
func (s *Store) lockPath(key string) string {
	return filepath.Join(s.base, "locks", storage.KeyToPath(key)) + valueExt
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return "", false, err
	}
	raw, err := os.ReadFile(s.valuePath(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: read %s: %v", storage.ErrOperationFailed, key, err)
	}
	return string(raw), true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if _, err := storage.ValidateKey(key); err != nil {
		return err
	}
	return atomicWrite(s.valuePath(key), []byte(value))
}

// atomicWrite writes via a temp file in the target directory then renames,
// so readers never observe a torn value.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", storage.ErrOperationFailed, dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: temp file: %v", storage.ErrOperationFailed, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write temp: %v", storage.ErrOperationFailed, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close temp: %v", storage.ErrOperationFailed, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename: %v", storage.ErrOperationFailed, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	err := os.Remove(s.valuePath(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: remove %s: %v", storage.ErrOperationFailed, key, err)
	}
	return true, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	_, err := os.Stat(s.valuePath(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %v", storage.ErrOperationFailed, key, err)
	}
	return true, nil
}

// ListKeys matches file-name prefix within the natural parent directory of
// the prefix. "messages:0004" lists files under messages/ whose names start
// with "0004"; "messages:" lists everything under messages/.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	dirKey, namePrefix := splitPrefix(prefix)
	dir := s.base
	if dirKey != "" {
		dir = filepath.Join(s.base, storage.KeyToPath(dirKey))
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", storage.ErrOperationFailed, prefix, err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, valueExt) || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		name = strings.TrimSuffix(name, valueExt)
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}
		if dirKey != "" {
			keys = append(keys, dirKey+":"+name)
		} else {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// splitPrefix separates a key prefix into its parent-directory key and the
// file-name prefix within that directory.
func splitPrefix(prefix string) (dirKey, namePrefix string) {
	idx := strings.LastIndex(prefix, ":")
	if idx < 0 {
		return "", prefix
	}
	return prefix[:idx], prefix[idx+1:]
}

func (s *Store) GetAll(ctx context.Context, prefix string) ([]storage.Entry, error) {
	keys, err := s.ListKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	entries := make([]storage.Entry, 0, len(keys))
	for _, k := range keys {
		v, ok, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // removed between list and read
		}
		entries = append(entries, storage.Entry{Key: k, Value: v})
	}
	return entries, nil
}

func (s *Store) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	path := s.valuePath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("%w: mkdir: %v", storage.ErrOperationFailed, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: create %s: %v", storage.ErrOperationFailed, key, err)
	}
	defer f.Close()
	if _, err := f.WriteString(value); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("%w: write %s: %v", storage.ErrOperationFailed, key, err)
	}
	return true, nil
}

// withKeyLock runs fn under the process mutex plus the advisory lock for the
// key, retrying briefly when another process holds it.
func (s *Store) withKeyLock(ctx context.Context, lockFile string, fn func() error) error {
	for attempt := 0; attempt < rmwAttempts; attempt++ {
		s.mu.Lock()
		if err := os.MkdirAll(filepath.Dir(lockFile), 0o755); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: mkdir: %v", storage.ErrOperationFailed, err)
		}
		h, err := tryFlock(lockFile)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if h != nil {
			err := fn()
			h.release()
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: advisory lock contention on %s", storage.ErrOperationFailed, lockFile)
}

func (s *Store) CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	path := s.valuePath(key)
	var swapped bool
	err := s.withKeyLock(ctx, path+flockExt, func() error {
		raw, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", storage.ErrOperationFailed, key, err)
		}
		if string(raw) != expected {
			return nil
		}
		if err := atomicWrite(path, []byte(value)); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func (s *Store) AtomicIncrement(ctx context.Context, key string) (int64, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return 0, err
	}
	path := s.valuePath(key)
	var next int64
	err := s.withKeyLock(ctx, path+flockExt, func() error {
		var cur int64
		raw, err := os.ReadFile(path)
		if err == nil {
			cur, _ = strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: read counter %s: %v", storage.ErrOperationFailed, key, err)
		}
		next = cur + 1
		return atomicWrite(path, []byte(strconv.FormatInt(next, 10)))
	})
	return next, err
}

func (s *Store) AtomicUpdate(ctx context.Context, key string, fn storage.UpdateFunc) error {
	if _, err := storage.ValidateKey(key); err != nil {
		return err
	}
	path := s.valuePath(key)
	return s.withKeyLock(ctx, path+flockExt, func() error {
		var old *string
		raw, err := os.ReadFile(path)
		if err == nil {
			v := string(raw)
			old = &v
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: read %s: %v", storage.ErrOperationFailed, key, err)
		}
		next, err := fn(old)
		if err != nil {
			return err
		}
		return atomicWrite(path, []byte(next))
	})
}

// readLock loads the lock document for a key. Corrupted or empty JSON is
// treated as absent and removed.
func (s *Store) readLock(path string) (storage.LockInfo, bool) {
	var info storage.LockInfo
	raw, err := os.ReadFile(path)
	if err != nil {
		return info, false
	}
	if len(raw) == 0 || json.Unmarshal(raw, &info) != nil || info.Owner == "" {
		slog.Warn("storage.file.lock_corrupt", "path", path)
		os.Remove(path)
		return info, false
	}
	return info, true
}

func (s *Store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	ttl = storage.ClampTTL(ttl)
	path := s.lockPath(key)

	// Non-blocking: contention on the advisory lock means "not acquired",
	// never waiting.
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("%w: mkdir: %v", storage.ErrOperationFailed, err)
	}
	h, err := tryFlock(path + flockExt)
	if err != nil {
		return false, err
	}
	if h == nil {
		return false, nil
	}
	defer h.release()

	now := s.now()
	if cur, ok := s.readLock(path); ok && !cur.Expired(now) && cur.Owner != owner {
		return false, nil
	}
	info := storage.LockInfo{
		Owner:      owner,
		AcquiredAt: now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
	}
	doc, _ := json.Marshal(info)
	if err := atomicWrite(path, doc); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	path := s.lockPath(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := tryFlock(path + flockExt)
	if err != nil {
		return false, err
	}
	if h == nil {
		return false, nil
	}
	defer h.release()

	cur, ok := s.readLock(path)
	if !ok || cur.Expired(s.now()) || cur.Owner != owner {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("storage.file.lock_release_failed", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

func (s *Store) ExtendLock(ctx context.Context, key string, ttl time.Duration, owner string) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	ttl = storage.ClampTTL(ttl)
	path := s.lockPath(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := tryFlock(path + flockExt)
	if err != nil {
		return false, err
	}
	if h == nil {
		return false, nil
	}
	defer h.release()

	now := s.now()
	cur, ok := s.readLock(path)
	if !ok || cur.Expired(now) || cur.Owner != owner {
		return false, nil
	}
	cur.ExpiresAt = now.Add(ttl).Unix()
	doc, _ := json.Marshal(cur)
	if err := atomicWrite(path, doc); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Publish(ctx context.Context, channel, msg string) (int, error) {
	return 0, storage.ErrBackendNotSupported
}

func (s *Store) Subscribe(ctx context.Context, channel string, handler func(string)) error {
	return storage.ErrBackendNotSupported
}

func (s *Store) HealthCheck(ctx context.Context) error {
	probe := filepath.Join(s.base, ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrConnectionFailed, err)
	}
	return os.Remove(probe)
}

func (s *Store) Close() error { return nil }

// BaseDir exposes the room base directory for components that watch it.
func (s *Store) BaseDir() string { return s.base }
