package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/masclabs/masc/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestFile_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	if err := s.Set(ctx, "users:42:name", "ada"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get(ctx, "users:42:name")
	if err != nil || !ok || v != "ada" {
		t.Fatalf("Get = (%q, %v, %v)", v, ok, err)
	}

	// Keys map to nested paths with a .json leaf.
	if _, err := os.Stat(filepath.Join(s.BaseDir(), "users", "42", "name.json")); err != nil {
		t.Fatalf("expected value file on disk: %v", err)
	}

	was, err := s.Delete(ctx, "users:42:name")
	if err != nil || !was {
		t.Fatalf("Delete = (%v, %v)", was, err)
	}
	if was, _ := s.Delete(ctx, "users:42:name"); was {
		t.Fatal("second delete reported presence")
	}
}

func TestFile_SetIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	first, err := s.SetIfAbsent(ctx, "k", "v1")
	if err != nil || !first {
		t.Fatalf("first SetIfAbsent = (%v, %v)", first, err)
	}
	second, err := s.SetIfAbsent(ctx, "k", "v2")
	if err != nil || second {
		t.Fatalf("second SetIfAbsent = (%v, %v)", second, err)
	}
	if v, _, _ := s.Get(ctx, "k"); v != "v1" {
		t.Fatalf("value = %q, want v1", v)
	}
}

func TestFile_ListKeysNamePrefix(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for _, k := range []string{"messages:000001", "messages:000002", "messages:000010", "events:000001"} {
		if err := s.Set(ctx, k, "v"); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.ListKeys(ctx, "messages:")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"messages:000001", "messages:000002", "messages:000010"}
	if len(keys) != len(want) {
		t.Fatalf("ListKeys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("ListKeys = %v, want %v", keys, want)
		}
	}

	// Name-prefix match within the parent directory.
	keys, _ = s.ListKeys(ctx, "messages:00000")
	if len(keys) != 2 {
		t.Fatalf("ListKeys(messages:00000) = %v, want 2 entries", keys)
	}

	// Missing directory is empty, not an error.
	keys, err = s.ListKeys(ctx, "nothing:here")
	if err != nil || len(keys) != 0 {
		t.Fatalf("ListKeys on missing dir = (%v, %v)", keys, err)
	}
}

func TestFile_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	s.Set(ctx, "doc", "a")

	ok, err := s.CompareAndSwap(ctx, "doc", "a", "b")
	if err != nil || !ok {
		t.Fatalf("CAS = (%v, %v)", ok, err)
	}
	if ok, _ := s.CompareAndSwap(ctx, "doc", "a", "c"); ok {
		t.Fatal("stale CAS succeeded")
	}
	if ok, _ := s.CompareAndSwap(ctx, "missing", "a", "b"); ok {
		t.Fatal("CAS on missing key succeeded")
	}
}

func TestFile_AtomicIncrement(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	for want := int64(1); want <= 5; want++ {
		got, err := s.AtomicIncrement(ctx, "seq:messages")
		if err != nil || got != want {
			t.Fatalf("AtomicIncrement = (%d, %v), want %d", got, err, want)
		}
	}
}

func TestFile_AtomicUpdateConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.AtomicUpdate(ctx, "counter", func(old *string) (string, error) {
				if old == nil {
					return "1", nil
				}
				return incr(*old), nil
			})
			if err != nil {
				t.Errorf("AtomicUpdate: %v", err)
			}
		}()
	}
	wg.Wait()
	v, _, _ := s.Get(ctx, "counter")
	if v != "20" {
		t.Fatalf("counter = %q after %d updates, want 20", v, n)
	}
}

func incr(s string) string {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	n++
	out := []byte{}
	for n > 0 {
		out = append([]byte{byte('0' + n%10)}, out...)
		n /= 10
	}
	return string(out)
}

func TestFile_LockOwnership(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	if ok, _ := s.AcquireLock(ctx, "file:foo.txt", "a", 60*time.Second); !ok {
		t.Fatal("first acquire failed")
	}
	if ok, _ := s.AcquireLock(ctx, "file:foo.txt", "b", 60*time.Second); ok {
		t.Fatal("foreign acquire succeeded")
	}
	if ok, _ := s.ReleaseLock(ctx, "file:foo.txt", "b"); ok {
		t.Fatal("foreign release succeeded")
	}
	if ok, _ := s.ReleaseLock(ctx, "file:foo.txt", "a"); !ok {
		t.Fatal("owner release failed")
	}
	if ok, _ := s.AcquireLock(ctx, "file:foo.txt", "b", 60*time.Second); !ok {
		t.Fatal("acquire after release failed")
	}
}

func TestFile_LockExpiry(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Unix(5000, 0)
	s.now = func() time.Time { return now }

	if ok, _ := s.AcquireLock(ctx, "k", "a", 10*time.Second); !ok {
		t.Fatal("acquire failed")
	}
	now = now.Add(11 * time.Second)
	if ok, _ := s.AcquireLock(ctx, "k", "b", 10*time.Second); !ok {
		t.Fatal("expired lock blocked acquire")
	}
}

func TestFile_CorruptLockTreatedAbsent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	path := filepath.Join(s.BaseDir(), "locks", "k.json")
	os.MkdirAll(filepath.Dir(path), 0o755)
	os.WriteFile(path, []byte("{not json"), 0o644)

	if ok, _ := s.AcquireLock(ctx, "k", "a", 10*time.Second); !ok {
		t.Fatal("corrupt lock blocked acquire")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("lock doc should have been rewritten")
	}
}

func TestFile_PubSubUnsupported(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	if _, err := s.Publish(ctx, "messages", "x"); !errors.Is(err, storage.ErrBackendNotSupported) {
		t.Fatalf("Publish = %v", err)
	}
}

func TestFile_HealthCheck(t *testing.T) {
	s := newStore(t)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Fatal(err)
	}
}
