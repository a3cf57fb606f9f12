package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/masclabs/masc/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "masc.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "tasks:t-1", `{"status":"pending"}`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get(ctx, "tasks:t-1")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v, %v", v, ok, err)
	}
	if v != `{"status":"pending"}` {
		t.Fatalf("Get value = %q", v)
	}

	deleted, err := s.Delete(ctx, "tasks:t-1")
	if err != nil || !deleted {
		t.Fatalf("Delete = %v, %v", deleted, err)
	}
	if _, ok, _ := s.Get(ctx, "tasks:t-1"); ok {
		t.Fatal("key survived delete")
	}
	deleted, err = s.Delete(ctx, "tasks:t-1")
	if err != nil || deleted {
		t.Fatalf("second Delete = %v, %v", deleted, err)
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "bad/key", "v"); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("Set bad key err = %v", err)
	}
	if _, _, err := s.Get(ctx, ""); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("Get empty key err = %v", err)
	}
}

func TestListKeysSorted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"agents:zed", "agents:ada", "tasks:t-1"} {
		if err := s.Set(ctx, k, "x"); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}
	keys, err := s.ListKeys(ctx, "agents:")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	want := []string{"agents:ada", "agents:zed"}
	if len(keys) != len(want) {
		t.Fatalf("ListKeys = %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("ListKeys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestSetIfAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ok, err := s.SetIfAbsent(ctx, "tasks:t-1", "first")
	if err != nil || !ok {
		t.Fatalf("first SetIfAbsent = %v, %v", ok, err)
	}
	ok, err = s.SetIfAbsent(ctx, "tasks:t-1", "second")
	if err != nil || ok {
		t.Fatalf("second SetIfAbsent = %v, %v", ok, err)
	}
	v, _, _ := s.Get(ctx, "tasks:t-1")
	if v != "first" {
		t.Fatalf("value = %q, want first", v)
	}
}

func TestCompareAndSwap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "state", "a")
	ok, err := s.CompareAndSwap(ctx, "state", "a", "b")
	if err != nil || !ok {
		t.Fatalf("CAS matching = %v, %v", ok, err)
	}
	ok, err = s.CompareAndSwap(ctx, "state", "a", "c")
	if err != nil || ok {
		t.Fatalf("CAS stale = %v, %v", ok, err)
	}
	v, _, _ := s.Get(ctx, "state")
	if v != "b" {
		t.Fatalf("value = %q, want b", v)
	}
}

func TestAtomicIncrement(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.AtomicIncrement(ctx, "seq:messages")
		if err != nil {
			t.Fatalf("AtomicIncrement: %v", err)
		}
		if n != want {
			t.Fatalf("AtomicIncrement = %d, want %d", n, want)
		}
	}
}

func TestAtomicUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.AtomicUpdate(ctx, "counter", func(old *string) (string, error) {
		if old != nil {
			t.Fatal("key should not exist yet")
		}
		return "1", nil
	})
	if err != nil {
		t.Fatalf("AtomicUpdate create: %v", err)
	}
	err = s.AtomicUpdate(ctx, "counter", func(old *string) (string, error) {
		if old == nil || *old != "1" {
			t.Fatalf("old = %v", old)
		}
		return "2", nil
	})
	if err != nil {
		t.Fatalf("AtomicUpdate modify: %v", err)
	}
	v, _, _ := s.Get(ctx, "counter")
	if v != "2" {
		t.Fatalf("value = %q, want 2", v)
	}
}

func TestLockOwnership(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "resource", "alpha", time.Minute)
	if err != nil || !ok {
		t.Fatalf("alpha acquire = %v, %v", ok, err)
	}
	ok, err = s.AcquireLock(ctx, "resource", "beta", time.Minute)
	if err != nil || ok {
		t.Fatalf("beta acquire while held = %v, %v", ok, err)
	}
	// Re-acquire by the holder refreshes the TTL.
	ok, err = s.AcquireLock(ctx, "resource", "alpha", time.Minute)
	if err != nil || !ok {
		t.Fatalf("alpha re-acquire = %v, %v", ok, err)
	}
	ok, err = s.ReleaseLock(ctx, "resource", "beta")
	if err != nil || ok {
		t.Fatalf("foreign release = %v, %v", ok, err)
	}
	ok, err = s.ReleaseLock(ctx, "resource", "alpha")
	if err != nil || !ok {
		t.Fatalf("owner release = %v, %v", ok, err)
	}
	ok, err = s.AcquireLock(ctx, "resource", "beta", time.Minute)
	if err != nil || !ok {
		t.Fatalf("beta acquire after release = %v, %v", ok, err)
	}
}

func TestExtendLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if ok, _ := s.AcquireLock(ctx, "resource", "alpha", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	ok, err := s.ExtendLock(ctx, "resource", time.Minute, "beta")
	if err != nil || ok {
		t.Fatalf("foreign extend = %v, %v", ok, err)
	}
	ok, err = s.ExtendLock(ctx, "resource", time.Minute, "alpha")
	if err != nil || !ok {
		t.Fatalf("owner extend = %v, %v", ok, err)
	}
}

func TestPubSubQueue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, m := range []string{"one", "two", "three"} {
		if _, err := s.Publish(ctx, "messages", m); err != nil {
			t.Fatalf("Publish %s: %v", m, err)
		}
	}

	var got []string
	for i := 0; i < 3; i++ {
		if err := s.Subscribe(ctx, "messages", func(m string) { got = append(got, m) }); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	want := []string{"one", "two", "three"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("dequeued = %v, want %v", got, want)
		}
	}

	// Empty queue delivers nothing and does not error.
	if err := s.Subscribe(ctx, "messages", func(string) { t.Fatal("unexpected message") }); err != nil {
		t.Fatalf("Subscribe empty: %v", err)
	}
}

func TestTrimChannel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		s.Publish(ctx, "events", "e")
	}
	removed, err := s.TrimChannel(ctx, "events", 4)
	if err != nil {
		t.Fatalf("TrimChannel: %v", err)
	}
	if removed != 6 {
		t.Fatalf("removed = %d, want 6", removed)
	}
}

func TestHealthCheck(t *testing.T) {
	s := openTestStore(t)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}
