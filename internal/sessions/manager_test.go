package sessions

import (
	"context"
	"testing"

	"github.com/masclabs/masc/internal/storage"
)

func TestRegisterAndRestore(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()

	m := NewManager(ctx, store)
	if _, err := m.Register(ctx, "ada"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.SetListening(ctx, "ada", true); err != nil {
		t.Fatalf("SetListening: %v", err)
	}

	// A new manager over the same backend sees the persisted session.
	m2 := NewManager(ctx, store)
	s, ok := m2.Get("ada")
	if !ok || !s.Listening {
		t.Fatalf("restored session = %+v, %v", s, ok)
	}
}

func TestUnregisterRemovesPersisted(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()

	m := NewManager(ctx, store)
	m.Register(ctx, "ada")
	if err := m.Unregister(ctx, "ada"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, ok := m.Get("ada"); ok {
		t.Fatal("session survived unregister")
	}
	m2 := NewManager(ctx, store)
	if _, ok := m2.Get("ada"); ok {
		t.Fatal("persisted session survived unregister")
	}
}

func TestPendingQueueOnlyWhileListening(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()

	m := NewManager(ctx, store)
	m.Register(ctx, "ada")

	m.Enqueue("ada", "dropped")
	if got := m.Drain("ada"); got != nil {
		t.Fatalf("queued while not listening: %v", got)
	}

	m.SetListening(ctx, "ada", true)
	m.Enqueue("ada", "one")
	m.Enqueue("ada", "two")
	got := m.Drain("ada")
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("drained = %v", got)
	}
	if got := m.Drain("ada"); got != nil {
		t.Fatalf("second drain = %v", got)
	}
}

func TestSetListeningUnknownAgent(t *testing.T) {
	m := NewManager(context.Background(), storage.NewMemory())
	if err := m.SetListening(context.Background(), "ghost", true); err == nil {
		t.Fatal("unknown agent accepted")
	}
}
