package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func newTestLimiter(start time.Time) (*Limiter, *time.Time) {
	l := New()
	now := start
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimitFor(t *testing.T) {
	tests := []struct {
		role string
		cat  Category
		want int
	}{
		{"worker", Broadcast, 15},
		{"worker", TaskOps, 30},
		{"worker", General, 10},
		{"reader", General, 5},
		{"reader", Broadcast, 7},
		{"admin", General, 20},
		{"unknown", General, 10},
	}
	for _, tt := range tests {
		if got := LimitFor(tt.role, tt.cat); got != tt.want {
			t.Errorf("LimitFor(%s, %s) = %d, want %d", tt.role, tt.cat, got, tt.want)
		}
	}
}

func TestWindowExceededAfterBurst(t *testing.T) {
	l, now := newTestLimiter(time.Unix(1_000_000, 0))

	// 10 general requests fill the window; the burst budget absorbs 5 more.
	for i := 0; i < 15; i++ {
		if err := l.Allow("ada", "worker", General); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	err := l.Allow("ada", "worker", General)
	var rl *Error
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if rl.Category != General || rl.Limit != 10 {
		t.Fatalf("error = %+v", rl)
	}
	if rl.WaitSeconds <= 0 || rl.WaitSeconds > 60 {
		t.Fatalf("wait_seconds = %v, want (0, 60]", rl.WaitSeconds)
	}

	// Once the window rolls past the oldest request, capacity returns.
	*now = now.Add(61 * time.Second)
	if err := l.Allow("ada", "worker", General); err != nil {
		t.Fatalf("after roll-off: %v", err)
	}
}

func TestCategoriesIndependent(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1_000_000, 0))

	for i := 0; i < 15; i++ {
		l.Allow("ada", "worker", General)
	}
	// General is saturated, broadcast budget is untouched.
	if err := l.Allow("ada", "worker", Broadcast); err != nil {
		t.Fatalf("broadcast after general exhaustion: %v", err)
	}
}

func TestAgentsIndependent(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1_000_000, 0))

	for i := 0; i < 15; i++ {
		l.Allow("ada", "worker", General)
	}
	if err := l.Allow("bob", "worker", General); err != nil {
		t.Fatalf("bob blocked by ada's usage: %v", err)
	}
}

func TestRoleMultiplier(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1_000_000, 0))

	// Reader general limit is 5; burst absorbs 5 more; the 11th fails.
	for i := 0; i < 10; i++ {
		if err := l.Allow("ada", "reader", General); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("ada", "reader", General); err == nil {
		t.Fatal("reader exceeded limit without error")
	}
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1_000_000, 0))

	for i := 0; i < 16; i++ {
		l.Allow("ada", "worker", General)
	}
	l.Reset("ada")
	if err := l.Allow("ada", "worker", General); err != nil {
		t.Fatalf("after reset: %v", err)
	}
}
