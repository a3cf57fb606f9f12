package bus

import "testing"

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	b.Publish(Event{Name: "broadcast"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Name != "broadcast" {
				t.Fatalf("subscriber %d got %q", i, ev.Name)
			}
		default:
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe()
	cancel()
	cancel() // double cancel is safe
	if b.Len() != 0 {
		t.Fatalf("subscribers = %d", b.Len())
	}
	b.Publish(Event{Name: "noop"})
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe()
	defer cancel()

	// Overfill the buffer; Publish must not block.
	for i := 0; i < 100; i++ {
		b.Publish(Event{Name: "e"})
	}
	if got := len(ch); got != 64 {
		t.Fatalf("buffered = %d, want 64", got)
	}
}
