package coord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBroadcastOrdering(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Broadcast(ctx, "ada", "hello"); err != nil {
				t.Errorf("Broadcast: %v", err)
			}
		}()
	}
	wg.Wait()

	msgs, err := e.GetMessages(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Seq <= msgs[i-1].Seq {
			t.Fatalf("seq not strictly increasing: %d then %d", msgs[i-1].Seq, msgs[i].Seq)
		}
	}
}

func TestGetMessagesWindow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e.Broadcast(ctx, "ada", "m")
	}

	msgs, _ := e.GetMessages(ctx, 2, 0)
	if len(msgs) != 3 || msgs[0].Seq != 3 {
		t.Fatalf("since_seq=2 -> %+v", msgs)
	}

	// Limit keeps the newest window, still ascending.
	msgs, _ = e.GetMessages(ctx, 0, 2)
	if len(msgs) != 2 || msgs[0].Seq != 4 || msgs[1].Seq != 5 {
		t.Fatalf("limit=2 -> %+v", msgs)
	}
}

func TestMentionExtraction(t *testing.T) {
	tests := []struct{ content, want string }{
		{"hey @bob can you look", "bob"},
		{"@first then @second", "first"},
		{"no mention here", ""},
		{"emails like a@b.c count", "b"},
	}
	for _, tt := range tests {
		if got := extractMention(tt.content); got != tt.want {
			t.Errorf("extractMention(%q) = %q, want %q", tt.content, got, tt.want)
		}
	}
}

func TestBroadcastPersistsMention(t *testing.T) {
	e := newTestEngine(t)
	msg, err := e.Broadcast(context.Background(), "ada", "ping @bob")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if msg.Mention != "bob" {
		t.Fatalf("mention = %q", msg.Mention)
	}
}

func TestSendRequiresOpenPortal(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ada, _ := e.Join(ctx, "ada", JoinParams{})
	bob, _ := e.Join(ctx, "bob", JoinParams{})

	if _, err := e.Send(ctx, ada.Name, bob.Name, "hi"); !errors.Is(err, ErrPortalNotOpen) {
		t.Fatalf("send without portal err = %v", err)
	}

	if _, err := e.OpenPortal(ctx, ada.Name, bob.Name); err != nil {
		t.Fatalf("OpenPortal: %v", err)
	}
	msg, err := e.Send(ctx, ada.Name, bob.Name, "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Type != MessageDirect || msg.To != bob.Name {
		t.Fatalf("message = %+v", msg)
	}

	// The portal is bidirectional.
	if _, err := e.Send(ctx, bob.Name, ada.Name, "yo"); err != nil {
		t.Fatalf("reverse Send: %v", err)
	}

	if err := e.ClosePortal(ctx, ada.Name, bob.Name); err != nil {
		t.Fatalf("ClosePortal: %v", err)
	}
	if _, err := e.Send(ctx, ada.Name, bob.Name, "hi"); !errors.Is(err, ErrPortalNotOpen) {
		t.Fatalf("send after close err = %v", err)
	}
}

func TestSubscriberIsolation(t *testing.T) {
	e := newTestEngine(t)

	var delivered []Message
	e.Subscribe(func(Message) { panic("bad subscriber") })
	e.Subscribe(func(m Message) { delivered = append(delivered, m) })

	if _, err := e.Broadcast(context.Background(), "ada", "one"); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(delivered) != 1 || delivered[0].Content != "one" {
		t.Fatalf("delivered = %+v", delivered)
	}
}

func TestWaitForMessageWakesOnDelivery(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	done := make(chan []Message, 1)
	go func() {
		msgs, err := e.WaitForMessage(ctx, 0, 5*time.Second)
		if err != nil {
			t.Errorf("WaitForMessage: %v", err)
		}
		done <- msgs
	}()

	time.Sleep(50 * time.Millisecond)
	e.Broadcast(ctx, "ada", "wake up")

	select {
	case msgs := <-done:
		if len(msgs) != 1 || msgs[0].Content != "wake up" {
			t.Fatalf("msgs = %+v", msgs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("waiter did not wake on delivery")
	}
}

func TestWaitForMessageTimeout(t *testing.T) {
	e := newTestEngine(t)
	msgs, err := e.WaitForMessage(context.Background(), 0, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForMessage: %v", err)
	}
	if msgs != nil {
		t.Fatalf("msgs = %+v, want nil on timeout", msgs)
	}
}
