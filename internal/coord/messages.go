package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/masclabs/masc/internal/storage"
	"github.com/masclabs/masc/pkg/protocol"
)

// waitPollInterval is the cadence of wait_for_message polls between wakeups.
const waitPollInterval = 2 * time.Second

var mentionRe = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// extractMention returns the first @name in content, or "".
func extractMention(content string) string {
	m := mentionRe.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return m[1]
}

// Broadcast appends a message to the room log and fans it out: pub/sub
// channel, in-process subscribers, and waiting pollers.
func (e *Engine) Broadcast(ctx context.Context, from, content string) (Message, error) {
	if _, err := e.State(ctx); err != nil {
		return Message{}, err
	}
	return e.appendMessage(ctx, Message{
		From:    from,
		Type:    MessageBroadcast,
		Content: content,
	})
}

// Send delivers a direct message. The sender must hold an open portal to the
// target.
func (e *Engine) Send(ctx context.Context, from, to, content string) (Message, error) {
	if _, err := e.State(ctx); err != nil {
		return Message{}, err
	}
	open, err := e.portalIsOpen(ctx, from, to)
	if err != nil {
		return Message{}, err
	}
	if !open {
		return Message{}, fmt.Errorf("%w: %s -> %s", ErrPortalNotOpen, from, to)
	}
	return e.appendMessage(ctx, Message{
		From:    from,
		To:      to,
		Type:    MessageDirect,
		Content: content,
	})
}

func (e *Engine) appendMessage(ctx context.Context, msg Message) (Message, error) {
	msg.Seq = e.seq.NextMessage(ctx)
	msg.Mention = extractMention(msg.Content)
	msg.Timestamp = e.now()

	raw, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}
	key := fmt.Sprintf("%s%06d_%s_%s", messagePrefix, msg.Seq, msg.From, msg.Type)
	if err := e.store.Set(ctx, key, string(raw)); err != nil {
		return Message{}, err
	}

	// Best-effort high water mark; the counter stays authoritative.
	if _, err := e.updateState(ctx, func(st *RoomState) error {
		if msg.Seq > st.MessageSeq {
			st.MessageSeq = msg.Seq
		}
		return nil
	}); err != nil {
		slog.Debug("coord.message.state_bump_failed", "seq", msg.Seq, "error", err)
	}

	if msg.Type == MessageBroadcast {
		e.appendEvent(ctx, protocol.EventBroadcast, msg.From, map[string]any{"seq": msg.Seq})
	}
	if _, err := e.store.Publish(ctx, protocol.ChannelMessages, string(raw)); err != nil {
		if !errors.Is(err, storage.ErrBackendNotSupported) {
			slog.Debug("coord.message.publish_failed", "seq", msg.Seq, "error", err)
		}
	}
	e.notifySubscribers(msg)
	e.Wake()
	return msg, nil
}

// Subscribe registers an in-process callback invoked once per appended
// message. Callbacks are isolated: a panic in one never reaches the others.
func (e *Engine) Subscribe(fn func(Message)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

func (e *Engine) notifySubscribers(msg Message) {
	e.mu.Lock()
	subs := make([]func(Message), len(e.subscribers))
	copy(subs, e.subscribers)
	e.mu.Unlock()
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("coord.message.subscriber_panic", "panic", r)
				}
			}()
			fn(msg)
		}()
	}
}

// Wake nudges blocked wait_for_message calls to poll immediately. The file
// watcher calls this on external deliveries.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// GetMessages returns messages with seq > sinceSeq in ascending order. When
// more than limit qualify, the newest limit are returned (still ascending);
// limit 0 means no bound.
func (e *Engine) GetMessages(ctx context.Context, sinceSeq int64, limit int) ([]Message, error) {
	keys, err := e.store.ListKeys(ctx, messagePrefix)
	if err != nil {
		return nil, err
	}
	// Keys sort by zero-padded seq, so scan newest-first and stop once limit
	// messages qualify.
	var selected []string
	for i := len(keys) - 1; i >= 0; i-- {
		seq, ok := messageSeqFromKey(keys[i])
		if !ok || seq <= sinceSeq {
			continue
		}
		selected = append(selected, keys[i])
		if limit > 0 && len(selected) == limit {
			break
		}
	}

	msgs := make([]Message, 0, len(selected))
	for i := len(selected) - 1; i >= 0; i-- {
		raw, ok, err := e.store.Get(ctx, selected[i])
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			slog.Warn("coord.message.decode_failed", "key", selected[i], "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// messageSeqFromKey parses the sequence number out of a message key of the
// form messages:<seq>_<from>_<type>.
func messageSeqFromKey(key string) (int64, bool) {
	rest := strings.TrimPrefix(key, messagePrefix)
	end := strings.IndexByte(rest, '_')
	if end < 0 {
		end = len(rest)
	}
	seq, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// WaitForMessage blocks until a message with seq > sinceSeq exists, the
// timeout elapses, or the context is done. It polls on a fixed cadence and
// wakes early on local deliveries or watcher signals. An empty result means
// the wait timed out.
func (e *Engine) WaitForMessage(ctx context.Context, sinceSeq int64, timeout time.Duration) ([]Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		msgs, err := e.GetMessages(ctx, sinceSeq, 0)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := waitPollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
