package pg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/masclabs/masc/internal/storage"
)

// notifyPayloadBudget is the largest payload sent through pg_notify. Bigger
// messages still persist as rows; subscribers pick them up on poll.
const notifyPayloadBudget = 7900

// notifyWait bounds how long an empty Subscribe blocks on LISTEN before
// giving up; subscribers drive their own poll cadence on top.
const notifyWait = 2 * time.Second

// nsChannel applies the cluster namespace to a pub/sub channel.
func (s *Store) nsChannel(channel string) string {
	if s.cluster == "" {
		return channel
	}
	return s.cluster + ":" + channel
}

// Publish persists the message and fires a best-effort pg_notify when the
// payload fits the notify budget. The return value counts delivery paths and
// is advisory.
func (s *Store) Publish(ctx context.Context, channel, msg string) (int, error) {
	ch := s.nsChannel(channel)
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO pubsub (channel, message) VALUES ($1, $2)`, ch, msg); err != nil {
		return 0, fmt.Errorf("%w: publish %s: %v", storage.ErrOperationFailed, channel, err)
	}
	if len(msg) <= notifyPayloadBudget {
		if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, ch, msg); err != nil {
			// Row is persisted; subscribers fall back to polling.
			slog.Warn("storage.pg.notify_failed", "channel", channel, "error", err)
		}
	}
	return 1, nil
}

// Subscribe dequeues exactly one message and hands it to the handler. When
// the queue is empty it LISTENs for up to notifyWait, then tries the dequeue
// once more. Concurrent subscribers each receive different messages thanks to
// FOR UPDATE SKIP LOCKED.
func (s *Store) Subscribe(ctx context.Context, channel string, handler func(string)) error {
	msg, ok, err := s.dequeue(ctx, channel)
	if err != nil {
		return err
	}
	if ok {
		handler(msg)
		return nil
	}

	if err := s.waitForNotify(ctx, channel); err != nil {
		return err
	}

	msg, ok, err = s.dequeue(ctx, channel)
	if err != nil {
		return err
	}
	if ok {
		handler(msg)
	}
	return nil
}

// dequeue removes and returns the oldest message on a channel.
func (s *Store) dequeue(ctx context.Context, channel string) (string, bool, error) {
	var msg string
	err := s.pool.QueryRow(ctx,
		`DELETE FROM pubsub WHERE id = (
		     SELECT id FROM pubsub WHERE channel = $1
		     ORDER BY id LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 ) RETURNING message`,
		s.nsChannel(channel)).Scan(&msg)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: dequeue %s: %v", storage.ErrOperationFailed, channel, err)
	}
	return msg, true, nil
}

// waitForNotify blocks on LISTEN until a notification lands, notifyWait
// elapses, or the context is done.
func (s *Store) waitForNotify(ctx context.Context, channel string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire listen conn: %v", storage.ErrOperationFailed, err)
	}
	defer conn.Release()

	ident := pgx.Identifier{s.nsChannel(channel)}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+ident); err != nil {
		return fmt.Errorf("%w: listen %s: %v", storage.ErrOperationFailed, channel, err)
	}
	defer func() {
		// Unlisten before the conn goes back to the pool.
		unlistenCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		conn.Exec(unlistenCtx, "UNLISTEN "+ident)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, notifyWait)
	defer cancel()
	_, err = conn.Conn().WaitForNotification(waitCtx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: wait notification: %v", storage.ErrOperationFailed, err)
	}
	return nil
}

// CleanupOlderThan deletes pub/sub rows older than the given age.
func (s *Store) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pubsub WHERE created_at < now() - make_interval(secs => $1)`,
		int64(age/time.Second))
	if err != nil {
		return 0, fmt.Errorf("%w: pubsub cleanup: %v", storage.ErrOperationFailed, err)
	}
	return tag.RowsAffected(), nil
}

// TrimChannel keeps only the max most-recent rows per channel.
func (s *Store) TrimChannel(ctx context.Context, channel string, max int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pubsub
		 WHERE channel = $1 AND id NOT IN (
		     SELECT id FROM pubsub WHERE channel = $1 ORDER BY id DESC LIMIT $2
		 )`,
		s.nsChannel(channel), max)
	if err != nil {
		return 0, fmt.Errorf("%w: trim %s: %v", storage.ErrOperationFailed, channel, err)
	}
	return tag.RowsAffected(), nil
}

// Channels lists distinct channels with pending rows, namespace stripped.
func (s *Store) Channels(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT channel FROM pubsub ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("%w: channels: %v", storage.ErrOperationFailed, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("%w: scan channel: %v", storage.ErrOperationFailed, err)
		}
		out = append(out, s.stripNS(ch))
	}
	return out, rows.Err()
}
