// Package sqlite implements the storage contract on an embedded SQLite
// database (modernc.org/sqlite, pure Go). It serves single-machine rooms
// that need durability without a Postgres server. Pub/sub persists rows but
// has no notify channel; subscribers poll.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/masclabs/masc/internal/storage"
)

const lockPrefix = "locks:"

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    expires_at INTEGER NULL,
    created_at INTEGER NOT NULL DEFAULT (unixepoch()),
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);
CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv (expires_at) WHERE expires_at IS NOT NULL;
CREATE TABLE IF NOT EXISTS pubsub (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    channel    TEXT NOT NULL,
    message    TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (unixepoch())
);
CREATE INDEX IF NOT EXISTS idx_pubsub_channel_id ON pubsub (channel, id);
`

// Store is the SQLite backend.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", storage.ErrConnectionFailed, err)
	}
	// One writer connection keeps kv mutations serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", storage.ErrConnectionFailed, err)
	}
	slog.Info("storage.sqlite.opened", "path", path)
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return "", false, err
	}
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv
		 WHERE key = ? AND (expires_at IS NULL OR expires_at > unixepoch())`,
		key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s: %v", storage.ErrOperationFailed, key, err)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if _, err := storage.ValidateKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, expires_at = NULL, updated_at = unixepoch()`,
		key, value)
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", storage.ErrOperationFailed, key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > unixepoch())`,
		key)
	if err != nil {
		return false, fmt.Errorf("%w: delete %s: %v", storage.ErrOperationFailed, key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv
		 WHERE key LIKE ? ESCAPE '\' AND (expires_at IS NULL OR expires_at > unixepoch())
		 ORDER BY key`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", storage.ErrOperationFailed, prefix, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("%w: scan key: %v", storage.ErrOperationFailed, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) GetAll(ctx context.Context, prefix string) ([]storage.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv
		 WHERE key LIKE ? ESCAPE '\' AND (expires_at IS NULL OR expires_at > unixepoch())
		 ORDER BY key`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("%w: get_all %s: %v", storage.ErrOperationFailed, prefix, err)
	}
	defer rows.Close()
	var entries []storage.Entry
	for rows.Next() {
		var e storage.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("%w: scan entry: %v", storage.ErrOperationFailed, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func escapeLike(prefix string) string {
	out := make([]byte, 0, len(prefix))
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '\\', '%', '_':
			out = append(out, '\\')
		}
		out = append(out, prefix[i])
	}
	return string(out)
}

func (s *Store) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE key = ? AND expires_at IS NOT NULL AND expires_at < unixepoch()`,
		key); err != nil {
		return false, fmt.Errorf("%w: expire sweep %s: %v", storage.ErrOperationFailed, key, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT (key) DO NOTHING`,
		key, value)
	if err != nil {
		return false, fmt.Errorf("%w: set_if_absent %s: %v", storage.ErrOperationFailed, key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE kv SET value = ?, updated_at = unixepoch()
		 WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > unixepoch())`,
		value, key, expected)
	if err != nil {
		return false, fmt.Errorf("%w: cas %s: %v", storage.ErrOperationFailed, key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) AtomicIncrement(ctx context.Context, key string) (int64, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return 0, err
	}
	var next int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, '1')
		 ON CONFLICT (key) DO UPDATE
		 SET value = CAST(CAST(kv.value AS INTEGER) + 1 AS TEXT), updated_at = unixepoch()
		 RETURNING CAST(value AS INTEGER)`,
		key).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("%w: increment %s: %v", storage.ErrOperationFailed, key, err)
	}
	return next, nil
}

func (s *Store) AtomicUpdate(ctx context.Context, key string, fn storage.UpdateFunc) error {
	if _, err := storage.ValidateKey(key); err != nil {
		return err
	}
	return storage.AtomicUpdateCAS(ctx, s, key, fn)
}

func (s *Store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	ttl = storage.ClampTTL(ttl)
	lk := lockPrefix + key
	ttlSec := int64(ttl / time.Second)

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE key = ? AND expires_at IS NOT NULL AND expires_at < unixepoch()`,
		lk); err != nil {
		return false, fmt.Errorf("%w: lock sweep %s: %v", storage.ErrOperationFailed, key, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, unixepoch() + ?)
		 ON CONFLICT (key) DO NOTHING`,
		lk, owner, ttlSec); err != nil {
		return false, fmt.Errorf("%w: acquire %s: %v", storage.ErrOperationFailed, key, err)
	}
	var holder string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > unixepoch())`,
		lk).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: confirm %s: %v", storage.ErrOperationFailed, key, err)
	}
	if holder != owner {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE kv SET expires_at = unixepoch() + ?, updated_at = unixepoch()
		 WHERE key = ? AND value = ?`,
		ttlSec, lk, owner); err != nil {
		return false, fmt.Errorf("%w: extend on acquire %s: %v", storage.ErrOperationFailed, key, err)
	}
	return true, nil
}

func (s *Store) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv
		 WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > unixepoch())`,
		lockPrefix+key, owner)
	if err != nil {
		return false, fmt.Errorf("%w: release %s: %v", storage.ErrOperationFailed, key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ExtendLock(ctx context.Context, key string, ttl time.Duration, owner string) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	ttl = storage.ClampTTL(ttl)
	res, err := s.db.ExecContext(ctx,
		`UPDATE kv SET expires_at = unixepoch() + ?, updated_at = unixepoch()
		 WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > unixepoch())`,
		int64(ttl/time.Second), lockPrefix+key, owner)
	if err != nil {
		return false, fmt.Errorf("%w: extend %s: %v", storage.ErrOperationFailed, key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Publish persists the message. There is no notify channel; subscribers poll.
func (s *Store) Publish(ctx context.Context, channel, msg string) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO pubsub (channel, message) VALUES (?, ?)`, channel, msg); err != nil {
		return 0, fmt.Errorf("%w: publish %s: %v", storage.ErrOperationFailed, channel, err)
	}
	return 1, nil
}

// Subscribe dequeues at most one message. The single-connection pool keeps
// concurrent dequeues serialized.
func (s *Store) Subscribe(ctx context.Context, channel string, handler func(string)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", storage.ErrOperationFailed, err)
	}
	defer tx.Rollback()

	var id int64
	var msg string
	err = tx.QueryRowContext(ctx,
		`SELECT id, message FROM pubsub WHERE channel = ? ORDER BY id LIMIT 1`,
		channel).Scan(&id, &msg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: dequeue %s: %v", storage.ErrOperationFailed, channel, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pubsub WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: dequeue delete: %v", storage.ErrOperationFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", storage.ErrOperationFailed, err)
	}
	handler(msg)
	return nil
}

// TrimChannel keeps only the max most-recent rows per channel.
func (s *Store) TrimChannel(ctx context.Context, channel string, max int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pubsub
		 WHERE channel = ? AND id NOT IN (
		     SELECT id FROM pubsub WHERE channel = ? ORDER BY id DESC LIMIT ?
		 )`,
		channel, channel, max)
	if err != nil {
		return 0, fmt.Errorf("%w: trim %s: %v", storage.ErrOperationFailed, channel, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrConnectionFailed, err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }
