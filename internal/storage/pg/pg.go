// Package pg implements the storage contract on PostgreSQL for cross-machine
// rooms. Values live in a kv table, pub/sub in a queue table drained with
// FOR UPDATE SKIP LOCKED, and publishes additionally fire pg_notify so
// subscribers wake without polling. Keys are namespaced with the cluster name
// at the boundary; callers never see the prefix.
package pg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/masclabs/masc/internal/storage"
)

const (
	defaultPoolSize = 10

	// lockPrefix separates lock rows from plain kv rows in the same table.
	lockPrefix = "locks:"
)

// Store is the Postgres backend.
type Store struct {
	pool    *pgxpool.Pool
	cluster string
}

// Open connects a pool and verifies the connection.
func Open(ctx context.Context, dsn, cluster string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse dsn: %v", storage.ErrConnectionFailed, err)
	}
	if cfg.MaxConns == 0 || cfg.MaxConns > defaultPoolSize {
		cfg.MaxConns = defaultPoolSize
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrConnectionFailed, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", storage.ErrConnectionFailed, err)
	}
	slog.Info("storage.pg.connected", "cluster", cluster, "max_conns", cfg.MaxConns)
	return &Store{pool: pool, cluster: cluster}, nil
}

// ns applies the cluster namespace to a key.
func (s *Store) ns(key string) string {
	if s.cluster == "" {
		return key
	}
	return s.cluster + ":" + key
}

// stripNS removes the cluster namespace from a stored key.
func (s *Store) stripNS(key string) string {
	if s.cluster == "" {
		return key
	}
	return strings.TrimPrefix(key, s.cluster+":")
}

// escapeLike escapes LIKE wildcards in a literal prefix.
func escapeLike(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix)
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return "", false, err
	}
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM kv
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		s.ns(key)).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE
		 SET value = EXCLUDED.value, expires_at = NULL, updated_at = now()`,
		s.ns(key), value)
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", storage.ErrOperationFailed, key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM kv
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		s.ns(key))
	if err != nil {
		return false, fmt.Errorf("%w: delete %s: %v", storage.ErrOperationFailed, key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM kv
		 WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY key`,
		escapeLike(s.ns(prefix))+"%")
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
		keys = append(keys, s.stripNS(k))
	}
	return keys, rows.Err()
}

func (s *Store) GetAll(ctx context.Context, prefix string) ([]storage.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM kv
		 WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY key`,
		escapeLike(s.ns(prefix))+"%")
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
		e.Key = s.stripNS(e.Key)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	nk := s.ns(key)
	// Expired rows are semantically absent; clear them first so the insert
	// can land.
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM kv WHERE key = $1 AND expires_at IS NOT NULL AND expires_at < now()`, nk); err != nil {
		return false, fmt.Errorf("%w: expire sweep %s: %v", storage.ErrOperationFailed, key, err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO kv (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		nk, value)
	if err != nil {
		return false, fmt.Errorf("%w: set_if_absent %s: %v", storage.ErrOperationFailed, key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE kv SET value = $3, updated_at = now()
		 WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > now())`,
		s.ns(key), expected, value)
	if err != nil {
		return false, fmt.Errorf("%w: cas %s: %v", storage.ErrOperationFailed, key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) AtomicIncrement(ctx context.Context, key string) (int64, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return 0, err
	}
	var next int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO kv (key, value) VALUES ($1, '1')
		 ON CONFLICT (key) DO UPDATE
		 SET value = (kv.value::bigint + 1)::text, updated_at = now()
		 RETURNING value::bigint`,
		s.ns(key)).Scan(&next)
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
	nk := s.ns(lockPrefix + key)

	// Housekeeping: expired locks are discarded before the attempt.
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM kv WHERE key = $1 AND expires_at IS NOT NULL AND expires_at < now()`, nk); err != nil {
		return false, fmt.Errorf("%w: lock sweep %s: %v", storage.ErrOperationFailed, key, err)
	}

	ttlSec := int64(ttl / time.Second)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv (key, value, expires_at)
		 VALUES ($1, $2, now() + make_interval(secs => $3))
		 ON CONFLICT (key) DO NOTHING`,
		nk, owner, ttlSec)
	if err != nil {
		return false, fmt.Errorf("%w: acquire %s: %v", storage.ErrOperationFailed, key, err)
	}

	// Re-read to confirm ownership. Covers both the fresh insert and the
	// same-owner re-acquire, which extends the TTL.
	var holder string
	err = s.pool.QueryRow(ctx,
		`SELECT value FROM kv
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, nk).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: confirm %s: %v", storage.ErrOperationFailed, key, err)
	}
	if holder != owner {
		return false, nil
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE kv SET expires_at = now() + make_interval(secs => $2), updated_at = now()
		 WHERE key = $1 AND value = $3`,
		nk, ttlSec, owner); err != nil {
		return false, fmt.Errorf("%w: extend on acquire %s: %v", storage.ErrOperationFailed, key, err)
	}
	return true, nil
}

func (s *Store) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM kv
		 WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > now())`,
		s.ns(lockPrefix+key), owner)
	if err != nil {
		return false, fmt.Errorf("%w: release %s: %v", storage.ErrOperationFailed, key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ExtendLock(ctx context.Context, key string, ttl time.Duration, owner string) (bool, error) {
	if _, err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	ttl = storage.ClampTTL(ttl)
	tag, err := s.pool.Exec(ctx,
		`UPDATE kv SET expires_at = now() + make_interval(secs => $2), updated_at = now()
		 WHERE key = $1 AND value = $3 AND (expires_at IS NULL OR expires_at > now())`,
		s.ns(lockPrefix+key), int64(ttl/time.Second), owner)
	if err != nil {
		return false, fmt.Errorf("%w: extend %s: %v", storage.ErrOperationFailed, key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrConnectionFailed, err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
