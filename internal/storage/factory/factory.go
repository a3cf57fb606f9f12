// Package factory selects and opens a storage backend from configuration.
package factory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/masclabs/masc/internal/storage"
	"github.com/masclabs/masc/internal/storage/file"
	"github.com/masclabs/masc/internal/storage/pg"
	"github.com/masclabs/masc/internal/storage/sqlite"
)

// Options names everything needed to open a backend. Zero values fall back
// to the in-memory store.
type Options struct {
	// Backend is one of "memory", "filesystem", "sql", "sqlite".
	Backend string

	// BaseDir is the root directory for the filesystem backend.
	BaseDir string

	// PostgresURL is the DSN for the sql backend.
	PostgresURL string

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string

	// ClusterName namespaces keys and channels on shared SQL servers.
	ClusterName string

	// EncryptionKey, when non-nil, wraps the backend with at-rest value
	// encryption. Resolve it with storage.ResolveEncryptionKey.
	EncryptionKey []byte
}

// Open builds the configured backend and applies the encryption decorator
// when a key is present.
func Open(ctx context.Context, opts Options) (storage.Backend, error) {
	var (
		backend storage.Backend
		err     error
	)
	switch opts.Backend {
	case "", "memory":
		backend = storage.NewMemory()
	case "filesystem":
		backend, err = file.New(opts.BaseDir)
	case "sql":
		backend, err = pg.Open(ctx, opts.PostgresURL, opts.ClusterName)
	case "sqlite":
		backend, err = sqlite.Open(ctx, opts.SQLitePath)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", storage.ErrBackendNotSupported, opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	if len(opts.EncryptionKey) > 0 {
		backend, err = storage.NewEncrypted(backend, opts.EncryptionKey)
		if err != nil {
			backend.Close()
			return nil, err
		}
		slog.Info("storage.encryption_enabled")
	}
	return backend, nil
}
