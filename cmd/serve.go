package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/masclabs/masc/internal/auth"
	"github.com/masclabs/masc/internal/bus"
	"github.com/masclabs/masc/internal/config"
	"github.com/masclabs/masc/internal/coord"
	"github.com/masclabs/masc/internal/janitor"
	"github.com/masclabs/masc/internal/mitosis"
	"github.com/masclabs/masc/internal/ratelimit"
	"github.com/masclabs/masc/internal/rpc"
	"github.com/masclabs/masc/internal/sessions"
	"github.com/masclabs/masc/internal/storage"
	"github.com/masclabs/masc/internal/storage/factory"
	"github.com/masclabs/masc/internal/telemetry"
	"github.com/masclabs/masc/internal/tools"
	"github.com/masclabs/masc/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server (stdio JSON-RPC, plus HTTP when configured)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// channelTrimmer is implemented by backends with per-channel retention.
type channelTrimmer interface {
	TrimChannel(ctx context.Context, channel string, max int) (int64, error)
}

// ageCleaner is implemented by backends that can expire old pub/sub rows.
type ageCleaner interface {
	CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	setupLogging(cfg.Verbose)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Version:  Version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("serve.telemetry_shutdown_failed", "error", err)
		}
	}()

	key, err := storage.ResolveEncryptionKey("MASC_ENCRYPTION_KEY", cfg.Storage.EncryptionKeyFile, cfg.Storage.EncryptionKey)
	if err != nil {
		return fmt.Errorf("resolve encryption key: %w", err)
	}
	store, err := factory.Open(ctx, factory.Options{
		Backend:       cfg.Storage.Backend,
		BaseDir:       cfg.Storage.BaseDir,
		PostgresURL:   cfg.Storage.PostgresURL,
		SQLitePath:    cfg.Storage.SQLitePath,
		ClusterName:   cfg.Storage.ClusterName,
		EncryptionKey: key,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	slog.Info("serve.storage_ready", "backend", cfg.Storage.Backend)

	engine := coord.New(store, coord.Options{ZombieThreshold: cfg.ZombieThreshold()})
	router := tools.NewRouter(tools.RouterOptions{
		Engine:      engine,
		Sessions:    sessions.NewManager(ctx, store),
		Auth:        auth.New(store),
		AuthEnabled: cfg.Auth.Enabled,
		Limiter:     ratelimit.New(),
		Cell: mitosis.New(ctx, store, mitosis.Options{
			Node:         cfg.Mitosis.Node,
			SpawnCommand: cfg.Mitosis.SpawnCommand,
			StemCells:    cfg.Mitosis.StemCells,
		}),
	})
	server := rpc.NewServer(router, engine, Version)

	// Live event feed for websocket subscribers.
	events := bus.New()
	engine.Subscribe(func(msg coord.Message) {
		events.Publish(bus.Event{Name: "message", Payload: msg})
	})

	jan, err := buildJanitor(cfg, engine, store)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// stdin EOF means the parent is gone; shut everything down.
		defer stop()
		return server.ServeStdio(ctx, os.Stdin, os.Stdout)
	})
	if cfg.HTTP.Port > 0 {
		httpSrv := rpc.NewHTTPServer(server, events, cfg.HTTP.Host, cfg.HTTP.Port)
		g.Go(func() error { return httpSrv.Run(ctx) })
	}
	g.Go(func() error { return jan.Run(ctx) })

	if cfg.Storage.Backend == "filesystem" {
		if err := engine.WatchMessages(ctx, cfg.Storage.BaseDir); err != nil {
			slog.Warn("serve.watch_failed", "error", err)
		}
	}

	slog.Info("serve.started", "version", Version, "auth", cfg.Auth.Enabled, "http_port", cfg.HTTP.Port)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildJanitor assembles the scheduled sweeps. Retention jobs are skipped on
// backends that do not implement them.
func buildJanitor(cfg *config.Config, engine *coord.Engine, store storage.Backend) (*janitor.Janitor, error) {
	jobs := []janitor.Job{
		{
			Name:     "zombie_sweep",
			Schedule: cfg.Janitor.ZombieSweep,
			Run: func(ctx context.Context) error {
				swept, err := engine.SweepZombies(ctx)
				if err != nil {
					return err
				}
				if len(swept) > 0 {
					slog.Info("janitor.zombies_swept", "agents", swept)
				}
				engine.Locks().Prune(ctx)
				return nil
			},
		},
		{
			Name:     "task_gc",
			Schedule: cfg.Janitor.TaskGC,
			Run: func(ctx context.Context) error {
				archived, err := engine.GCTasks(ctx, cfg.Janitor.TaskGCDays)
				if err != nil {
					return err
				}
				if archived > 0 {
					slog.Info("janitor.tasks_archived", "count", archived)
				}
				return nil
			},
		},
	}

	trimmer, canTrim := store.(channelTrimmer)
	cleaner, canClean := store.(ageCleaner)
	if canTrim || canClean {
		jobs = append(jobs, janitor.Job{
			Name:     "pubsub_cleanup",
			Schedule: cfg.Janitor.PubSubCleanup,
			Run: func(ctx context.Context) error {
				if canClean {
					age := time.Duration(cfg.Janitor.PubSubMaxAgeDays) * 24 * time.Hour
					if _, err := cleaner.CleanupOlderThan(ctx, age); err != nil {
						return err
					}
				}
				if canTrim {
					for _, ch := range []string{protocol.ChannelMessages, protocol.ChannelEvents, protocol.ChannelTasks} {
						if _, err := trimmer.TrimChannel(ctx, ch, cfg.Storage.PubSubMaxMessages); err != nil {
							return err
						}
					}
				}
				return nil
			},
		})
	}

	return janitor.New(jobs)
}
