package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/masclabs/masc/internal/config"
	"github.com/masclabs/masc/internal/mitosis"
	"github.com/masclabs/masc/internal/storage"
	"github.com/masclabs/masc/internal/storage/factory"
	"github.com/masclabs/masc/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, configuration, and backend health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd)
		},
	}
}

func runDoctor(cmd *cobra.Command) error {
	ctx := cmd.Context()

	fmt.Println("masc doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return err
	}
	fmt.Printf("  Backend:  %s\n", cfg.Storage.Backend)
	fmt.Printf("  Auth:     enabled=%v\n", cfg.Auth.Enabled)
	fmt.Printf("  HTTP:     port=%d\n", cfg.HTTP.Port)
	fmt.Println()

	key, err := storage.ResolveEncryptionKey("MASC_ENCRYPTION_KEY", cfg.Storage.EncryptionKeyFile, cfg.Storage.EncryptionKey)
	if err != nil {
		fmt.Printf("  Encryption key: ERROR %s\n", err)
		return err
	}
	if len(key) > 0 {
		fmt.Println("  Encryption: enabled")
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
		fmt.Printf("  Storage:  ERROR %s\n", err)
		return err
	}
	defer store.Close()

	if err := store.HealthCheck(ctx); err != nil {
		fmt.Printf("  Storage:  UNHEALTHY %s\n", err)
		return err
	}
	fmt.Println("  Storage:  healthy")

	cell, found, err := mitosis.Status(ctx, store, cfg.Mitosis.Node)
	if err != nil {
		fmt.Printf("  Mitosis:  ERROR %s\n", err)
	} else if found {
		fmt.Printf("  Mitosis:  node=%s generation=%d phase=%s state=%s\n",
			cfg.Mitosis.Node, cell.Generation, cell.Phase, cell.State)
	} else {
		fmt.Printf("  Mitosis:  node=%s (no cell record)\n", cfg.Mitosis.Node)
	}

	return nil
}
