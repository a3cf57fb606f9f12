package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/masclabs/masc/internal/auth"
	"github.com/masclabs/masc/internal/config"
	"github.com/masclabs/masc/internal/coord"
	"github.com/masclabs/masc/internal/storage"
	"github.com/masclabs/masc/internal/storage/factory"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage agent credentials",
	}
	cmd.AddCommand(tokenIssueCmd())
	cmd.AddCommand(tokenRevokeCmd())
	cmd.AddCommand(tokenListCmd())
	return cmd
}

// openAuth opens the configured backend and an auth service over it.
// The caller must Close the returned backend.
func openAuth(ctx context.Context) (storage.Backend, *auth.Service, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	key, err := storage.ResolveEncryptionKey("MASC_ENCRYPTION_KEY", cfg.Storage.EncryptionKeyFile, cfg.Storage.EncryptionKey)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, err
	}
	return store, auth.New(store), nil
}

func tokenIssueCmd() *cobra.Command {
	var (
		role       string
		ttlSeconds int
	)
	cmd := &cobra.Command{
		Use:   "issue <agent>",
		Short: "Issue a credential; the token is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, svc, err := openAuth(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			var ttl time.Duration
			if ttlSeconds > 0 {
				ttl = time.Duration(ttlSeconds) * time.Second
			}
			token, cred, err := svc.Issue(ctx, args[0], role, ttl)
			if err != nil {
				return err
			}
			fmt.Printf("agent: %s\nrole:  %s\ntoken: %s\n", cred.AgentName, cred.Role, token)
			if cred.ExpiresAt != nil {
				fmt.Printf("expires: %s\n", cred.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Println("store this token now; only its hash is kept")
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", coord.RoleWorker, "reader, worker, or admin")
	cmd.Flags().IntVar(&ttlSeconds, "ttl", 0, "expiry in seconds (0 means no expiry)")
	return cmd
}

func tokenRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <agent>",
		Short: "Revoke an agent's credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, svc, err := openAuth(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := svc.Revoke(ctx, args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no credential found for %s", args[0])
			}
			fmt.Printf("revoked credential for %s\n", args[0])
			return nil
		},
	}
}

func tokenListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List issued credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, svc, err := openAuth(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			creds, err := svc.List(ctx)
			if err != nil {
				return err
			}
			if len(creds) == 0 {
				fmt.Println("no credentials issued")
				return nil
			}
			for _, c := range creds {
				expiry := "never"
				if c.ExpiresAt != nil {
					expiry = c.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Printf("%-24s %-8s created %s expires %s\n",
					c.AgentName, c.Role, c.CreatedAt.Format(time.RFC3339), expiry)
			}
			return nil
		},
	}
}
