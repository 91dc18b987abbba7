package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/api/middleware"
	"github.com/bitcard/fulfillment-engine/internal/app"
	"github.com/bitcard/fulfillment-engine/internal/config"
	"github.com/bitcard/fulfillment-engine/internal/db"
	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "fulfillmentctl",
		Short:         "Operate the BTC/USDC fulfillment engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(allocateCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the allocator, sender and reconciliation workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run()
		},
	}
}

func migrateCmd() *cobra.Command {
	var databaseURL string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", envDefault("DATABASE_URL"), "PostgreSQL connection string")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if databaseURL == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			if err := db.MigrateUp(databaseURL); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if databaseURL == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			if err := db.MigrateDown(databaseURL, steps); err != nil {
				return err
			}
			fmt.Printf("rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}

func allocateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allocate",
		Short: "Run one allocator pass and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				summary, err := a.Allocator.Run(ctx)
				if err != nil {
					return fmt.Errorf("allocator pass: %w", err)
				}
				return printJSON(summary)
			})
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send",
		Short: "Run one sender pass, including stale SENDING recovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				summary, err := a.Sender.Run(ctx)
				if err != nil {
					return fmt.Errorf("sender pass: %w", err)
				}
				return printJSON(summary)
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	var assets []string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare ledger balances with custody and record the result",
		Long: `Reconcile one or more assets against the custody provider.

Examples:
  fulfillmentctl reconcile --asset BTC
  fulfillmentctl reconcile --asset BTC --asset USDC`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				if len(assets) == 0 {
					assets = a.Config.ReconciliationAssets
				}
				var failed []string
				for _, asset := range assets {
					rec, err := a.Services.Reconciliation.Run(ctx, strings.ToUpper(asset))
					if rec.Status != "" {
						if perr := printJSON(rec); perr != nil {
							return perr
						}
					}
					if err != nil {
						fmt.Fprintf(os.Stderr, "reconcile %s: %v\n", asset, err)
						failed = append(failed, asset)
					}
				}
				if len(failed) > 0 {
					return fmt.Errorf("reconciliation failed for %s", strings.Join(failed, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&assets, "asset", nil, "asset to reconcile (BTC or USDC); defaults to RECONCILIATION_ASSETS")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			middleware.SetJWTSecret(cfg.JWTSecret)
			middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)
			token, err := middleware.IssueToken(userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "subject user id")
	cmd.Flags().StringVar(&role, "role", domain.RoleAdmin, "customer, sales_rep, admin or super_admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envDefault(name string) string {
	if v := os.Getenv("FULFILLMENT_" + name); v != "" {
		return v
	}
	return os.Getenv(name)
}
