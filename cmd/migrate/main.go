package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"medportal.org/internal/migrate"
	"medportal.org/internal/obs"
	"medportal.org/migrations"
)

func main() {
	var (
		dsn     string
		dir     string
		timeout time.Duration
	)

	rootCmd := &cobra.Command{
		Use:           "portal-migrate",
		Short:         "Apply the portal-auth schema and seeds",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN (default $DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&dir, "dir", "", "read SQL from this directory instead of the embedded files")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")

	run := func(fn func(ctx context.Context, mgr *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				return errors.New("missing DSN: provide via --dsn or DATABASE_URL")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			db, err := sql.Open("pgx", dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			var fsys fs.FS = migrations.FS
			if dir != "" {
				fsys = os.DirFS(dir)
			}
			return fn(ctx, migrate.NewManager(db, fsys, ".", "seeds"))
		}
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: run(func(ctx context.Context, mgr *migrate.Manager) error {
				return mgr.Up(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: run(func(ctx context.Context, mgr *migrate.Manager) error {
				return mgr.Down(ctx)
			}),
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Apply pending seed files",
			RunE: run(func(ctx context.Context, mgr *migrate.Manager) error {
				return mgr.Seed(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migrations",
			RunE: run(func(ctx context.Context, mgr *migrate.Manager) error {
				history, err := mgr.Status(ctx)
				if err != nil {
					return err
				}
				for _, item := range history {
					fmt.Println(item)
				}
				return nil
			}),
		},
	)

	if err := rootCmd.Execute(); err != nil {
		logger := obs.Logger()
		logger.Error().Err(err).Msg("migrate failed")
		os.Exit(1)
	}
}
