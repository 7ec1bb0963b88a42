package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehr/referrals/internal/config"
	"github.com/ehr/referrals/internal/platform/db"
	"github.com/ehr/referrals/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "referral-server",
		Short: "Referral intake and reconciliation API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the referral API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationsFS prefers an on-disk directory so migrations can be patched
// without a rebuild; otherwise the embedded set is used.
func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

// withPool loads config and opens a pool for the lifetime of fn.
func withPool(fn func(ctx context.Context, cfg *config.Config, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, cfg, db.NewMigrator(pool, migrationsFS(cfg.MigrationsDir)))
}

// targetSchema resolves the --practice flag, falling back to the default
// practice.
func targetSchema(cmd *cobra.Command, cfg *config.Config) (string, error) {
	practice, _ := cmd.Flags().GetString("practice")
	if practice == "" {
		practice = cfg.DefaultTenant
	}
	if !db.ValidPracticeID(practice) {
		return "", fmt.Errorf("invalid practice id %q", practice)
	}
	return db.SchemaFor(practice), nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, cfg *config.Config, m *db.Migrator) error {
				var schemas []string
				if all, _ := cmd.Flags().GetBool("all"); all {
					var err error
					if schemas, err = m.PracticeSchemas(ctx); err != nil {
						return err
					}
				} else {
					schema, err := targetSchema(cmd, cfg)
					if err != nil {
						return err
					}
					schemas = []string{schema}
				}

				for _, schema := range schemas {
					fmt.Printf("Running migrations on schema: %s\n", schema)
					count, err := m.Up(ctx, schema)
					if err != nil {
						return fmt.Errorf("migration failed on %s: %w", schema, err)
					}
					fmt.Printf("Applied %d migration(s) successfully.\n", count)
				}
				return nil
			})
		},
	}
	upCmd.Flags().String("practice", "", "Practice whose schema is migrated (defaults to DEFAULT_TENANT)")
	upCmd.Flags().Bool("all", false, "Migrate every existing practice schema")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, cfg *config.Config, m *db.Migrator) error {
				schema, err := targetSchema(cmd, cfg)
				if err != nil {
					return err
				}
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("practice", "", "Practice whose schema is inspected (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage practice schemas",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <practice-id>",
		Short: "Create a practice schema and apply all migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			practice := args[0]
			if !db.ValidPracticeID(practice) {
				return fmt.Errorf("practice id must be alphanumeric or underscore, got %q", practice)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating practice schema: %s\n", db.SchemaFor(practice))
			if err := db.CreatePracticeSchema(ctx, pool, practice, migrationsFS(cfg.MigrationsDir)); err != nil {
				return err
			}
			fmt.Println("Practice created successfully.")
			return nil
		},
	})
	return cmd
}
