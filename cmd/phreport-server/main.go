package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/phreport/internal/config"
	"github.com/ehr/phreport/internal/platform/db"
	"github.com/ehr/phreport/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "phreport-server",
		Short: "Public health regulatory report submission service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(complianceCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "phreport").Logger()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return runServer(ctx, cfg, newLogger(cfg))
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		schema, _ := cmd.Flags().GetString("schema")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Store != "postgres" {
			return fmt.Errorf("migrations need STORE=postgres, got %q", cfg.Store)
		}

		ctx, stop := signalContext()
		defer stop()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2, ApplicationName: "phreport-migrate"})
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, migrations.FS, schema))
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetInt("to")
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.UpTo(ctx, target)
				if err != nil {
					return fmt.Errorf("migration failed after %d applied: %w", count, err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies everything)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
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
	cmd.AddCommand(statusCmd)

	cmd.PersistentFlags().String("schema", "public", "Target schema for migrations")
	return cmd
}

func complianceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compliance",
		Short: "Compliance monitoring",
	}

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "List overdue and high-priority pending reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			escalate, _ := cmd.Flags().GetBool("escalate")
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := buildApp(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.monitor.Scan(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Scanned at %s\n", res.ScannedAt.Format(time.RFC3339))
			fmt.Printf("%-36s %-10s %-22s %s\n", "REPORT", "PRIORITY", "STATUS", "DEADLINE")
			for _, r := range res.Overdue {
				deadline := ""
				if r.ReportingDeadline != nil {
					deadline = r.ReportingDeadline.Format(time.RFC3339)
				}
				fmt.Printf("%-36s %-10s %-22s %s\n", r.ID, r.PriorityLevel, r.SubmissionStatus, deadline)
			}
			fmt.Printf("%d overdue, %d high-priority pending\n", len(res.Overdue), len(res.HighPriorityPending))

			if escalate {
				n := a.monitor.Escalate(ctx, res)
				fmt.Printf("Published %d escalation(s).\n", n)
			}
			return nil
		},
	}
	scanCmd.Flags().Bool("escalate", false, "Publish escalations for the findings")
	cmd.AddCommand(scanCmd)
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retry and stale-submission recovery pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := buildApp(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.worker.RunOnce(ctx)
			fmt.Printf("Recovered %d stale submission(s), retried %d report(s).\n", res.Recovered, res.Retried)
			return nil
		},
	}
}
