package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vaxtrack/vaxtrack/internal/config"
	"github.com/vaxtrack/vaxtrack/internal/domain/immunization"
	"github.com/vaxtrack/vaxtrack/internal/platform/db"
	"github.com/vaxtrack/vaxtrack/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "vaxtrack",
		Short:        "Childhood immunization scheduling service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(scheduleCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if cfg.StoreDriver == config.DriverSQLite {
				// Opening the store applies its embedded migrations.
				b, err := openBackend(ctx, cfg, newLogger(cfg))
				if err != nil {
					return err
				}
				b.Close()
				fmt.Fprintf(out, "SQLite schema at %s is up to date.\n", cfg.SQLitePath)
				return nil
			}

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg), newLogger(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.Postgres, migrations.PostgresRoot).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.DriverPostgres {
				return fmt.Errorf("migrate status requires STORE_DRIVER=%s", config.DriverPostgres)
			}
			ctx := cmd.Context()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg), newLogger(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.Postgres, migrations.PostgresRoot).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// scheduleCmd prints the schedule for a birth date without touching a store.
func scheduleCmd() *cobra.Command {
	var dob, format string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the immunization schedule for a date of birth",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := immunization.ParseDate(dob)
			if err != nil {
				return err
			}
			visits, err := immunization.GenerateSchedule(d)
			if err != nil {
				return err
			}
			rows := immunization.ExportRows(immunization.Schedule{Visits: visits})
			out := cmd.OutOrStdout()

			switch strings.ToLower(format) {
			case "csv":
				return immunization.WriteCSV(out, rows)
			case "table", "":
				fmt.Fprintf(out, "%-14s %-10s %s\n", "VISIT", "DATE", "VACCINES")
				for _, r := range rows {
					fmt.Fprintf(out, "%-14s %-10s %s\n", r.Visit, r.Date, r.Vaccines)
				}
				return nil
			}
			return fmt.Errorf("unsupported format %q (use table or csv)", format)
		},
	}
	cmd.Flags().StringVar(&dob, "dob", "", "Date of birth (YYYY-MM-DD)")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table or csv")
	_ = cmd.MarkFlagRequired("dob")
	return cmd
}

func loadValidConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func poolOptions(cfg *config.Config) db.PoolOptions {
	return db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns}
}
