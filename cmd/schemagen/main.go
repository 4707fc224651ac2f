// schemagen introspects the analytics Postgres database and writes the
// table description document the agents read.
//
//	schemagen --output tables_schema.json
//	schemagen --no-describe
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // postgres driver
	"github.com/spf13/cobra"

	"github.com/ashureev/sqlsight/internal/config"
	"github.com/ashureev/sqlsight/internal/llm"
	"github.com/ashureev/sqlsight/internal/schema"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var (
		output     string
		noDescribe bool
	)
	cmd := &cobra.Command{
		Use:   "schemagen",
		Short: "Generate the table schema document from the analytics database",
		Long: `Reads every table of the public schema, its columns and foreign keys,
infers further relationships from <table>_id column names and asks the
configured model to describe each table and column.

Connection settings come from DATABASE_URL or host/port/dbname/user/password.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), output, !noDescribe)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (default: SCHEMA_PATH)")
	cmd.Flags().BoolVar(&noDescribe, "no-describe", false, "Skip model-written descriptions")
	return cmd
}

func run(parent context.Context, output string, describe bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Database.Driver != config.DriverPostgres {
		return fmt.Errorf("schemagen requires DATABASE_DRIVER=%s, got %q", config.DriverPostgres, cfg.Database.Driver)
	}
	if output == "" {
		output = cfg.SchemaPath
	}

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("Failed to close database", "error", closeErr)
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	slog.Info("Database connected", "host", cfg.Database.Host, "dbname", cfg.Database.Name)

	var describer schema.Describer
	if describe {
		client, err := llm.New(ctx, cfg.Model)
		if err != nil {
			return fmt.Errorf("init model client: %w", err)
		}
		describer = schema.NewModelDescriber(client, cfg.Model.ID, cfg.Model.MaxTokens)
	}

	tables, err := schema.NewGenerator(schema.NewCatalog(db), describer, slog.Default()).Generate(ctx)
	if err != nil {
		return err
	}
	if err := schema.WriteFile(output, tables); err != nil {
		return err
	}
	slog.Info("Schema written", "path", output, "tables", len(tables))
	return nil
}
