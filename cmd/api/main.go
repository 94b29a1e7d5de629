package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"civicpulse/api/internal/config"
	"civicpulse/api/internal/store"
)

var (
	logLevel string
	envFile  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "civicpulse",
	Short: "CivicPulse petition and notification API",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Optional .env file loaded before the environment")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(tokenCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func loadConfig() (config.Config, error) {
	if envFile != "" {
		return config.Load(envFile)
	}
	return config.Load()
}

// openDatabase connects and brings the schema up to date.
func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if _, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	return db, nil
}
