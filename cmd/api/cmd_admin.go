package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"civicpulse/api/internal/app"
	"civicpulse/api/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := store.Open(commandContext(cmd), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		applied, err := store.ApplyMigrations(commandContext(cmd), db, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		slog.Info("migrations complete", "applied", len(applied))
		return nil
	},
}

var olderThan time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete action logs older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		maxAge := cfg.ActionLogRetention
		if olderThan > 0 {
			maxAge = olderThan
		}
		service := app.New(cfg, store.NewPostgresStore(db), nil, nil)
		removed, err := service.SweepActionLogs(ctx, maxAge)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d action logs older than %s\n", removed, maxAge)
		return nil
	},
}

var (
	tokenUserID     string
	tokenName       string
	tokenRole       string
	tokenDepartment string
	tokenPosition   string
)

// tokenCmd registers a user profile and prints an access token for it.
// Credential checks live in the identity provider in front of the API.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Register a user and mint an access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		service := app.New(cfg, store.NewPostgresStore(db), nil, nil)
		issued, err := service.IssueSession(ctx, store.User{
			ID:          tokenUserID,
			DisplayName: tokenName,
			Role:        tokenRole,
			Department:  tokenDepartment,
			Position:    tokenPosition,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), issued.Token)
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age cutoff (e.g. 2160h); defaults to ACTION_LOG_RETENTION_DAYS")

	tokenCmd.Flags().StringVar(&tokenUserID, "id", "", "User id")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "Display name")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "citizen", "Role (citizen, public-official, moderator, admin)")
	tokenCmd.Flags().StringVar(&tokenDepartment, "department", "", "Department, for officials")
	tokenCmd.Flags().StringVar(&tokenPosition, "position", "", "Position, for officials")
	_ = tokenCmd.MarkFlagRequired("id")
	_ = tokenCmd.MarkFlagRequired("name")
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
