package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"civicpulse/api/internal/app"
	"civicpulse/api/internal/events"
	"civicpulse/api/internal/observability"
	"civicpulse/api/internal/session"
	"civicpulse/api/internal/store"
)

var (
	bindAddr        string
	shutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&bindAddr, "bind", "", "HTTP bind address (overrides API_ADDR)")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if bindAddr != "" {
		cfg.Addr = bindAddr
	}
	ctx := commandContext(cmd)

	shutdownTracer, err := observability.InitTracer(cfg.OTelEnabled, "civicpulse-api", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slog.Warn("tracer shutdown", "error", err)
		}
	}()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var revocations *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		revocations, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer revocations.Close()
		slog.Info("token revocation enabled", "backend", "redis")
	} else {
		slog.Warn("REDIS_URL not set; logout will not revoke access tokens")
	}

	var publisher interface {
		app.ActionPublisher
		Close() error
	} = events.Discard{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaActionTopic)
		slog.Info("action log feed enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaActionTopic)
	}
	defer publisher.Close()

	service := app.New(cfg, store.NewPostgresStore(db), revocations, publisher)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("civicpulse API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	return nil
}
