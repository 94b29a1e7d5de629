package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	connectAttempts = 5
	connectBackoff  = time.Second
)

// Open returns a pooled handle on the pgx driver. The first ping is retried
// with linear backoff while Postgres comes up.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	for attempt := 1; ; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			return db, nil
		}
		if attempt == connectAttempts {
			break
		}
		slog.Warn("database not ready", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			db.Close()
			return nil, fmt.Errorf("ping db: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * connectBackoff):
		}
	}
	db.Close()
	return nil, fmt.Errorf("ping db: %w", err)
}
