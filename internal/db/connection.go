// Package db contains code for connecting to the database.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bal-adresse/publication-server/internal/config"
)

const (
	defaultMaxConns    = 25
	defaultPingTimeout = 10 * time.Second

	// maxConnectElapsed bounds the startup retry loop; a database that is
	// down longer than this fails the process.
	maxConnectElapsed = 2 * time.Minute
)

// Connect creates a connection pool from the provided configuration and
// verifies connectivity, retrying with exponential backoff while the
// database comes up.
func Connect(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}

	connString, err := cfg.GetConnectionString()
	if err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database configuration: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	if poolCfg.MaxConns == 0 {
		poolCfg.MaxConns = defaultMaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	ping := func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			slog.Warn("database not reachable yet, retrying", "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	_, err = backoff.Retry(ctx, ping,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxConnectElapsed))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	slog.Info("connected to database",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database,
		"max_conns", poolCfg.MaxConns)
	return pool, nil
}
