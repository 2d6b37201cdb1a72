package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// PoolConfig tunes the connection pool and the startup ping.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// PingAttempts bounds how often NewDB retries an unreachable server.
	PingAttempts int
	PingTimeout  time.Duration
	// PingBackoff is the first wait between attempts; it doubles each time.
	PingBackoff time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		PingAttempts:    5,
		PingTimeout:     5 * time.Second,
		PingBackoff:     500 * time.Millisecond,
	}
}

type Option func(*PoolConfig)

func WithPool(maxOpen, maxIdle int, lifetime time.Duration) Option {
	return func(c *PoolConfig) {
		c.MaxOpenConns = maxOpen
		c.MaxIdleConns = maxIdle
		c.ConnMaxLifetime = lifetime
	}
}

func WithPing(attempts int, timeout, backoff time.Duration) Option {
	return func(c *PoolConfig) {
		c.PingAttempts = attempts
		c.PingTimeout = timeout
		c.PingBackoff = backoff
	}
}

// NewDB opens a pgx-backed pool and waits until the server answers. The
// bot usually starts next to its database, so a refused ping is retried.
func NewDB(ctx context.Context, uri string, opts ...Option) (*sql.DB, error) {
	cfg := DefaultPoolConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PingAttempts < 1 {
		cfg.PingAttempts = 1
	}

	connCfg, err := pgx.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db uri: %w", err)
	}

	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	log := slog.With("host", connCfg.Host, "port", connCfg.Port, "database", connCfg.Database)
	if err := ping(ctx, db, cfg, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("connected to DB")
	return db, nil
}

func ping(ctx context.Context, db *sql.DB, cfg PoolConfig, log *slog.Logger) error {
	backoff := cfg.PingBackoff
	var err error
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt >= cfg.PingAttempts {
			break
		}
		log.Warn("DB not ready, retrying", "attempt", attempt, "wait", backoff, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to ping db: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("failed to ping db after %d attempts: %w", cfg.PingAttempts, err)
}

func CloseDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		slog.Error("failed to close DB", "error", err)
	}
}
