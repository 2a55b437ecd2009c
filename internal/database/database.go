package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config sizes the connection pool. One sweep writes at a time, so the pool
// stays small.
type Config struct {
	URL             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
	// ConnectTimeout bounds how long Connect waits for the server, which may
	// still be starting when it runs behind the Cloud SQL proxy.
	ConnectTimeout time.Duration
	PingInterval   time.Duration
}

// DefaultConfig returns the pool settings used by the service.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxOpen:         10,
		MaxIdle:         2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
		PingInterval:    500 * time.Millisecond,
	}
}

// Connect opens the pool and pings until the server answers or
// ConnectTimeout passes.
func Connect(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := waitReady(ctx, db, cfg); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func waitReady(ctx context.Context, db *sql.DB, cfg Config) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	interval := cfg.PingInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	for {
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to ping database: %w", err)
		case <-time.After(interval):
		}
	}
}

// HealthCheck runs a trivial query with a short deadline.
func HealthCheck(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// PoolStats is the subset of sql.DBStats reported by /api/stats.
type PoolStats struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
	WaitDurationMS  int64 `json:"wait_duration_ms"`
}

// Stats snapshots db's pool.
func Stats(db *sql.DB) PoolStats {
	s := db.Stats()
	return PoolStats{
		OpenConnections: s.OpenConnections,
		InUse:           s.InUse,
		Idle:            s.Idle,
		WaitCount:       s.WaitCount,
		WaitDurationMS:  s.WaitDuration.Milliseconds(),
	}
}
