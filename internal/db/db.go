// Package db provides database connection handling for the signing engine.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	// MaxOpenConns caps the connection pool; the service is mostly I/O bound
	// on object storage, not the database.
	MaxOpenConns = 25
	// MaxIdleConns keeps a few warm connections for the signing hot path.
	MaxIdleConns = 5
	// ConnMaxLifetime recycles connections so pooled proxies can rebalance.
	ConnMaxLifetime = 30 * time.Minute

	pingTimeout = 5 * time.Second
)

// Open connects to PostgreSQL, configures the pool, and verifies the
// connection with a ping.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(MaxOpenConns)
	conn.SetMaxIdleConns(MaxIdleConns)
	conn.SetConnMaxLifetime(ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return conn, nil
}
