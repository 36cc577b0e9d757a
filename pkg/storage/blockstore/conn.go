// Package blockstore implements the chain's durable block store
// over PostgreSQL/CockroachDB: pooled connections and an
// idempotent-on-(height,hash) write path, using lib/pq as the driver. TLS
// settings come from the DSN as given; this package does not check them.
package blockstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/teamTripCode/tc-validator-node/pkg/utils"
)

var (
	ErrDSNRequired      = errors.New("blockstore: DSN is required")
	ErrConnectionFailed = errors.New("blockstore: failed to establish connection")
)

// ConnectionConfig configures the pooled PostgreSQL connection.
type ConnectionConfig struct {
	DSN          string
	ConnTimeout  time.Duration
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	PingRetries  int
}

// DefaultConnectionConfig returns conservative pool defaults.
func DefaultConnectionConfig(dsn string) ConnectionConfig {
	return ConnectionConfig{
		DSN:          dsn,
		ConnTimeout:  5 * time.Second,
		MaxOpenConns: 50,
		MaxIdleConns: 10,
		MaxLifetime:  30 * time.Minute,
		PingRetries:  5,
	}
}

// NewConnection opens a pooled *sql.DB using the "postgres" driver and pings
// it with exponential backoff, tolerating the database coming up slightly
// after the validator process on a fresh deployment.
func NewConnection(ctx context.Context, cfg ConnectionConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, ErrDSNRequired
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	var pingErr error
	for attempt := 0; attempt <= cfg.PingRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnTimeout)
		pingErr = db.PingContext(pingCtx)
		cancel()
		if pingErr == nil {
			return db, nil
		}
		if attempt == cfg.PingRetries {
			break
		}
		select {
		case <-time.After(utils.ExponentialBackoff(attempt, 200*time.Millisecond, 5*time.Second, 0.2)):
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		}
	}
	db.Close()
	return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
}
