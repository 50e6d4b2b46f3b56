// Package store provides the durable, write-behind PatternStore, WeightStore
// and SignatureStore contracts over a single Postgres pool: connect once,
// bootstrap the schema from a .sql file, upsert in batches on background
// writers.
package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Postgres is the shared connection pool backing all three store contracts.
// Write errors at runtime are logged and dropped; never block the request
// path.
type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect opens the pool and pings it. A connect failure is fatal at
// startup.
func Connect(ctx context.Context, connStr string, log zerolog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	log.Info().Msg("connected to postgres store")
	return &Postgres{pool: pool, log: log}, nil
}

// Close releases the pool. Safe to call on a nil receiver's zero pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Pool exposes the underlying pgxpool.Pool for subsystems that need direct
// access (e.g. internal/similarity's pgvector column).
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// InitSchema loads and executes schema.sql at startup.
func (p *Postgres) InitSchema(ctx context.Context) error {
	path := os.Getenv("STYLOBOT_SCHEMA_PATH")
	if path == "" {
		path = "internal/store/schema.sql"
	}
	schemaBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("store: read schema: %w", err)
	}
	if _, err := p.pool.Exec(ctx, string(schemaBytes)); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	p.log.Info().Msg("store schema initialized")
	return nil
}

// PurgeOlderThan deletes detection_records past retention; intended for a
// daily scheduled job.
func (p *Postgres) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	tag, err := p.pool.Exec(ctx, `DELETE FROM detection_records WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
