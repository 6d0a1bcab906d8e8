// Package storage provides the PostgreSQL persistence layer: jobs, items,
// source documents, claims, the frontier work queue, step log, and audit log.
//
// All writes are row-scoped and idempotent where the data model requires it
// (source documents collapse on (job_id, url_hash), claims on
// (source_doc_id, field, value), live frontier tasks on (job_id, value)), so
// concurrent executors never conflict at the data layer.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/veritail/veritail/internal/ident"
)

// DB wraps a pgxpool.Pool together with the clock used for leases and TTLs.
type DB struct {
	pool   *pgxpool.Pool
	clock  ident.Clock
	logger *slog.Logger
}

// New creates a DB backed by a connection pool. The pgvector type
// registration is best-effort: source-document embeddings are optional and
// the extension may not exist until migrations run.
func New(ctx context.Context, dsn string, clock ident.Clock, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	if clock == nil {
		clock = ident.SystemClock{}
	}
	return &DB{pool: pool, clock: clock, logger: logger}, nil
}

// Pool exposes the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error { return db.pool.Ping(ctx) }

// Close shuts down the connection pool.
func (db *DB) Close() { db.pool.Close() }
