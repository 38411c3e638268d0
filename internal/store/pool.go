// Package store implements the transactional data model and work-lock
// registry of spec.md C10 / §4.10 on top of a Postgres pool: begin/commit/
// rollback with ACID semantics, SELECT ... FOR UPDATE row locks for the
// Snapshot Loader, and the WorkLockManager guaranteeing at most one active
// iteration per object.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carbide-infra/carbide/internal/carbideerrors"
)

// Pool wraps a pgxpool.Pool together with the Config that created it. The
// Config is kept unexported; Pool offers no accessor for it.
type Pool struct {
	cfg *Config
	db  *pgxpool.Pool
}

// Open establishes the connection pool described by cfg.
func Open(ctx context.Context, cfg *Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, carbideerrors.Wrap(carbideerrors.Internal, "parse pool config", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, carbideerrors.Wrap(carbideerrors.Unavailable, "open connection pool", err)
	}
	return &Pool{cfg: cfg, db: db}, nil
}

// Close releases every connection in the pool.
func (p *Pool) Close() {
	p.db.Close()
}

// Tx is the subset of pgx.Tx the rest of the store package depends on,
// narrowed so callers outside this package (e.g. internal/snapshot,
// internal/controller) can accept it without importing pgx directly.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Begin opens a new transaction. Callers MUST Commit or Rollback exactly
// once; per spec.md §5, no suspension point unrelated to this transaction
// may occur between Begin and Commit/Rollback.
func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, carbideerrors.Wrap(carbideerrors.Unavailable, "begin transaction", err)
	}
	return tx, nil
}

// WithTx runs fn inside a transaction, committing on a nil return and
// rolling back otherwise (including on panic, which is re-raised after
// rollback).
func (p *Pool) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := p.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return carbideerrors.Wrap(carbideerrors.Unavailable, "rollback after handler error", rbErr)
		}
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return carbideerrors.Wrap(carbideerrors.Unavailable, "commit transaction", err)
	}
	return nil
}

// Ping verifies connectivity within timeout, for readiness probes.
func (p *Pool) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.db.Ping(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}
