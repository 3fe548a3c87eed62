package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/memoria/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.Store       = (*Store)(nil)
	_ memory.Tx          = (*tx)(nil)
	_ memory.VectorIndex = (*VectorIndex)(nil)
)

// Store is the PostgreSQL-backed graph store. It holds a single
// [pgxpool.Pool]; [Store.Index] exposes a pgvector index sharing it.
//
// All operations are safe for concurrent use.
type Store struct {
	pool  *pgxpool.Pool
	index *VectorIndex
}

// NewStore creates a Store, establishes a connection pool to the database at
// dsn and runs [Migrate].
//
// When embeddingDimensions is positive the pgvector extension is installed
// before the pool is opened and its types are registered on every
// connection, so vector columns scan into pgvector.Vector values.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	if embeddingDimensions > 0 {
		if err := ensureVectorExtension(ctx, cfg.ConnConfig); err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s := &Store{pool: pool}
	if embeddingDimensions > 0 {
		s.index = NewVectorIndex(pool, embeddingDimensions)
	}
	return s, nil
}

// ensureVectorExtension installs pgvector over a one-off connection. Type
// registration fails on connections opened before the extension exists.
func ensureVectorExtension(ctx context.Context, cfg *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create extension vector: %w", err)
	}
	return nil
}

// Index returns the pgvector index sharing the store's pool, or nil when the
// store was created with zero embedding dimensions.
func (s *Store) Index() *VectorIndex { return s.index }

// InTx implements [memory.Store]. fn runs inside one read-write transaction
// that commits when fn returns nil. Its error is returned unchanged.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx memory.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(pt pgx.Tx) error {
		return fn(ctx, &tx{q: pt, lock: true})
	})
}

// View implements [memory.Store]. fn reads from a repeatable-read,
// read-only transaction so every query sees the same snapshot.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, r memory.Reader) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	return pgx.BeginTxFunc(ctx, s.pool, opts, func(pt pgx.Tx) error {
		return fn(ctx, &tx{q: pt})
	})
}

// Ping implements [memory.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
