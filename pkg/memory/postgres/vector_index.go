package postgres

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/memoria/pkg/memory"
)

// VectorIndex is a [memory.VectorIndex] backed by the vector_labels table
// with a pgvector HNSW index for approximate nearest-neighbour search.
//
// Every Add is durable when it returns, so Save is a no-op. Obtain one via
// [Store.Index] or [NewVectorIndex]. All methods are safe for concurrent use.
type VectorIndex struct {
	pool *pgxpool.Pool
	dims int

	ready atomic.Bool
	count atomic.Int64
}

// NewVectorIndex returns an index over pool. The vector_labels table must
// have been created by [Migrate] with the same dimension.
func NewVectorIndex(pool *pgxpool.Pool, embeddingDimensions int) *VectorIndex {
	return &VectorIndex{pool: pool, dims: embeddingDimensions}
}

// Initialize implements [memory.VectorIndex]. It loads the current vector
// count; later calls are no-ops.
func (v *VectorIndex) Initialize(ctx context.Context) error {
	if v.ready.Load() {
		return nil
	}
	var n int64
	if err := v.pool.QueryRow(ctx, "SELECT count(*) FROM vector_labels").Scan(&n); err != nil {
		return fmt.Errorf("vector index: initialize: %w", err)
	}
	v.count.Store(n)
	v.ready.Store(true)
	return nil
}

// Add implements [memory.VectorIndex]. It upserts embedding under label.
func (v *VectorIndex) Add(ctx context.Context, label string, embedding []float32) error {
	if err := v.check(embedding); err != nil {
		return fmt.Errorf("vector index: add %s: %w", label, err)
	}

	// xmax is zero only for freshly inserted rows.
	const q = `
		INSERT INTO vector_labels (label, embedding, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (label) DO UPDATE SET
		    embedding  = EXCLUDED.embedding,
		    updated_at = now()
		RETURNING (xmax = 0) AS inserted`

	var inserted bool
	if err := v.pool.QueryRow(ctx, q, label, pgvector.NewVector(embedding)).Scan(&inserted); err != nil {
		return fmt.Errorf("vector index: add %s: %w", label, err)
	}
	if inserted {
		v.count.Add(1)
	}
	return nil
}

// Search implements [memory.VectorIndex]. Each query is answered by one
// ORDER BY embedding <=> $1 scan, so rows are ascending by cosine distance.
// A k of zero or less asks for no neighbours and yields one empty row per
// query without touching the database.
func (v *VectorIndex) Search(ctx context.Context, embeddings [][]float32, k int) (memory.SearchResult, error) {
	for i, emb := range embeddings {
		if err := v.check(emb); err != nil {
			return memory.SearchResult{}, fmt.Errorf("vector index: search query %d: %w", i, err)
		}
	}

	const q = `
		SELECT label, embedding <=> $1 AS distance
		FROM   vector_labels
		ORDER  BY distance
		LIMIT  $2`

	res := memory.SearchResult{
		Distances: make([][]float32, len(embeddings)),
		Labels:    make([][]string, len(embeddings)),
	}
	if k <= 0 {
		for i := range embeddings {
			res.Distances[i] = []float32{}
			res.Labels[i] = []string{}
		}
		return res, nil
	}
	for i, emb := range embeddings {
		rows, err := v.pool.Query(ctx, q, pgvector.NewVector(emb), k)
		if err != nil {
			return memory.SearchResult{}, fmt.Errorf("vector index: search: %w", err)
		}
		hits, err := pgx.CollectRows(rows, pgx.RowToStructByPos[hit])
		if err != nil {
			return memory.SearchResult{}, fmt.Errorf("vector index: scan rows: %w", err)
		}
		res.Labels[i] = make([]string, len(hits))
		res.Distances[i] = make([]float32, len(hits))
		for j, h := range hits {
			res.Labels[i][j] = h.Label
			res.Distances[i][j] = float32(h.Distance)
		}
	}
	return res, nil
}

// hit is one row of a nearest-neighbour scan.
type hit struct {
	Label    string
	Distance float64
}

// Save implements [memory.VectorIndex]. Writes are durable on Add.
func (v *VectorIndex) Save(context.Context) error { return nil }

// Len implements [memory.VectorIndex].
func (v *VectorIndex) Len() int { return int(v.count.Load()) }

// Ping reports whether the index is initialised and the database reachable.
func (v *VectorIndex) Ping(ctx context.Context) error {
	if !v.ready.Load() {
		return memory.ErrIndexUnavailable
	}
	return v.pool.Ping(ctx)
}

func (v *VectorIndex) check(emb []float32) error {
	if !v.ready.Load() {
		return memory.ErrIndexUnavailable
	}
	if len(emb) != v.dims {
		return fmt.Errorf("dimension mismatch: got %d, want %d", len(emb), v.dims)
	}
	return nil
}
