// Package postgres provides a PostgreSQL-backed [memory.Store] and a
// pgvector-backed [memory.VectorIndex].
//
// Both share a single [pgxpool.Pool]. Every unit of work passed to
// [Store.InTx] runs in one database transaction; rows read through
// GetCharacter and FindFact inside it are locked with SELECT … FOR UPDATE so
// concurrent turns for the same character serialise instead of losing
// updates.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	err = store.InTx(ctx, func(ctx context.Context, tx memory.Tx) error {
//	    return tx.InsertTurn(ctx, turn)
//	})
//
//	idx := store.Index() // memory.VectorIndex over the same pool
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Graph DDL: characters, facts, relationships.
// ─────────────────────────────────────────────────────────────────────────────

const ddlGraph = `
CREATE TABLE IF NOT EXISTS characters (
    id            TEXT              PRIMARY KEY,
    name          TEXT              NOT NULL,
    valence       DOUBLE PRECISION  NOT NULL DEFAULT 0,
    arousal       DOUBLE PRECISION  NOT NULL DEFAULT 0,
    dominance     DOUBLE PRECISION  NOT NULL DEFAULT 0,
    emotion       JSONB,
    created_at    TIMESTAMPTZ       NOT NULL DEFAULT now(),
    last_updated  TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_characters_last_updated
    ON characters (last_updated DESC);

CREATE TABLE IF NOT EXISTS facts (
    id                TEXT              PRIMARY KEY,
    entity            TEXT              NOT NULL,
    attribute         TEXT              NOT NULL,
    current_value     TEXT              NOT NULL,
    confidence        DOUBLE PRECISION  NOT NULL,
    importance_score  DOUBLE PRECISION  NOT NULL,
    assertion_count   INTEGER           NOT NULL DEFAULT 1,
    session_id        TEXT              NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ       NOT NULL DEFAULT now(),
    last_updated      TIMESTAMPTZ       NOT NULL DEFAULT now(),
    UNIQUE (entity, attribute)
);

CREATE INDEX IF NOT EXISTS idx_facts_entity
    ON facts (entity);

CREATE INDEX IF NOT EXISTS idx_facts_rank
    ON facts (importance_score DESC, confidence DESC, last_updated DESC);

CREATE TABLE IF NOT EXISTS relationships (
    source_id   TEXT              NOT NULL,
    target_id   TEXT              NOT NULL,
    rel_type    TEXT              NOT NULL,
    strength    DOUBLE PRECISION  NOT NULL,
    confidence  DOUBLE PRECISION  NOT NULL,
    session_id  TEXT              NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ       NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ       NOT NULL DEFAULT now(),
    PRIMARY KEY (source_id, target_id, rel_type)
);

CREATE INDEX IF NOT EXISTS idx_rel_source
    ON relationships (source_id);

CREATE INDEX IF NOT EXISTS idx_rel_target
    ON relationships (target_id);
`

// ─────────────────────────────────────────────────────────────────────────────
// Log DDL: turns and the memory operation audit log.
// ─────────────────────────────────────────────────────────────────────────────

const ddlLog = `
CREATE TABLE IF NOT EXISTS turns (
    id                  TEXT              PRIMARY KEY,
    session_id          TEXT              NOT NULL,
    speaker_id          TEXT              NOT NULL DEFAULT '',
    character_id        TEXT              NOT NULL DEFAULT '',
    text                TEXT              NOT NULL,
    timestamp           TIMESTAMPTZ       NOT NULL DEFAULT now(),
    significance_score  DOUBLE PRECISION  NOT NULL DEFAULT 0
);

ALTER TABLE turns ADD COLUMN IF NOT EXISTS character_id TEXT NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS idx_turns_session_timestamp
    ON turns (session_id, timestamp);

CREATE TABLE IF NOT EXISTS memory_operations (
    id                   TEXT              PRIMARY KEY,
    kind                 TEXT              NOT NULL,
    fact_id              TEXT              NOT NULL,
    entity               TEXT              NOT NULL,
    attribute            TEXT              NOT NULL,
    previous_value       TEXT              NOT NULL DEFAULT '',
    new_value            TEXT              NOT NULL,
    previous_confidence  DOUBLE PRECISION  NOT NULL DEFAULT 0,
    new_confidence       DOUBLE PRECISION  NOT NULL,
    turn_id              TEXT              NOT NULL DEFAULT '',
    session_id           TEXT              NOT NULL DEFAULT '',
    at                   TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_operations_session_at
    ON memory_operations (session_id, at);
`

// ddlVector returns the vector index DDL with the embedding dimension
// substituted. The dimension is baked into the column type at creation time.
func ddlVector(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS vector_labels (
    label       TEXT         PRIMARY KEY,
    embedding   vector(%d)   NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_vector_labels_embedding
    ON vector_labels USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent and safe to call on every start.
//
// embeddingDimensions must match the embedding model (e.g. 1536 for OpenAI
// text-embedding-3-small). Zero skips the pgvector schema for deployments
// that keep their vector index elsewhere. Changing the value after the first
// migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{ddlGraph, ddlLog}
	if embeddingDimensions > 0 {
		statements = append(statements, ddlVector(embeddingDimensions))
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
