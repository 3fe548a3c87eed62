// Package memory defines the tiered memory model used by memoria characters
// and the narrow capability interfaces storage backends implement.
//
// The model has two stores that are committed independently:
//
//   - the graph store ([Store]): characters, facts, relationships, turns and
//     the memory operation audit log. All writes for one turn happen inside a
//     single transaction obtained from [Store.InTx].
//   - the vector index ([VectorIndex]): embeddings keyed by opaque labels
//     (see [Label]) used to bias retrieval toward semantically related
//     records.
//
// No consistency is guaranteed between the two: the index is written after
// the graph transaction commits and may lag behind or miss records.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
)

// Store is a graph store that hands out transactional units of work.
type Store interface {
	// InTx runs fn inside one read-write transaction. The transaction commits
	// when fn returns nil and rolls back otherwise; the error from fn is
	// returned unchanged. fn must not retain tx after returning.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// View runs fn against a read-only snapshot that reflects the last
	// committed transaction.
	View(ctx context.Context, fn func(ctx context.Context, r Reader) error) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources.
	Close() error
}

// Reader executes bounded reads against the graph store.
//
// Lookups by key return (nil, nil) when the record does not exist. Inside a
// [Tx], backends that support it lock the returned rows until commit.
type Reader interface {
	// GetCharacter returns the character with the given ID.
	GetCharacter(ctx context.Context, id string) (*Character, error)

	// FindFact returns the live fact for (entity, attribute).
	FindFact(ctx context.Context, entity, attribute string) (*FactNode, error)

	// Characters returns characters matching f, most recently updated first.
	Characters(ctx context.Context, f CharacterFilter) ([]Character, error)

	// Facts returns facts matching f, ordered by importance, then confidence,
	// then recency.
	Facts(ctx context.Context, f FactFilter) ([]FactNode, error)

	// Relationships returns edges touching any of f.EntityIDs, ordered by
	// strength, then confidence, then recency.
	Relationships(ctx context.Context, f RelationshipFilter) ([]RelationshipEdge, error)

	// SessionEntities returns the entities the session touched: fact
	// entities written during the session and the speakers and affected
	// characters of its turns.
	// Most recently touched first.
	SessionEntities(ctx context.Context, sessionID string, limit int) ([]string, error)
}

// Tx is a [Reader] that can also write. It is only valid inside the function
// passed to [Store.InTx].
type Tx interface {
	Reader

	// UpsertCharacter creates c or replaces its name and emotional state,
	// refreshing LastUpdated. CreatedAt is preserved on update.
	UpsertCharacter(ctx context.Context, c Character) error

	// InsertFact stores a new fact. Inserting a second live fact for the same
	// (Entity, Attribute) fails.
	InsertFact(ctx context.Context, f FactNode) error

	// UpdateFact replaces the mutable fields of the fact with f.ID.
	UpdateFact(ctx context.Context, f FactNode) error

	// UpsertRelationship creates or replaces the edge identified by
	// (SourceID, TargetID, RelType).
	UpsertRelationship(ctx context.Context, e RelationshipEdge) error

	// InsertTurn stores a turn. Turns are immutable.
	InsertTurn(ctx context.Context, t WorkingMemoryTurn) error

	// AppendOperation appends to the audit log.
	AppendOperation(ctx context.Context, op MemoryOperation) error
}

// SearchResult holds the neighbours of each query embedding, row i answering
// query i. Distances are cosine distances (0 = identical), ascending within
// a row.
type SearchResult struct {
	Distances [][]float32
	Labels    [][]string
}

// VectorIndex is a persisted nearest-neighbour index over fixed-dimension
// embeddings keyed by opaque labels.
type VectorIndex interface {
	// Initialize loads the index from durable storage or creates an empty
	// one. Calling it again is a no-op.
	Initialize(ctx context.Context) error

	// Add inserts or replaces the embedding stored under label.
	Add(ctx context.Context, label string, embedding []float32) error

	// Search returns up to k neighbours for every query embedding. An index
	// holding fewer than k vectors returns fewer; an empty index or a k of
	// zero or less returns empty rows. None of these is an error.
	Search(ctx context.Context, embeddings [][]float32, k int) (SearchResult, error)

	// Save flushes the index to durable storage. Concurrent searches never
	// observe a partially written index.
	Save(ctx context.Context) error

	// Len returns the number of stored vectors.
	Len() int
}
