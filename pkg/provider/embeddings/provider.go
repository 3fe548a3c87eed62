// Package embeddings defines the Provider interface for text embedding
// backends.
//
// Memoria embeds two kinds of text: retrieval queries, whose vectors bias
// ranking toward semantically related memory, and the records themselves
// (facts rendered as "entity attribute value", characters by name), which are
// written to the vector index after each ingestion commits.
//
// Sub-packages hold the OpenAI-compatible backend, an in-memory cache and a
// configurable mock. Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by one Provider share the same length, reported by
// Dimensions. The vector index rejects vectors of any other length, so
// switching models requires rebuilding the index.
type Provider interface {
	// Embed computes the embedding of a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes the embeddings of texts in one call. The i-th
	// vector answers texts[i]. On error no partial result is returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the length of every vector this provider produces.
	Dimensions() int

	// ModelID returns the model identifier, for logging and cache keys.
	ModelID() string
}
