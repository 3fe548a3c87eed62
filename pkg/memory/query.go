package memory

import (
	"errors"
	"fmt"
	"math"
)

// ErrValidation marks a malformed request. Requests failing validation are
// rejected before any I/O.
var ErrValidation = errors.New("memory: validation failed")

// ErrIndexUnavailable is returned by a [VectorIndex] that cannot serve
// requests. Retrieval degrades to graph-only results when it sees it.
var ErrIndexUnavailable = errors.New("memory: vector index unavailable")

// Limits caps the number of results per category.
type Limits struct {
	Characters    int `json:"characters" yaml:"characters"`
	Facts         int `json:"facts" yaml:"facts"`
	Relationships int `json:"relationships" yaml:"relationships"`
}

// MemoryRetrievalQuery fully describes one retrieval request.
type MemoryRetrievalQuery struct {
	// SessionID scopes retrieval to the entities the session touched when
	// CharacterIDs is empty. Required.
	SessionID string `json:"session_id"`

	// CharacterIDs optionally narrows the scope to these entities.
	CharacterIDs []string `json:"character_ids,omitempty"`

	// Embedding is the query vector. Empty disables the vector index.
	Embedding []float32 `json:"embedding,omitempty"`

	// Limits are the per-category result caps. All must be positive.
	Limits Limits `json:"limits"`

	// TokenBudget bounds the estimated serialised cost of the result. Must be
	// positive.
	TokenBudget int `json:"token_budget"`
}

// Validate returns an error wrapping [ErrValidation] describing every
// problem with q.
func (q MemoryRetrievalQuery) Validate() error {
	var errs []error
	if q.SessionID == "" {
		errs = append(errs, fmt.Errorf("%w: session_id is required", ErrValidation))
	}
	for i, id := range q.CharacterIDs {
		if id == "" {
			errs = append(errs, fmt.Errorf("%w: character_ids[%d] is empty", ErrValidation, i))
		}
	}
	if q.Limits.Characters <= 0 {
		errs = append(errs, fmt.Errorf("%w: limits.characters must be positive, got %d", ErrValidation, q.Limits.Characters))
	}
	if q.Limits.Facts <= 0 {
		errs = append(errs, fmt.Errorf("%w: limits.facts must be positive, got %d", ErrValidation, q.Limits.Facts))
	}
	if q.Limits.Relationships <= 0 {
		errs = append(errs, fmt.Errorf("%w: limits.relationships must be positive, got %d", ErrValidation, q.Limits.Relationships))
	}
	if q.TokenBudget <= 0 {
		errs = append(errs, fmt.Errorf("%w: token_budget must be positive, got %d", ErrValidation, q.TokenBudget))
	}
	for _, v := range q.Embedding {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			errs = append(errs, fmt.Errorf("%w: embedding contains non-finite values", ErrValidation))
			break
		}
	}
	return errors.Join(errs...)
}
