package retrieval

import (
	"errors"
	"fmt"
	"time"
)

// Config tunes candidate selection, ranking and relevance scoring.
type Config struct {
	// CandidateMultiplier widens every bounded read to limit×multiplier rows
	// so that ranking has something to choose from.
	CandidateMultiplier int `yaml:"candidate_multiplier"`

	// SearchK is the number of neighbours requested from the vector index.
	// 0 derives it from the query limits and CandidateMultiplier.
	SearchK int `yaml:"search_k"`

	// SimilarityWeight scales the bonus a vector hit adds to a rank score.
	SimilarityWeight float64 `yaml:"similarity_weight"`

	// FactWeight, RelationshipWeight and PresenceWeight weight the three
	// terms of [Engine.CalculateRelevanceScore].
	FactWeight         float64 `yaml:"fact_weight"`
	RelationshipWeight float64 `yaml:"relationship_weight"`
	PresenceWeight     float64 `yaml:"presence_weight"`

	// RelevanceFloor is the score below which a batch is flagged as not
	// worth including.
	RelevanceFloor float64 `yaml:"relevance_floor"`

	// DecayHalfLife is the age at which a fact's importance counts half
	// when ranking.
	DecayHalfLife time.Duration `yaml:"decay_half_life"`

	Tokens TokenWeights `yaml:"tokens"`
}

// DefaultConfig returns the default retrieval configuration.
func DefaultConfig() Config {
	return Config{
		CandidateMultiplier: 3,
		SimilarityWeight:    0.5,
		FactWeight:          0.5,
		RelationshipWeight:  0.3,
		PresenceWeight:      0.2,
		RelevanceFloor:      0.1,
		DecayHalfLife:       7 * 24 * time.Hour,
		Tokens:              DefaultTokenWeights(),
	}
}

// Validate checks every field and returns all violations joined.
func (c Config) Validate() error {
	var errs []error
	if c.CandidateMultiplier < 1 {
		errs = append(errs, fmt.Errorf("candidate_multiplier must be >= 1, got %d", c.CandidateMultiplier))
	}
	if c.SearchK < 0 {
		errs = append(errs, fmt.Errorf("search_k must be >= 0, got %d", c.SearchK))
	}
	if c.SimilarityWeight < 0 || c.FactWeight < 0 || c.RelationshipWeight < 0 || c.PresenceWeight < 0 {
		errs = append(errs, errors.New("retrieval weights must be >= 0"))
	}
	if c.RelevanceFloor < 0 || c.RelevanceFloor > 1 {
		errs = append(errs, fmt.Errorf("relevance_floor must lie in [0,1], got %v", c.RelevanceFloor))
	}
	if c.DecayHalfLife <= 0 {
		errs = append(errs, fmt.Errorf("decay_half_life must be > 0, got %v", c.DecayHalfLife))
	}
	if err := c.Tokens.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TokenWeights is the fixed per-field cost table [Engine.EstimateTokenCount]
// uses in place of a tokenizer.
type TokenWeights struct {
	// Record is the framing cost of one serialised entry.
	Record int `yaml:"record"`

	// Field is the cost of one field label.
	Field int `yaml:"field"`

	// Number is the cost of one numeric value.
	Number int `yaml:"number"`

	// CharsPerToken converts text length in runes to tokens, rounding up.
	CharsPerToken float64 `yaml:"chars_per_token"`
}

// DefaultTokenWeights returns the default cost table: 4 tokens of framing
// per record, 1 per field label, 2 per number and 4 runes per token of text.
func DefaultTokenWeights() TokenWeights {
	return TokenWeights{Record: 4, Field: 1, Number: 2, CharsPerToken: 4}
}

// Validate reports negative costs and a non-positive text ratio.
func (w TokenWeights) Validate() error {
	var errs []error
	if w.Record < 0 || w.Field < 0 || w.Number < 0 {
		errs = append(errs, errors.New("token weights must be >= 0"))
	}
	if w.CharsPerToken <= 0 {
		errs = append(errs, fmt.Errorf("tokens.chars_per_token must be > 0, got %v", w.CharsPerToken))
	}
	return errors.Join(errs...)
}
