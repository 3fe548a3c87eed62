package memory

import (
	"time"

	"github.com/MrWong99/memoria/pkg/affect"
)

// WorkingMemoryTurn is one utterance within a session. Turns are immutable
// once stored and are never deleted by this module.
type WorkingMemoryTurn struct {
	// ID uniquely identifies the turn. Writers assign a ULID when empty.
	ID string `json:"id"`

	// SessionID is the session the turn belongs to.
	SessionID string `json:"session_id"`

	// SpeakerID identifies who spoke. It is an entity key and may equal a
	// [Character.ID].
	SpeakerID string `json:"speaker_id"`

	// CharacterID is the character whose emotional state the turn affected.
	// It joins the session's scope alongside SpeakerID. Optional.
	CharacterID string `json:"character_id,omitempty"`

	// Text is the utterance.
	Text string `json:"text"`

	// Timestamp is when the turn was spoken.
	Timestamp time.Time `json:"timestamp"`

	// SignificanceScore is the caller's estimate of the turn's long-term
	// memorability. It is stored as given.
	SignificanceScore float64 `json:"significance_score"`
}

// FactNode is an entity-attribute-value assertion. (Entity, Attribute) is its
// identity: at most one live FactNode exists per pair.
type FactNode struct {
	ID           string `json:"id"`
	Entity       string `json:"entity"`
	Attribute    string `json:"attribute"`
	CurrentValue string `json:"current_value"`

	// Confidence in [0, 1], blended on every reassertion.
	Confidence float64 `json:"confidence"`

	// ImportanceScore in [0, 1], recomputed on every write.
	ImportanceScore float64 `json:"importance_score"`

	// AssertionCount is how many times the pair has been asserted.
	AssertionCount int `json:"assertion_count"`

	// SessionID is the session of the most recent assertion.
	SessionID string `json:"session_id"`

	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// Character is an entity acting as a memory subject. ID is the canonical
// entity key shared with [FactNode.Entity] and relationship endpoints.
type Character struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// EmotionalState is the character's current VAD triple.
	EmotionalState affect.VAD `json:"emotional_state"`

	// Emotion is the full affect state. It is nil for characters that were
	// created without one, e.g. by an external writer.
	Emotion *affect.State `json:"emotion,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// RelationshipEdge is a directed, typed edge between two entities. Edges are
// not owned by any single writer.
type RelationshipEdge struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	RelType  string `json:"rel_type"`

	// Strength in [0, 1].
	Strength float64 `json:"strength"`

	// Confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// SessionID is the session of the most recent write, if any.
	SessionID string `json:"session_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OperationKind distinguishes fact creations from fact merges.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
)

// MemoryOperation is an append-only audit record of one fact write. It exists
// for traceability and is never replayed.
type MemoryOperation struct {
	ID        string        `json:"id"`
	Kind      OperationKind `json:"kind"`
	FactID    string        `json:"fact_id"`
	Entity    string        `json:"entity"`
	Attribute string        `json:"attribute"`

	// PreviousValue and PreviousConfidence are zero for [OpCreate].
	PreviousValue      string  `json:"previous_value,omitempty"`
	NewValue           string  `json:"new_value"`
	PreviousConfidence float64 `json:"previous_confidence,omitempty"`
	NewConfidence      float64 `json:"new_confidence"`

	TurnID    string    `json:"turn_id"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
}
