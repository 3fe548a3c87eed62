package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/memoria/pkg/affect"
	"github.com/MrWong99/memoria/pkg/memory"
)

// tx implements [memory.Tx] over one pgx transaction. lock is set for
// read-write transactions and adds FOR UPDATE to key lookups.
type tx struct {
	q    pgx.Tx
	lock bool
}

// forUpdate returns the locking clause for key lookups.
func (t *tx) forUpdate() string {
	if t.lock {
		return "\nFOR UPDATE"
	}
	return ""
}

// ─────────────────────────────────────────────────────────────────────────────
// Characters
// ─────────────────────────────────────────────────────────────────────────────

const characterColumns = "id, name, valence, arousal, dominance, emotion, created_at, last_updated"

// GetCharacter implements [memory.Reader]. Returns (nil, nil) when the
// character does not exist.
func (t *tx) GetCharacter(ctx context.Context, id string) (*memory.Character, error) {
	q := "SELECT " + characterColumns + "\nFROM   characters\nWHERE  id = $1" + t.forUpdate()

	rows, err := t.q.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("graph: get character: %w", err)
	}
	chars, err := collectCharacters(rows)
	if err != nil {
		return nil, fmt.Errorf("graph: get character: %w", err)
	}
	if len(chars) == 0 {
		return nil, nil
	}
	return &chars[0], nil
}

// Characters implements [memory.Reader].
func (t *tx) Characters(ctx context.Context, f memory.CharacterFilter) ([]memory.Character, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	q := "SELECT " + characterColumns + "\nFROM   characters"
	if len(f.IDs) > 0 {
		q += "\nWHERE  id = ANY(" + next(f.IDs) + "::text[])"
	}
	q += "\nORDER  BY last_updated DESC, id"
	if f.Limit > 0 {
		q += "\nLIMIT  " + next(f.Limit)
	}

	rows, err := t.q.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: characters: %w", err)
	}
	chars, err := collectCharacters(rows)
	if err != nil {
		return nil, fmt.Errorf("graph: characters: %w", err)
	}
	return chars, nil
}

// UpsertCharacter implements [memory.Tx]. created_at is only written on
// insert.
func (t *tx) UpsertCharacter(ctx context.Context, c memory.Character) error {
	var emotionJSON []byte
	if c.Emotion != nil {
		var err error
		if emotionJSON, err = json.Marshal(c.Emotion); err != nil {
			return fmt.Errorf("graph: marshal emotion: %w", err)
		}
	}

	const q = `
		INSERT INTO characters
		    (id, name, valence, arousal, dominance, emotion, created_at, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
		    name          = EXCLUDED.name,
		    valence       = EXCLUDED.valence,
		    arousal       = EXCLUDED.arousal,
		    dominance     = EXCLUDED.dominance,
		    emotion       = EXCLUDED.emotion,
		    last_updated  = EXCLUDED.last_updated`

	_, err := t.q.Exec(ctx, q,
		c.ID,
		c.Name,
		c.EmotionalState.Valence,
		c.EmotionalState.Arousal,
		c.EmotionalState.Dominance,
		emotionJSON,
		c.CreatedAt,
		c.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("graph: upsert character: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Facts
// ─────────────────────────────────────────────────────────────────────────────

const factColumns = "id, entity, attribute, current_value, confidence, importance_score, assertion_count, session_id, created_at, last_updated"

// FindFact implements [memory.Reader]. Returns (nil, nil) when no fact
// exists for the pair.
func (t *tx) FindFact(ctx context.Context, entity, attribute string) (*memory.FactNode, error) {
	q := "SELECT " + factColumns + "\nFROM   facts\nWHERE  entity = $1 AND attribute = $2" + t.forUpdate()

	rows, err := t.q.Query(ctx, q, entity, attribute)
	if err != nil {
		return nil, fmt.Errorf("graph: find fact: %w", err)
	}
	facts, err := collectFacts(rows)
	if err != nil {
		return nil, fmt.Errorf("graph: find fact: %w", err)
	}
	if len(facts) == 0 {
		return nil, nil
	}
	return &facts[0], nil
}

// Facts implements [memory.Reader]. All non-empty filter fields are applied
// as AND conditions.
func (t *tx) Facts(ctx context.Context, f memory.FactFilter) ([]memory.FactNode, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if len(f.Entities) > 0 {
		conditions = append(conditions, "entity = ANY("+next(f.Entities)+"::text[])")
	}
	if len(f.IDs) > 0 {
		conditions = append(conditions, "id = ANY("+next(f.IDs)+"::text[])")
	}

	q := "SELECT " + factColumns + "\nFROM   facts"
	if len(conditions) > 0 {
		q += "\nWHERE  " + strings.Join(conditions, "\n  AND ")
	}
	q += "\nORDER  BY importance_score DESC, confidence DESC, last_updated DESC, id"
	if f.Limit > 0 {
		q += "\nLIMIT  " + next(f.Limit)
	}

	rows, err := t.q.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: facts: %w", err)
	}
	facts, err := collectFacts(rows)
	if err != nil {
		return nil, fmt.Errorf("graph: facts: %w", err)
	}
	return facts, nil
}

// InsertFact implements [memory.Tx]. A second fact for the same
// (entity, attribute) violates the unique constraint.
func (t *tx) InsertFact(ctx context.Context, f memory.FactNode) error {
	const q = `
		INSERT INTO facts
		    (id, entity, attribute, current_value, confidence, importance_score,
		     assertion_count, session_id, created_at, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := t.q.Exec(ctx, q,
		f.ID,
		f.Entity,
		f.Attribute,
		f.CurrentValue,
		f.Confidence,
		f.ImportanceScore,
		f.AssertionCount,
		f.SessionID,
		f.CreatedAt,
		f.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("graph: insert fact: %w", err)
	}
	return nil
}

// UpdateFact implements [memory.Tx]. Entity, attribute and created_at are
// immutable. Returns an error when the fact does not exist.
func (t *tx) UpdateFact(ctx context.Context, f memory.FactNode) error {
	const q = `
		UPDATE facts
		SET    current_value    = $2,
		       confidence       = $3,
		       importance_score = $4,
		       assertion_count  = $5,
		       session_id       = $6,
		       last_updated     = $7
		WHERE  id = $1`

	tag, err := t.q.Exec(ctx, q,
		f.ID,
		f.CurrentValue,
		f.Confidence,
		f.ImportanceScore,
		f.AssertionCount,
		f.SessionID,
		f.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("graph: update fact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("graph: update fact: fact %q not found", f.ID)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Relationships
// ─────────────────────────────────────────────────────────────────────────────

// Relationships implements [memory.Reader]. Edges are matched in both
// directions.
func (t *tx) Relationships(ctx context.Context, f memory.RelationshipFilter) ([]memory.RelationshipEdge, error) {
	if f.IsEmpty() {
		return []memory.RelationshipEdge{}, nil
	}

	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	ids := next(f.EntityIDs)
	conditions := []string{"(source_id = ANY(" + ids + "::text[]) OR target_id = ANY(" + ids + "::text[]))"}
	if len(f.RelTypes) > 0 {
		conditions = append(conditions, "rel_type = ANY("+next(f.RelTypes)+"::text[])")
	}

	q := "SELECT source_id, target_id, rel_type, strength, confidence, session_id, created_at, updated_at\n" +
		"FROM   relationships\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND ") + "\n" +
		"ORDER  BY strength DESC, confidence DESC, updated_at DESC, source_id, target_id, rel_type"
	if f.Limit > 0 {
		q += "\nLIMIT  " + next(f.Limit)
	}

	rows, err := t.q.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: relationships: %w", err)
	}
	rels, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.RelationshipEdge, error) {
		var e memory.RelationshipEdge
		err := row.Scan(
			&e.SourceID,
			&e.TargetID,
			&e.RelType,
			&e.Strength,
			&e.Confidence,
			&e.SessionID,
			&e.CreatedAt,
			&e.UpdatedAt,
		)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("graph: relationships: %w", err)
	}
	if rels == nil {
		rels = []memory.RelationshipEdge{}
	}
	return rels, nil
}

// UpsertRelationship implements [memory.Tx]. created_at is only written on
// insert.
func (t *tx) UpsertRelationship(ctx context.Context, e memory.RelationshipEdge) error {
	const q = `
		INSERT INTO relationships
		    (source_id, target_id, rel_type, strength, confidence, session_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_id, target_id, rel_type) DO UPDATE SET
		    strength    = EXCLUDED.strength,
		    confidence  = EXCLUDED.confidence,
		    session_id  = EXCLUDED.session_id,
		    updated_at  = EXCLUDED.updated_at`

	_, err := t.q.Exec(ctx, q,
		e.SourceID,
		e.TargetID,
		e.RelType,
		e.Strength,
		e.Confidence,
		e.SessionID,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("graph: upsert relationship: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Row helpers
// ─────────────────────────────────────────────────────────────────────────────

// collectCharacters scans rows selected with characterColumns. A NULL
// emotion column leaves Emotion nil.
func collectCharacters(rows pgx.Rows) ([]memory.Character, error) {
	chars, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Character, error) {
		var (
			c           memory.Character
			emotionJSON []byte
		)
		if err := row.Scan(
			&c.ID,
			&c.Name,
			&c.EmotionalState.Valence,
			&c.EmotionalState.Arousal,
			&c.EmotionalState.Dominance,
			&emotionJSON,
			&c.CreatedAt,
			&c.LastUpdated,
		); err != nil {
			return memory.Character{}, err
		}
		if len(emotionJSON) > 0 {
			var st affect.State
			if err := json.Unmarshal(emotionJSON, &st); err != nil {
				return memory.Character{}, fmt.Errorf("unmarshal emotion: %w", err)
			}
			c.Emotion = &st
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	if chars == nil {
		chars = []memory.Character{}
	}
	return chars, nil
}

// collectFacts scans rows selected with factColumns.
func collectFacts(rows pgx.Rows) ([]memory.FactNode, error) {
	facts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.FactNode, error) {
		var f memory.FactNode
		err := row.Scan(
			&f.ID,
			&f.Entity,
			&f.Attribute,
			&f.CurrentValue,
			&f.Confidence,
			&f.ImportanceScore,
			&f.AssertionCount,
			&f.SessionID,
			&f.CreatedAt,
			&f.LastUpdated,
		)
		return f, err
	})
	if err != nil {
		return nil, err
	}
	if facts == nil {
		facts = []memory.FactNode{}
	}
	return facts, nil
}
