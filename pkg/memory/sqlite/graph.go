package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/memoria/pkg/affect"
	"github.com/MrWong99/memoria/pkg/memory"
)

// tx implements [memory.Tx] over one database/sql transaction.
type tx struct {
	q        *sql.Tx
	readOnly bool
}

func (t *tx) writable(method string) error {
	if t.readOnly {
		return fmt.Errorf("sqlite store: %s in read-only view", method)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Characters
// ─────────────────────────────────────────────────────────────────────────────

const characterColumns = "id, name, valence, arousal, dominance, emotion, created_at, last_updated"

func (t *tx) GetCharacter(ctx context.Context, id string) (*memory.Character, error) {
	rows, err := t.q.QueryContext(ctx, "SELECT "+characterColumns+" FROM characters WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("sqlite graph: get character: %w", err)
	}
	chars, err := collect(rows, scanCharacter)
	if err != nil {
		return nil, fmt.Errorf("sqlite graph: get character: %w", err)
	}
	if len(chars) == 0 {
		return nil, nil
	}
	return &chars[0], nil
}

func (t *tx) Characters(ctx context.Context, f memory.CharacterFilter) ([]memory.Character, error) {
	var args []any
	q := "SELECT " + characterColumns + " FROM characters"
	if len(f.IDs) > 0 {
		q += " WHERE id IN " + in(&args, f.IDs)
	}
	q += " ORDER BY last_updated DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := t.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite graph: characters: %w", err)
	}
	chars, err := collect(rows, scanCharacter)
	if err != nil {
		return nil, fmt.Errorf("sqlite graph: characters: %w", err)
	}
	return chars, nil
}

func (t *tx) UpsertCharacter(ctx context.Context, c memory.Character) error {
	if err := t.writable("UpsertCharacter"); err != nil {
		return err
	}
	var emotion sql.NullString
	if c.Emotion != nil {
		b, err := json.Marshal(c.Emotion)
		if err != nil {
			return fmt.Errorf("sqlite graph: marshal emotion: %w", err)
		}
		emotion = sql.NullString{String: string(b), Valid: true}
	}

	_, err := t.q.ExecContext(ctx, `
		INSERT INTO characters (id, name, valence, arousal, dominance, emotion, created_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name         = excluded.name,
			valence      = excluded.valence,
			arousal      = excluded.arousal,
			dominance    = excluded.dominance,
			emotion      = excluded.emotion,
			last_updated = excluded.last_updated`,
		c.ID, c.Name,
		c.EmotionalState.Valence, c.EmotionalState.Arousal, c.EmotionalState.Dominance,
		emotion, formatTime(c.CreatedAt), formatTime(c.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("sqlite graph: upsert character: %w", err)
	}
	return nil
}

func scanCharacter(rows *sql.Rows) (memory.Character, error) {
	var (
		c                memory.Character
		emotion          sql.NullString
		created, updated string
	)
	if err := rows.Scan(&c.ID, &c.Name,
		&c.EmotionalState.Valence, &c.EmotionalState.Arousal, &c.EmotionalState.Dominance,
		&emotion, &created, &updated,
	); err != nil {
		return memory.Character{}, err
	}
	if emotion.Valid && emotion.String != "" {
		var st affect.State
		if err := json.Unmarshal([]byte(emotion.String), &st); err != nil {
			return memory.Character{}, fmt.Errorf("unmarshal emotion: %w", err)
		}
		c.Emotion = &st
	}
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return memory.Character{}, err
	}
	if c.LastUpdated, err = parseTime(updated); err != nil {
		return memory.Character{}, err
	}
	return c, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Facts
// ─────────────────────────────────────────────────────────────────────────────

const factColumns = "id, entity, attribute, current_value, confidence, importance_score, assertion_count, session_id, created_at, last_updated"

func (t *tx) FindFact(ctx context.Context, entity, attribute string) (*memory.FactNode, error) {
	rows, err := t.q.QueryContext(ctx,
		"SELECT "+factColumns+" FROM facts WHERE entity = ? AND attribute = ?", entity, attribute)
	if err != nil {
		return nil, fmt.Errorf("sqlite graph: find fact: %w", err)
	}
	facts, err := collect(rows, scanFact)
	if err != nil {
		return nil, fmt.Errorf("sqlite graph: find fact: %w", err)
	}
	if len(facts) == 0 {
		return nil, nil
	}
	return &facts[0], nil
}

func (t *tx) Facts(ctx context.Context, f memory.FactFilter) ([]memory.FactNode, error) {
	var (
		args       []any
		conditions []string
	)
	if len(f.Entities) > 0 {
		conditions = append(conditions, "entity IN "+in(&args, f.Entities))
	}
	if len(f.IDs) > 0 {
		conditions = append(conditions, "id IN "+in(&args, f.IDs))
	}

	q := "SELECT " + factColumns + " FROM facts"
	if len(conditions) > 0 {
		q += " WHERE " + strings.Join(conditions, " AND ")
	}
	q += " ORDER BY importance_score DESC, confidence DESC, last_updated DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := t.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite graph: facts: %w", err)
	}
	facts, err := collect(rows, scanFact)
	if err != nil {
		return nil, fmt.Errorf("sqlite graph: facts: %w", err)
	}
	return facts, nil
}

func (t *tx) InsertFact(ctx context.Context, f memory.FactNode) error {
	if err := t.writable("InsertFact"); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO facts (`+factColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Entity, f.Attribute, f.CurrentValue, f.Confidence, f.ImportanceScore,
		f.AssertionCount, f.SessionID, formatTime(f.CreatedAt), formatTime(f.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("sqlite graph: insert fact: %w", err)
	}
	return nil
}

func (t *tx) UpdateFact(ctx context.Context, f memory.FactNode) error {
	if err := t.writable("UpdateFact"); err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE facts
		SET current_value = ?, confidence = ?, importance_score = ?,
		    assertion_count = ?, session_id = ?, last_updated = ?
		WHERE id = ?`,
		f.CurrentValue, f.Confidence, f.ImportanceScore,
		f.AssertionCount, f.SessionID, formatTime(f.LastUpdated), f.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite graph: update fact: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("sqlite graph: update fact: fact %q not found", f.ID)
	}
	return nil
}

func scanFact(rows *sql.Rows) (memory.FactNode, error) {
	var (
		f                memory.FactNode
		created, updated string
	)
	if err := rows.Scan(&f.ID, &f.Entity, &f.Attribute, &f.CurrentValue, &f.Confidence,
		&f.ImportanceScore, &f.AssertionCount, &f.SessionID, &created, &updated,
	); err != nil {
		return memory.FactNode{}, err
	}
	var err error
	if f.CreatedAt, err = parseTime(created); err != nil {
		return memory.FactNode{}, err
	}
	if f.LastUpdated, err = parseTime(updated); err != nil {
		return memory.FactNode{}, err
	}
	return f, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Relationships
// ─────────────────────────────────────────────────────────────────────────────

func (t *tx) Relationships(ctx context.Context, f memory.RelationshipFilter) ([]memory.RelationshipEdge, error) {
	if f.IsEmpty() {
		return []memory.RelationshipEdge{}, nil
	}
	var args []any
	q := "SELECT source_id, target_id, rel_type, strength, confidence, session_id, created_at, updated_at" +
		" FROM relationships WHERE (source_id IN " + in(&args, f.EntityIDs) +
		" OR target_id IN " + in(&args, f.EntityIDs) + ")"
	if len(f.RelTypes) > 0 {
		q += " AND rel_type IN " + in(&args, f.RelTypes)
	}
	q += " ORDER BY strength DESC, confidence DESC, updated_at DESC, source_id, target_id, rel_type"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := t.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite graph: relationships: %w", err)
	}
	rels, err := collect(rows, func(rows *sql.Rows) (memory.RelationshipEdge, error) {
		var (
			e                memory.RelationshipEdge
			created, updated string
		)
		if err := rows.Scan(&e.SourceID, &e.TargetID, &e.RelType, &e.Strength, &e.Confidence,
			&e.SessionID, &created, &updated,
		); err != nil {
			return e, err
		}
		var err error
		if e.CreatedAt, err = parseTime(created); err != nil {
			return e, err
		}
		e.UpdatedAt, err = parseTime(updated)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite graph: relationships: %w", err)
	}
	return rels, nil
}

func (t *tx) UpsertRelationship(ctx context.Context, e memory.RelationshipEdge) error {
	if err := t.writable("UpsertRelationship"); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO relationships
			(source_id, target_id, rel_type, strength, confidence, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id, target_id, rel_type) DO UPDATE SET
			strength   = excluded.strength,
			confidence = excluded.confidence,
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`,
		e.SourceID, e.TargetID, e.RelType, e.Strength, e.Confidence, e.SessionID,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite graph: upsert relationship: %w", err)
	}
	return nil
}

// collect scans every row with scan and closes rows. It never returns a nil
// slice on success.
func collect[T any](rows *sql.Rows, scan func(*sql.Rows) (T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
