package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/memoria/pkg/memory"
)

// InsertTurn implements [memory.Tx]. A duplicate turn ID violates the
// primary key.
func (t *tx) InsertTurn(ctx context.Context, turn memory.WorkingMemoryTurn) error {
	const q = `
		INSERT INTO turns
		    (id, session_id, speaker_id, character_id, text, timestamp, significance_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := t.q.Exec(ctx, q,
		turn.ID,
		turn.SessionID,
		turn.SpeakerID,
		turn.CharacterID,
		turn.Text,
		turn.Timestamp,
		turn.SignificanceScore,
	)
	if err != nil {
		return fmt.Errorf("session log: insert turn: %w", err)
	}
	return nil
}

// AppendOperation implements [memory.Tx].
func (t *tx) AppendOperation(ctx context.Context, op memory.MemoryOperation) error {
	const q = `
		INSERT INTO memory_operations
		    (id, kind, fact_id, entity, attribute, previous_value, new_value,
		     previous_confidence, new_confidence, turn_id, session_id, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := t.q.Exec(ctx, q,
		op.ID,
		string(op.Kind),
		op.FactID,
		op.Entity,
		op.Attribute,
		op.PreviousValue,
		op.NewValue,
		op.PreviousConfidence,
		op.NewConfidence,
		op.TurnID,
		op.SessionID,
		op.At,
	)
	if err != nil {
		return fmt.Errorf("session log: append operation: %w", err)
	}
	return nil
}

// SessionEntities implements [memory.Reader]. An entity's touch time is the
// latest of its fact operations and the turns it spoke or was affected by.
func (t *tx) SessionEntities(ctx context.Context, sessionID string, limit int) ([]string, error) {
	args := []any{sessionID}
	q := `
		SELECT entity
		FROM (
		    SELECT entity, max(at) AS touched
		    FROM   memory_operations
		    WHERE  session_id = $1
		    GROUP  BY entity

		    UNION ALL

		    SELECT speaker_id, max(timestamp)
		    FROM   turns
		    WHERE  session_id = $1 AND speaker_id <> ''
		    GROUP  BY speaker_id

		    UNION ALL

		    SELECT character_id, max(timestamp)
		    FROM   turns
		    WHERE  session_id = $1 AND character_id <> ''
		    GROUP  BY character_id
		) touches
		GROUP  BY entity
		ORDER  BY max(touched) DESC, entity`

	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := t.q.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session log: session entities: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("session log: session entities: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
