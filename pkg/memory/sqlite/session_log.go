package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/MrWong99/memoria/pkg/memory"
)

func (t *tx) InsertTurn(ctx context.Context, turn memory.WorkingMemoryTurn) error {
	if err := t.writable("InsertTurn"); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO turns (id, session_id, speaker_id, character_id, text, timestamp, significance_score)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.SessionID, turn.SpeakerID, turn.CharacterID, turn.Text, formatTime(turn.Timestamp), turn.SignificanceScore,
	)
	if err != nil {
		return fmt.Errorf("sqlite log: insert turn: %w", err)
	}
	return nil
}

func (t *tx) AppendOperation(ctx context.Context, op memory.MemoryOperation) error {
	if err := t.writable("AppendOperation"); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO memory_operations
			(id, kind, fact_id, entity, attribute, previous_value, new_value,
			 previous_confidence, new_confidence, turn_id, session_id, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Kind), op.FactID, op.Entity, op.Attribute, op.PreviousValue, op.NewValue,
		op.PreviousConfidence, op.NewConfidence, op.TurnID, op.SessionID, formatTime(op.At),
	)
	if err != nil {
		return fmt.Errorf("sqlite log: append operation: %w", err)
	}
	return nil
}

// SessionEntities returns fact entities, turn speakers and turn characters of
// the session, most recently touched first.
func (t *tx) SessionEntities(ctx context.Context, sessionID string, limit int) ([]string, error) {
	q := `
		SELECT entity FROM (
			SELECT entity, max(at) AS touched FROM memory_operations
			WHERE session_id = ? GROUP BY entity
			UNION ALL
			SELECT speaker_id, max(timestamp) FROM turns
			WHERE session_id = ? AND speaker_id <> '' GROUP BY speaker_id
			UNION ALL
			SELECT character_id, max(timestamp) FROM turns
			WHERE session_id = ? AND character_id <> '' GROUP BY character_id
		)
		GROUP BY entity
		ORDER BY max(touched) DESC, entity`
	args := []any{sessionID, sessionID, sessionID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := t.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite log: session entities: %w", err)
	}
	ids, err := collect(rows, func(rows *sql.Rows) (string, error) {
		var id string
		err := rows.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite log: session entities: %w", err)
	}
	return ids, nil
}
