package ingest

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/MrWong99/memoria/pkg/memory"
)

// defaultAttribute is used for events that name neither an attribute nor a
// kind.
const defaultAttribute = "observation"

// Event is a structured side-context record produced by the caller alongside
// a turn, e.g. "Alice's mood is cheerful".
type Event struct {
	// EntitiesInvolved are the entity keys the event asserts something about.
	EntitiesInvolved []string `json:"entities_involved"`

	// Description is free text. It is the fact value when Value is empty.
	Description string `json:"description"`

	// Confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Kind classifies the event and names the attribute when Attribute is
	// empty.
	Kind string `json:"kind,omitempty"`

	Attribute string `json:"attribute,omitempty"`
	Value     string `json:"value,omitempty"`
}

func (ev Event) validate() error {
	if math.IsNaN(ev.Confidence) || ev.Confidence < 0 || ev.Confidence > 1 {
		return fmt.Errorf("%w: event confidence must lie in [0,1], got %v", memory.ErrValidation, ev.Confidence)
	}
	if strings.TrimSpace(ev.value()) == "" {
		return fmt.Errorf("%w: event has neither value nor description", memory.ErrValidation)
	}
	return nil
}

func (ev Event) value() string {
	if ev.Value != "" {
		return ev.Value
	}
	return ev.Description
}

// attribute returns the normalised attribute the event asserts.
func (ev Event) attribute() string {
	for _, cand := range []string{ev.Attribute, ev.Kind} {
		if a := snakeCase(cand); a != "" {
			return a
		}
	}
	return defaultAttribute
}

// entities returns the trimmed, de-duplicated entity keys in input order.
func (ev Event) entities() []string {
	seen := make(map[string]struct{}, len(ev.EntitiesInvolved))
	out := make([]string, 0, len(ev.EntitiesInvolved))
	for _, e := range ev.EntitiesInvolved {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

// snakeCase lowercases s and joins its alphanumeric runs with underscores.
func snakeCase(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			pending = b.Len() > 0
			continue
		}
		if pending {
			b.WriteByte('_')
			pending = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// FactWriteResult lists the facts one [Pipeline.ProcessFact] call wrote, in
// entity order.
type FactWriteResult struct {
	FactIDs    []string                 `json:"fact_ids"`
	Facts      []memory.FactNode        `json:"facts"`
	Operations []memory.MemoryOperation `json:"operations"`
}

// ProcessFact asserts event for every entity it involves. An existing fact
// for the (entity, attribute) pair is merged: its confidence is blended,
// its assertion count incremented and its importance recomputed. Otherwise a
// new fact is created. Each write appends one [memory.MemoryOperation].
// Entities involved in the same event are linked by association edges.
func (p *Pipeline) ProcessFact(ctx context.Context, tx memory.Tx, event Event, turn memory.WorkingMemoryTurn, sessionID string) (FactWriteResult, error) {
	if err := event.validate(); err != nil {
		return FactWriteResult{}, err
	}
	if sessionID == "" {
		return FactWriteResult{}, fmt.Errorf("%w: session id is required", memory.ErrValidation)
	}

	attr := event.attribute()
	value := event.value()
	entities := event.entities()

	var res FactWriteResult
	for _, entity := range entities {
		fact, op, err := p.assertFact(ctx, tx, entity, attr, value, event.Confidence, turn.ID, sessionID)
		if err != nil {
			return FactWriteResult{}, err
		}
		res.FactIDs = append(res.FactIDs, fact.ID)
		res.Facts = append(res.Facts, fact)
		res.Operations = append(res.Operations, op)
	}

	if err := p.associate(ctx, tx, entities, event.Confidence, sessionID); err != nil {
		return FactWriteResult{}, err
	}
	return res, nil
}

// assertFact merges or creates one fact and appends its audit record.
func (p *Pipeline) assertFact(ctx context.Context, tx memory.Tx, entity, attr, value string, confidence float64, turnID, sessionID string) (memory.FactNode, memory.MemoryOperation, error) {
	now := p.now()
	existing, err := tx.FindFact(ctx, entity, attr)
	if err != nil {
		return memory.FactNode{}, memory.MemoryOperation{}, fmt.Errorf("ingest: find fact %s/%s: %w", entity, attr, err)
	}

	op := memory.MemoryOperation{
		ID:            uuid.NewString(),
		Entity:        entity,
		Attribute:     attr,
		NewValue:      value,
		TurnID:        turnID,
		SessionID:     sessionID,
		At:            now,
		NewConfidence: confidence,
	}

	var fact memory.FactNode
	if existing == nil {
		fact = memory.FactNode{
			ID:             ulid.Make().String(),
			Entity:         entity,
			Attribute:      attr,
			CurrentValue:   value,
			Confidence:     clamp01(confidence),
			AssertionCount: 1,
			SessionID:      sessionID,
			CreatedAt:      now,
			LastUpdated:    now,
		}
		fact.ImportanceScore = p.cfg.Importance.Score(fact.Confidence, 1, 0, false)
		if err := tx.InsertFact(ctx, fact); err != nil {
			return memory.FactNode{}, memory.MemoryOperation{}, fmt.Errorf("ingest: insert fact %s/%s: %w", entity, attr, err)
		}
		op.Kind = memory.OpCreate
	} else {
		fact = *existing
		gap := now.Sub(existing.LastUpdated)
		fact.CurrentValue = value
		fact.Confidence = BlendConfidence(existing.Confidence, confidence, p.cfg.ConfidenceBlend)
		fact.AssertionCount = existing.AssertionCount + 1
		fact.ImportanceScore = p.cfg.Importance.Score(fact.Confidence, fact.AssertionCount, gap, true)
		fact.SessionID = sessionID
		fact.LastUpdated = now
		if err := tx.UpdateFact(ctx, fact); err != nil {
			return memory.FactNode{}, memory.MemoryOperation{}, fmt.Errorf("ingest: update fact %s: %w", fact.ID, err)
		}
		op.Kind = memory.OpUpdate
		op.PreviousValue = existing.CurrentValue
		op.PreviousConfidence = existing.Confidence
		op.NewConfidence = fact.Confidence
	}
	op.FactID = fact.ID

	if err := tx.AppendOperation(ctx, op); err != nil {
		return memory.FactNode{}, memory.MemoryOperation{}, fmt.Errorf("ingest: append operation for fact %s: %w", fact.ID, err)
	}
	return fact, op, nil
}

// associate strengthens the association edge of every pair of co-involved
// entities, directed from the earlier to the later entity.
func (p *Pipeline) associate(ctx context.Context, tx memory.Tx, entities []string, confidence float64, sessionID string) error {
	if p.cfg.AssociationRelType == "" || len(entities) < 2 {
		return nil
	}

	edges, err := tx.Relationships(ctx, memory.RelationshipFilter{
		EntityIDs: entities,
		RelTypes:  []string{p.cfg.AssociationRelType},
	})
	if err != nil {
		return fmt.Errorf("ingest: load associations: %w", err)
	}
	type pair struct{ src, dst string }
	known := make(map[pair]memory.RelationshipEdge, len(edges))
	for _, e := range edges {
		known[pair{e.SourceID, e.TargetID}] = e
	}

	now := p.now()
	for i := range entities {
		for j := i + 1; j < len(entities); j++ {
			e, ok := known[pair{entities[i], entities[j]}]
			if ok {
				e.Strength = clamp01(e.Strength + p.cfg.AssociationStep)
				e.Confidence = BlendConfidence(e.Confidence, confidence, p.cfg.ConfidenceBlend)
			} else {
				e = memory.RelationshipEdge{
					SourceID:   entities[i],
					TargetID:   entities[j],
					RelType:    p.cfg.AssociationRelType,
					Strength:   clamp01(p.cfg.AssociationStep),
					Confidence: clamp01(confidence),
					CreatedAt:  now,
				}
			}
			e.SessionID = sessionID
			e.UpdatedAt = now
			if err := tx.UpsertRelationship(ctx, e); err != nil {
				return fmt.Errorf("ingest: upsert association %s->%s: %w", e.SourceID, e.TargetID, err)
			}
		}
	}
	return nil
}
