package retrieval

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/MrWong99/memoria/internal/observe"
	"github.com/MrWong99/memoria/pkg/memory"
)

// ─────────────────────────────────────────────────────────────────────────────
// Types
// ─────────────────────────────────────────────────────────────────────────────

// Scored is a retrieved record with its rank score.
type Scored[T any] struct {
	Item T `json:"item"`

	// Score orders results within a category; higher ranks first.
	Score float64 `json:"score"`

	// Similarity is the cosine similarity of the closest vector hit, 0 when
	// the record was not a hit.
	Similarity float64 `json:"similarity,omitempty"`
}

// Batch is one ranked retrieval result, each list ordered best first.
type Batch struct {
	Characters    []Scored[memory.Character]        `json:"characters"`
	Facts         []Scored[memory.FactNode]         `json:"facts"`
	Relationships []Scored[memory.RelationshipEdge] `json:"relationships"`
}

// Plain returns the records of b without scores.
func (b Batch) Plain() ([]memory.Character, []memory.FactNode, []memory.RelationshipEdge) {
	return items(b.Characters), items(b.Facts), items(b.Relationships)
}

func items[T any](s []Scored[T]) []T {
	out := make([]T, len(s))
	for i, x := range s {
		out[i] = x.Item
	}
	return out
}

// Scope is the set of entities a retrieval may return records about.
type Scope struct {
	Entities []string

	// Explicit is true when the entities were named by the query rather than
	// derived from the session.
	Explicit bool

	set map[string]struct{}
}

// NewScope returns a Scope over entities.
func NewScope(entities []string, explicit bool) Scope {
	s := Scope{Entities: entities, Explicit: explicit, set: make(map[string]struct{}, len(entities))}
	for _, id := range entities {
		s.set[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is in scope.
func (s Scope) Contains(id string) bool {
	_, ok := s.set[id]
	return ok
}

// Empty reports whether nothing is in scope.
func (s Scope) Empty() bool { return len(s.Entities) == 0 }

// Hits holds vector index matches as cosine similarities keyed by record ID.
type Hits struct {
	Characters map[string]float64
	Facts      map[string]float64

	// Entities holds similarities of entities reached through fact hits.
	// Relationship ranking uses it alongside Characters.
	Entities map[string]float64
}

// NewHits converts the first row of an index search into Hits. Labels that
// do not parse are skipped. A label seen twice keeps its best similarity.
func NewHits(res memory.SearchResult) Hits {
	h := Hits{
		Characters: map[string]float64{},
		Facts:      map[string]float64{},
		Entities:   map[string]float64{},
	}
	if len(res.Labels) == 0 {
		return h
	}
	for i, label := range res.Labels[0] {
		if len(res.Distances) == 0 || i >= len(res.Distances[0]) {
			break
		}
		kind, id, err := memory.ParseLabel(label)
		if err != nil {
			slog.Debug("skipping vector hit", "label", label, "err", err)
			continue
		}
		sim := 1 - float64(res.Distances[0][i])
		switch kind {
		case memory.LabelCharacter:
			h.Characters[id] = max(h.Characters[id], sim)
		case memory.LabelFact:
			h.Facts[id] = max(h.Facts[id], sim)
		}
	}
	return h
}

// entity returns the best similarity known for an entity key.
func (h Hits) entity(id string) float64 {
	return max(h.Characters[id], h.Entities[id])
}

// ─────────────────────────────────────────────────────────────────────────────
// Scope
// ─────────────────────────────────────────────────────────────────────────────

// ResolveScope returns the query's explicit character scope, or the
// entities its session touched when none is given.
func (e *Engine) ResolveScope(ctx context.Context, r memory.Reader, q memory.MemoryRetrievalQuery) (Scope, error) {
	if len(q.CharacterIDs) > 0 {
		return NewScope(slices.Compact(slices.Sorted(slices.Values(q.CharacterIDs))), true), nil
	}
	limit := e.cfg.CandidateMultiplier * (q.Limits.Characters + q.Limits.Facts + q.Limits.Relationships)
	ids, err := r.SessionEntities(ctx, q.SessionID, limit)
	if err != nil {
		return Scope{}, fmt.Errorf("retrieval: session entities for %s: %w", q.SessionID, err)
	}
	return NewScope(ids, false), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Per-category retrieval
// ─────────────────────────────────────────────────────────────────────────────

// RetrieveCharacters returns up to q.Limits.Characters in-scope characters.
// Explicitly requested characters rank above session-derived ones; a vector
// hit adds SimilarityWeight·similarity. Ties go to the most recently updated.
func (e *Engine) RetrieveCharacters(ctx context.Context, r memory.Reader, q memory.MemoryRetrievalQuery, scope Scope, hits Hits) ([]Scored[memory.Character], error) {
	if scope.Empty() {
		return []Scored[memory.Character]{}, nil
	}
	cands, err := r.Characters(ctx, memory.CharacterFilter{
		IDs:   scope.Entities,
		Limit: q.Limits.Characters * e.cfg.CandidateMultiplier,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: read characters: %w", err)
	}
	cands, err = withMissingHits(cands, hits.Characters, scope.Contains,
		func(c memory.Character) string { return c.ID },
		func(ids []string) ([]memory.Character, error) {
			return r.Characters(ctx, memory.CharacterFilter{IDs: ids})
		})
	if err != nil {
		return nil, fmt.Errorf("retrieval: read hit characters: %w", err)
	}

	base := 0.5
	if scope.Explicit {
		base = 1
	}
	out := make([]Scored[memory.Character], 0, len(cands))
	for _, c := range cands {
		if !scope.Contains(c.ID) {
			continue
		}
		sim := hits.Characters[c.ID]
		out = append(out, Scored[memory.Character]{Item: c, Score: base + e.cfg.SimilarityWeight*sim, Similarity: sim})
	}
	slices.SortStableFunc(out, func(a, b Scored[memory.Character]) int {
		return cmp.Or(
			cmp.Compare(b.Score, a.Score),
			b.Item.LastUpdated.Compare(a.Item.LastUpdated),
			cmp.Compare(a.Item.ID, b.Item.ID),
		)
	})
	return capAt(out, q.Limits.Characters), nil
}

// RetrieveFacts returns up to q.Limits.Facts facts about in-scope entities,
// ranked by (decayed importance + confidence)/2 plus the similarity bonus.
// Ties go to higher importance, then confidence, then recency.
func (e *Engine) RetrieveFacts(ctx context.Context, r memory.Reader, q memory.MemoryRetrievalQuery, scope Scope, hits Hits) ([]Scored[memory.FactNode], error) {
	if scope.Empty() {
		return []Scored[memory.FactNode]{}, nil
	}
	cands, err := r.Facts(ctx, memory.FactFilter{
		Entities: scope.Entities,
		Limit:    q.Limits.Facts * e.cfg.CandidateMultiplier,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: read facts: %w", err)
	}
	cands, err = withMissingHits(cands, hits.Facts, func(string) bool { return true },
		func(f memory.FactNode) string { return f.ID },
		func(ids []string) ([]memory.FactNode, error) {
			return r.Facts(ctx, memory.FactFilter{IDs: ids, Entities: scope.Entities})
		})
	if err != nil {
		return nil, fmt.Errorf("retrieval: read hit facts: %w", err)
	}

	now := e.now()
	out := make([]Scored[memory.FactNode], 0, len(cands))
	for _, f := range cands {
		if !scope.Contains(f.Entity) {
			continue
		}
		sim := hits.Facts[f.ID]
		score := (e.DecayedImportance(f, now)+f.Confidence)/2 + e.cfg.SimilarityWeight*sim
		out = append(out, Scored[memory.FactNode]{Item: f, Score: score, Similarity: sim})
	}
	slices.SortStableFunc(out, func(a, b Scored[memory.FactNode]) int {
		return cmp.Or(
			cmp.Compare(b.Score, a.Score),
			cmp.Compare(b.Item.ImportanceScore, a.Item.ImportanceScore),
			cmp.Compare(b.Item.Confidence, a.Item.Confidence),
			b.Item.LastUpdated.Compare(a.Item.LastUpdated),
			cmp.Compare(a.Item.ID, b.Item.ID),
		)
	})
	return capAt(out, q.Limits.Facts), nil
}

// RetrieveRelationships returns up to q.Limits.Relationships edges touching
// in-scope entities, ranked by (strength + confidence)/2 plus the similarity
// bonus of the better-matching endpoint. Ties go to higher strength, then
// confidence, then recency.
func (e *Engine) RetrieveRelationships(ctx context.Context, r memory.Reader, q memory.MemoryRetrievalQuery, scope Scope, hits Hits) ([]Scored[memory.RelationshipEdge], error) {
	if scope.Empty() {
		return []Scored[memory.RelationshipEdge]{}, nil
	}
	cands, err := r.Relationships(ctx, memory.RelationshipFilter{
		EntityIDs: scope.Entities,
		Limit:     q.Limits.Relationships * e.cfg.CandidateMultiplier,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: read relationships: %w", err)
	}

	out := make([]Scored[memory.RelationshipEdge], 0, len(cands))
	for _, rel := range cands {
		if !scope.Contains(rel.SourceID) && !scope.Contains(rel.TargetID) {
			continue
		}
		sim := max(hits.entity(rel.SourceID), hits.entity(rel.TargetID))
		score := (rel.Strength+rel.Confidence)/2 + e.cfg.SimilarityWeight*sim
		out = append(out, Scored[memory.RelationshipEdge]{Item: rel, Score: score, Similarity: sim})
	}
	slices.SortStableFunc(out, func(a, b Scored[memory.RelationshipEdge]) int {
		return cmp.Or(
			cmp.Compare(b.Score, a.Score),
			cmp.Compare(b.Item.Strength, a.Item.Strength),
			cmp.Compare(b.Item.Confidence, a.Item.Confidence),
			b.Item.UpdatedAt.Compare(a.Item.UpdatedAt),
		)
	})
	return capAt(out, q.Limits.Relationships), nil
}

// withMissingHits appends the records for hit IDs that the bounded candidate
// read did not return. Only IDs passing keep are fetched.
func withMissingHits[T any](cands []T, hits map[string]float64, keep func(string) bool, id func(T) string, fetch func([]string) ([]T, error)) ([]T, error) {
	if len(hits) == 0 {
		return cands, nil
	}
	have := make(map[string]struct{}, len(cands))
	for _, c := range cands {
		have[id(c)] = struct{}{}
	}
	var missing []string
	for hid := range hits {
		if _, ok := have[hid]; !ok && keep(hid) {
			missing = append(missing, hid)
		}
	}
	if len(missing) == 0 {
		return cands, nil
	}
	slices.Sort(missing)
	extra, err := fetch(missing)
	if err != nil {
		return nil, err
	}
	return append(cands, extra...), nil
}

func capAt[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// withFactEntities returns h with the similarity of every hit fact's
// entity recorded in Entities.
func (h Hits) withFactEntities(facts []Scored[memory.FactNode]) Hits {
	if len(h.Facts) == 0 {
		return h
	}
	ents := make(map[string]float64, len(h.Entities)+len(facts))
	for k, v := range h.Entities {
		ents[k] = v
	}
	for _, f := range facts {
		if sim, ok := h.Facts[f.Item.ID]; ok {
			ents[f.Item.Entity] = max(ents[f.Item.Entity], sim)
		}
	}
	h.Entities = ents
	return h
}

// logScope logs the resolved scope at debug level.
func logScope(ctx context.Context, q memory.MemoryRetrievalQuery, s Scope) {
	observe.Logger(ctx).Debug("retrieval scope resolved",
		slog.String("session_id", q.SessionID),
		slog.Int("entities", len(s.Entities)),
		slog.Bool("explicit", s.Explicit),
	)
}
