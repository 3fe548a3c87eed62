package retrieval

import (
	"math"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/memoria/pkg/memory"
)

// ─────────────────────────────────────────────────────────────────────────────
// Token estimation
// ─────────────────────────────────────────────────────────────────────────────

func (w TokenWeights) text(s string) int {
	if s == "" || w.CharsPerToken <= 0 {
		return 0
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(s)) / w.CharsPerToken))
}

// character costs id, name and the three VAD components.
func (w TokenWeights) character(c memory.Character) int {
	return w.Record + 3*w.Field + w.text(c.ID) + w.text(c.Name) + 3*w.Number
}

// fact costs entity, attribute, value, confidence and importance.
func (w TokenWeights) fact(f memory.FactNode) int {
	return w.Record + 5*w.Field + w.text(f.Entity) + w.text(f.Attribute) + w.text(f.CurrentValue) + 2*w.Number
}

// relationship costs both endpoints, the type, strength and confidence.
func (w TokenWeights) relationship(e memory.RelationshipEdge) int {
	return w.Record + 5*w.Field + w.text(e.SourceID) + w.text(e.TargetID) + w.text(e.RelType) + 2*w.Number
}

// EstimateTokenCount approximates the prompt cost of serialising the given
// records. It is meant for budget enforcement, not exactness.
func (e *Engine) EstimateTokenCount(chars []memory.Character, facts []memory.FactNode, rels []memory.RelationshipEdge) int {
	w := e.cfg.Tokens
	n := 0
	for _, c := range chars {
		n += w.character(c)
	}
	for _, f := range facts {
		n += w.fact(f)
	}
	for _, r := range rels {
		n += w.relationship(r)
	}
	return n
}

// ─────────────────────────────────────────────────────────────────────────────
// Relevance
// ─────────────────────────────────────────────────────────────────────────────

// DecayedImportance returns f's importance discounted by its age at now.
func (e *Engine) DecayedImportance(f memory.FactNode, now time.Time) float64 {
	age := max(now.Sub(f.LastUpdated), 0)
	return f.ImportanceScore * math.Exp(-math.Ln2*age.Hours()/e.cfg.DecayHalfLife.Hours())
}

// CalculateRelevanceScore scores a retrieved batch as
//
//	FactWeight·mean((decayed importance + confidence)/2)
//	+ RelationshipWeight·mean(strength)
//	+ PresenceWeight·presence
//
// For an explicit scope presence is the fraction of requested characters
// found in chars; otherwise it is the fraction of chars that belong to the
// scope. Empty categories contribute 0.
func (e *Engine) CalculateRelevanceScore(scope Scope, chars []memory.Character, facts []memory.FactNode, rels []memory.RelationshipEdge) float64 {
	now := e.now()

	var factTerm float64
	for _, f := range facts {
		factTerm += (e.DecayedImportance(f, now) + f.Confidence) / 2
	}
	if len(facts) > 0 {
		factTerm /= float64(len(facts))
	}

	var relTerm float64
	for _, r := range rels {
		relTerm += r.Strength
	}
	if len(rels) > 0 {
		relTerm /= float64(len(rels))
	}

	return e.cfg.FactWeight*factTerm + e.cfg.RelationshipWeight*relTerm + e.cfg.PresenceWeight*presence(scope, chars)
}

func presence(scope Scope, chars []memory.Character) float64 {
	in := 0
	for _, c := range chars {
		if scope.Contains(c.ID) {
			in++
		}
	}
	switch {
	case scope.Explicit && len(scope.Entities) > 0:
		return float64(in) / float64(len(scope.Entities))
	case len(chars) > 0:
		return float64(in) / float64(len(chars))
	default:
		return 0
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Truncation
// ─────────────────────────────────────────────────────────────────────────────

// Dropped counts the entries [Engine.Truncate] removed per category.
type Dropped struct {
	Characters    int
	Facts         int
	Relationships int
}

// Total returns the number of dropped entries.
func (d Dropped) Total() int { return d.Characters + d.Facts + d.Relationships }

// Truncate drops the lowest-ranked entries of b until its estimated token
// count fits budget. Each step removes the last entry of whichever list ends
// with the lowest score; ties go to relationships, then facts, then
// characters. Surviving entries keep their order. The input is not modified.
func (e *Engine) Truncate(b Batch, budget int) (Batch, Dropped) {
	w := e.cfg.Tokens
	out := Batch{
		Characters:    slices.Clone(b.Characters),
		Facts:         slices.Clone(b.Facts),
		Relationships: slices.Clone(b.Relationships),
	}
	var d Dropped

	total := e.EstimateTokenCount(out.Plain())
	for total > budget {
		const (
			none = iota
			rel
			fact
			char
		)
		pick, low := none, math.Inf(1)
		// Strict comparison keeps the earlier category on ties.
		if n := len(out.Relationships); n > 0 && out.Relationships[n-1].Score < low {
			pick, low = rel, out.Relationships[n-1].Score
		}
		if n := len(out.Facts); n > 0 && out.Facts[n-1].Score < low {
			pick, low = fact, out.Facts[n-1].Score
		}
		if n := len(out.Characters); n > 0 && out.Characters[n-1].Score < low {
			pick = char
		}

		switch pick {
		case rel:
			n := len(out.Relationships) - 1
			total -= w.relationship(out.Relationships[n].Item)
			out.Relationships = out.Relationships[:n]
			d.Relationships++
		case fact:
			n := len(out.Facts) - 1
			total -= w.fact(out.Facts[n].Item)
			out.Facts = out.Facts[:n]
			d.Facts++
		case char:
			n := len(out.Characters) - 1
			total -= w.character(out.Characters[n].Item)
			out.Characters = out.Characters[:n]
			d.Characters++
		default:
			return out, d
		}
	}
	return out, d
}
