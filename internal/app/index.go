package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/memoria/internal/ingest"
	"github.com/MrWong99/memoria/internal/observe"
	"github.com/MrWong99/memoria/pkg/memory"
)

// reindexBatch is how many records Reindex embeds per provider call.
const reindexBatch = 64

// FactText is the text a fact is embedded as, e.g.
// "alice favourite drink mead".
func FactText(f memory.FactNode) string {
	return strings.Join([]string{f.Entity, strings.ReplaceAll(f.Attribute, "_", " "), f.CurrentValue}, " ")
}

// CharacterText is the text a character is embedded as.
func CharacterText(c memory.Character) string {
	if c.Name == "" {
		return c.ID
	}
	return c.Name
}

// indexEntry is one record waiting to be embedded.
type indexEntry struct {
	label string
	text  string
}

// indexResult embeds the character and facts written by one turn. A fact
// written twice in the turn is embedded once with its final value.
func (a *App) indexResult(ctx context.Context, res *ingest.Result) error {
	if a.index == nil || a.providers.Embeddings == nil {
		return nil
	}

	entries := make([]indexEntry, 0, len(res.Facts.Facts)+1)
	if res.Character.ID != "" {
		entries = append(entries, indexEntry{
			label: memory.Label(memory.LabelCharacter, res.Character.ID),
			text:  CharacterText(res.Character),
		})
	}
	pos := make(map[string]int, len(res.Facts.Facts))
	for _, f := range res.Facts.Facts {
		e := indexEntry{label: memory.Label(memory.LabelFact, f.ID), text: FactText(f)}
		if i, ok := pos[f.ID]; ok {
			entries[i] = e
			continue
		}
		pos[f.ID] = len(entries)
		entries = append(entries, e)
	}
	return a.embedAndAdd(ctx, entries)
}

// embedAndAdd embeds entries in one batch and adds every vector to the
// index. Add failures are collected so one bad vector does not stop the
// rest.
func (a *App) embedAndAdd(ctx context.Context, entries []indexEntry) error {
	if len(entries) == 0 {
		return nil
	}

	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.text
	}
	vecs, err := a.providers.Embeddings.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed %d records: %w", len(entries), err)
	}
	if len(vecs) != len(entries) {
		return fmt.Errorf("embed %d records: provider returned %d vectors", len(entries), len(vecs))
	}

	var errs []error
	for i, e := range entries {
		if err := a.index.Add(ctx, e.label, vecs[i]); err != nil {
			errs = append(errs, fmt.Errorf("add %s: %w", e.label, err))
		}
	}
	return errors.Join(errs...)
}

// ReindexStats reports what [App.Reindex] wrote.
type ReindexStats struct {
	Characters int
	Facts      int
	Failed     int
}

// Reindex embeds every character and fact in the graph store into the
// vector index, replacing the stored vectors. It repairs an index that
// missed writes or was lost. Batches that fail are counted and skipped; the
// index is saved at the end.
func (a *App) Reindex(ctx context.Context) (ReindexStats, error) {
	var stats ReindexStats
	if a.index == nil {
		return stats, errors.New("app: reindex: no vector index configured")
	}
	if a.providers.Embeddings == nil {
		return stats, errors.New("app: reindex: no embeddings provider configured")
	}

	var (
		chars []memory.Character
		facts []memory.FactNode
	)
	err := a.store.View(ctx, func(ctx context.Context, r memory.Reader) error {
		var err error
		if chars, err = r.Characters(ctx, memory.CharacterFilter{}); err != nil {
			return err
		}
		facts, err = r.Facts(ctx, memory.FactFilter{})
		return err
	})
	if err != nil {
		return stats, fmt.Errorf("app: reindex: read graph: %w", err)
	}

	entries := make([]indexEntry, 0, len(chars)+len(facts))
	for _, c := range chars {
		entries = append(entries, indexEntry{label: memory.Label(memory.LabelCharacter, c.ID), text: CharacterText(c)})
	}
	for _, f := range facts {
		entries = append(entries, indexEntry{label: memory.Label(memory.LabelFact, f.ID), text: FactText(f)})
	}

	log := observe.Logger(ctx)
	for start := 0; start < len(entries); start += reindexBatch {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		end := min(start+reindexBatch, len(entries))
		if err := a.embedAndAdd(ctx, entries[start:end]); err != nil {
			log.Warn("reindex batch failed", slog.Int("offset", start), slog.Any("err", err))
			stats.Failed += end - start
			continue
		}
		for _, e := range entries[start:end] {
			if strings.HasPrefix(e.label, string(memory.LabelCharacter)+":") {
				stats.Characters++
			} else {
				stats.Facts++
			}
		}
	}

	if err := a.SaveIndex(ctx); err != nil {
		return stats, err
	}
	log.Info("vector index rebuilt",
		slog.Int("characters", stats.Characters),
		slog.Int("facts", stats.Facts),
		slog.Int("failed", stats.Failed),
	)
	return stats, nil
}
