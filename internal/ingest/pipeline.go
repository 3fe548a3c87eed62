// Package ingest implements the transactional ingestion pipeline: it records a
// conversational turn, the facts the turn asserts and the resulting emotional
// state of a character.
//
// Every operation takes the caller's [memory.Tx] and never opens, commits or
// rolls back a transaction itself. A failed write returns the wrapped storage
// error so the caller can roll back the whole turn; nothing is retried.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/MrWong99/memoria/internal/observe"
	"github.com/MrWong99/memoria/pkg/affect"
	"github.com/MrWong99/memoria/pkg/memory"
)

// Config tunes fact merging.
type Config struct {
	// ConfidenceBlend is the weight of a newly asserted confidence when it is
	// merged into an existing fact. 0 keeps the old confidence, 1 replaces it.
	ConfidenceBlend float64 `yaml:"confidence_blend"`

	// Importance weights the importance score.
	Importance ImportanceConfig `yaml:"importance"`

	// AssociationRelType is the edge type linking entities involved in the
	// same event. Empty disables association edges.
	AssociationRelType string `yaml:"association_rel_type"`

	// AssociationStep is the strength a new association edge starts with and
	// the amount each further co-occurrence adds.
	AssociationStep float64 `yaml:"association_step"`
}

// DefaultConfig returns a blend of 0.6, [DefaultImportanceConfig] and
// "associated_with" edges growing in steps of 0.2.
func DefaultConfig() Config {
	return Config{
		ConfidenceBlend:    0.6,
		Importance:         DefaultImportanceConfig(),
		AssociationRelType: "associated_with",
		AssociationStep:    0.2,
	}
}

// Validate checks every field and returns all violations joined.
func (c Config) Validate() error {
	var errs []error
	if c.ConfidenceBlend < 0 || c.ConfidenceBlend > 1 {
		errs = append(errs, fmt.Errorf("confidence_blend must lie in [0,1], got %v", c.ConfidenceBlend))
	}
	if c.AssociationStep < 0 || c.AssociationStep > 1 {
		errs = append(errs, fmt.Errorf("association_step must lie in [0,1], got %v", c.AssociationStep))
	}
	if err := c.Importance.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithMachine replaces the default mode machine built from
// [affect.DefaultGuards].
func WithMachine(m *affect.Machine) Option {
	return func(p *Pipeline) { p.machine = m }
}

// WithExtractor replaces the default signal extractor.
func WithExtractor(x *affect.Extractor) Option {
	return func(p *Pipeline) { p.extractor = x }
}

// WithProfiles sets the persona source used to initialise emotional states
// of characters seen for the first time.
func WithProfiles(src ProfileSource) Option {
	return func(p *Pipeline) { p.profiles = src }
}

// WithMetrics sets the metrics recorder. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline writes turns, facts and character state into a caller-supplied
// transaction. It holds no per-turn state and is safe for concurrent use.
type Pipeline struct {
	cfg       Config
	engine    *affect.Engine
	machine   *affect.Machine
	extractor *affect.Extractor
	profiles  ProfileSource
	metrics   *observe.Metrics
	now       func() time.Time
}

// New returns a Pipeline driving engine.
func New(cfg Config, engine *affect.Engine, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		engine:    engine,
		machine:   affect.NewMachine(affect.DefaultGuards()),
		extractor: affect.NewExtractor(engine.Config().FuzzyThreshold),
		profiles:  StaticProfiles(nil),
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// ─────────────────────────────────────────────────────────────────────────────
// Single writes
// ─────────────────────────────────────────────────────────────────────────────

// UpsertCharacter writes state as the emotional state of characterID,
// creating the character when absent. An empty name keeps the stored name,
// falling back to the ID for new characters.
func (p *Pipeline) UpsertCharacter(ctx context.Context, tx memory.Tx, characterID, name string, state affect.State) error {
	if characterID == "" {
		return fmt.Errorf("%w: character id is required", memory.ErrValidation)
	}
	if !state.Current.InRange() || !state.Mode.Valid() {
		return fmt.Errorf("%w: character %s has an invalid emotional state", memory.ErrValidation, characterID)
	}

	now := p.now()
	existing, err := tx.GetCharacter(ctx, characterID)
	if err != nil {
		return fmt.Errorf("ingest: upsert character %s: %w", characterID, err)
	}
	c := memory.Character{ID: characterID, Name: name, CreatedAt: now}
	if existing != nil {
		c.CreatedAt = existing.CreatedAt
		if c.Name == "" {
			c.Name = existing.Name
		}
	}
	if c.Name == "" {
		c.Name = characterID
	}
	c.EmotionalState = state.Current
	c.Emotion = &state
	c.LastUpdated = now

	if err := tx.UpsertCharacter(ctx, c); err != nil {
		return fmt.Errorf("ingest: upsert character %s: %w", characterID, err)
	}
	return nil
}

// StoreTurn persists turn under sessionID with the given significance and
// returns the stored turn. A missing ID is filled with a ULID and a missing
// timestamp with the current time.
func (p *Pipeline) StoreTurn(ctx context.Context, tx memory.Tx, turn memory.WorkingMemoryTurn, sessionID string, significance float64) (memory.WorkingMemoryTurn, error) {
	if sessionID == "" {
		return memory.WorkingMemoryTurn{}, fmt.Errorf("%w: session id is required", memory.ErrValidation)
	}
	if math.IsNaN(significance) || math.IsInf(significance, 0) {
		return memory.WorkingMemoryTurn{}, fmt.Errorf("%w: significance must be finite", memory.ErrValidation)
	}
	if turn.ID == "" {
		turn.ID = ulid.Make().String()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = p.now()
	}
	turn.SessionID = sessionID
	turn.SignificanceScore = significance

	if err := tx.InsertTurn(ctx, turn); err != nil {
		return memory.WorkingMemoryTurn{}, fmt.Errorf("ingest: store turn %s: %w", turn.ID, err)
	}
	return turn, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Whole turn
// ─────────────────────────────────────────────────────────────────────────────

// TurnInput is everything the pipeline needs to ingest one turn.
type TurnInput struct {
	SessionID string `json:"session_id"`

	// CharacterID is the character whose emotional state the turn affects.
	CharacterID string `json:"character_id"`

	// CharacterName names the character when it is created. Optional.
	CharacterName string `json:"character_name,omitempty"`

	Turn   memory.WorkingMemoryTurn `json:"turn"`
	Events []Event                  `json:"events,omitempty"`
}

// Result reports what [Pipeline.Ingest] wrote.
type Result struct {
	Turn       memory.WorkingMemoryTurn `json:"turn"`
	Character  memory.Character         `json:"character"`
	Signals    []affect.Signal          `json:"signals"`
	Delta      affect.VAD               `json:"delta"`
	Transition affect.Transition        `json:"transition"`
	Facts      FactWriteResult          `json:"facts"`
}

// Ingest runs the full per-turn flow inside tx: load the character, derive
// signals from the turn, update its emotional state, evaluate its mode, store
// the turn, process every event and write the character back. Any failure
// aborts the flow and is returned; the caller must roll tx back.
func (p *Pipeline) Ingest(ctx context.Context, tx memory.Tx, in TurnInput) (res *Result, err error) {
	if in.SessionID == "" || in.CharacterID == "" {
		return nil, fmt.Errorf("%w: session id and character id are required", memory.ErrValidation)
	}
	for i, ev := range in.Events {
		if err := ev.validate(); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
	}

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "ingest.Ingest")
	defer func() { observe.EndSpan(span, err) }()

	existing, err := tx.GetCharacter(ctx, in.CharacterID)
	if err != nil {
		return nil, fmt.Errorf("ingest: load character %s: %w", in.CharacterID, err)
	}
	state, name, err := p.initialState(in, existing)
	if err != nil {
		return nil, err
	}

	descs := make([]string, 0, len(in.Events))
	for _, ev := range in.Events {
		descs = append(descs, ev.Description)
	}
	signals := p.extractor.Extract(affect.Input{Text: in.Turn.Text, Events: descs})
	next, delta := p.engine.Update(state, signals)
	tr := p.machine.Evaluate(next, affect.Context{Delta: delta, Signals: signals})
	next = affect.Apply(next, tr)

	in.Turn.CharacterID = in.CharacterID
	turn, err := p.StoreTurn(ctx, tx, in.Turn, in.SessionID, in.Turn.SignificanceScore)
	if err != nil {
		return nil, err
	}

	var facts FactWriteResult
	for _, ev := range in.Events {
		r, err := p.ProcessFact(ctx, tx, ev, turn, in.SessionID)
		if err != nil {
			return nil, err
		}
		facts.FactIDs = append(facts.FactIDs, r.FactIDs...)
		facts.Facts = append(facts.Facts, r.Facts...)
		facts.Operations = append(facts.Operations, r.Operations...)
	}

	if err := p.UpsertCharacter(ctx, tx, in.CharacterID, name, next); err != nil {
		return nil, err
	}
	char, err := tx.GetCharacter(ctx, in.CharacterID)
	if err != nil {
		return nil, fmt.Errorf("ingest: reload character %s: %w", in.CharacterID, err)
	}

	if tr.Transitioned {
		p.metrics.RecordModeTransition(ctx, tr.From.String(), tr.To.String())
	}
	for _, op := range facts.Operations {
		p.metrics.RecordFactWrite(ctx, string(op.Kind))
	}
	observe.RecordDuration(ctx, p.metrics.IngestDuration, start)
	observe.Logger(ctx).Debug("turn ingested",
		slog.String("session_id", in.SessionID),
		slog.String("character_id", in.CharacterID),
		slog.String("turn_id", turn.ID),
		slog.Int("signals", len(signals)),
		slog.Int("fact_writes", len(facts.Operations)),
		slog.String("mode", next.Mode.String()),
		slog.Bool("transitioned", tr.Transitioned),
	)

	res = &Result{
		Turn:       turn,
		Signals:    signals,
		Delta:      delta,
		Transition: tr,
		Facts:      facts,
	}
	if char != nil {
		res.Character = *char
	}
	return res, nil
}

// initialState returns the state to update this turn and the name to store.
func (p *Pipeline) initialState(in TurnInput, existing *memory.Character) (affect.State, string, error) {
	prof, hasProfile := p.profiles.Profile(in.CharacterID)
	name := in.CharacterName
	if name == "" && hasProfile {
		name = prof.Name
	}

	if existing != nil && existing.Emotion != nil {
		return *existing.Emotion, name, nil
	}

	state, err := affect.New(prof.Baseline, prof.Traits)
	if err != nil {
		return affect.State{}, "", fmt.Errorf("ingest: profile for %s: %w", in.CharacterID, err)
	}
	if existing != nil {
		// Written by another writer without a full emotion record; resume
		// from its stored triple.
		state.Current = existing.EmotionalState.Clamp()
	}
	return state, name, nil
}
