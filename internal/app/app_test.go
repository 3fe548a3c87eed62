package app_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/memoria/internal/app"
	"github.com/MrWong99/memoria/internal/config"
	"github.com/MrWong99/memoria/internal/ingest"
	"github.com/MrWong99/memoria/internal/resilience"
	"github.com/MrWong99/memoria/pkg/affect"
	"github.com/MrWong99/memoria/pkg/memory"
	memorymock "github.com/MrWong99/memoria/pkg/memory/mock"
	"github.com/MrWong99/memoria/pkg/memory/sqlite"
	"github.com/MrWong99/memoria/pkg/provider/embeddings"
	embmock "github.com/MrWong99/memoria/pkg/provider/embeddings/mock"
)

const dims = 32

var t0 = time.Date(2026, 5, 4, 18, 30, 0, 0, time.UTC)

// testConfig returns a config with a sqlite store in memory, a chromem index
// under dir and one configured character.
func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Store = config.StoreConfig{Backend: config.StoreSQLite, SQLitePath: sqlite.MemoryPath}
	cfg.VectorIndex = config.VectorIndexConfig{
		Backend:       config.IndexChromem,
		Dimensions:    dims,
		Path:          filepath.Join(dir, "memoria.index"),
		FlushInterval: time.Hour,
	}
	cfg.Characters = []config.CharacterConfig{
		{ID: "alice", Name: "Alice", Baseline: affect.VAD{Valence: 0.3}},
	}
	return cfg
}

func testProviders() (*app.Providers, *embmock.Provider) {
	emb := &embmock.Provider{EmbedFunc: embmock.BagOfWords(dims), DimensionsValue: dims, ModelIDValue: "bag-of-words"}
	return &app.Providers{Embeddings: emb}, emb
}

func newApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithClock(func() time.Time { return t0 })}, opts...)
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func aliceTurn(text string, events ...ingest.Event) ingest.TurnInput {
	return ingest.TurnInput{
		SessionID:   "session-1",
		CharacterID: "alice",
		Turn: memory.WorkingMemoryTurn{
			SpeakerID: "alice",
			Text:      text,
			Timestamp: t0,
		},
		Events: events,
	}
}

func query(ids ...string) memory.MemoryRetrievalQuery {
	return memory.MemoryRetrievalQuery{
		SessionID:    "session-1",
		CharacterIDs: ids,
		Limits:       memory.Limits{Characters: 5, Facts: 10, Relationships: 10},
		TokenBudget:  2000,
	}
}

// ─── End to end ──────────────────────────────────────────────────────────────

func TestApp_IngestAndRetrieve(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := testConfig(dir)
	providers, emb := testProviders()
	a := newApp(t, cfg, providers)
	ctx := context.Background()

	res, err := a.Ingest(ctx, aliceTurn("I love the harbour at dawn, it makes me so happy!",
		ingest.Event{EntitiesInvolved: []string{"alice", "bob"}, Attribute: "favourite drink", Value: "mead", Confidence: 0.8},
		ingest.Event{EntitiesInvolved: []string{"alice"}, Kind: "mood", Description: "cheerful", Confidence: 0.6},
	))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Character.Name != "Alice" {
		t.Errorf("character name = %q, want Alice from the profile", res.Character.Name)
	}
	if len(res.Facts.Facts) != 3 {
		t.Fatalf("facts written = %d, want 3", len(res.Facts.Facts))
	}

	// One character plus three facts, embedded in a single batch.
	if got := a.IndexLen(); got != 4 {
		t.Errorf("IndexLen() = %d, want 4", got)
	}
	if n := len(emb.EmbedBatchCalls); n != 1 {
		t.Fatalf("EmbedBatch calls = %d, want 1", n)
	}
	if texts := emb.EmbedBatchCalls[0].Texts; !slices.Contains(texts, "alice favourite drink mead") {
		t.Errorf("embedded texts = %q", texts)
	}

	got, err := a.RetrieveText(ctx, "what does alice like to drink", query("alice"))
	if err != nil {
		t.Fatalf("RetrieveText: %v", err)
	}
	if got.Degraded || got.BelowFloor {
		t.Errorf("degraded = %t below_floor = %t, want both false", got.Degraded, got.BelowFloor)
	}
	if len(got.Characters) != 1 || got.Characters[0].Item.ID != "alice" {
		t.Errorf("characters = %+v", got.Characters)
	}
	if len(got.Facts) != 2 {
		t.Fatalf("facts = %d, want alice's 2", len(got.Facts))
	}
	if top := got.Facts[0].Item; top.Attribute != "favourite_drink" {
		t.Errorf("top fact = %s, want favourite_drink ranked first by similarity", top.Attribute)
	}
	if len(got.Relationships) == 0 {
		t.Error("expected the alice-bob association edge")
	}

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := os.Stat(cfg.VectorIndex.Path); err != nil {
		t.Errorf("index file not saved on shutdown: %v", err)
	}
}

func TestApp_IndexSurvivesRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := testConfig(dir)
	providers, _ := testProviders()
	ctx := context.Background()

	a, err := app.New(ctx, cfg, providers)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Ingest(ctx, aliceTurn("hello",
		ingest.Event{EntitiesInvolved: []string{"alice"}, Attribute: "home", Value: "harbour", Confidence: 0.9},
	)); err != nil {
		t.Fatal(err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	providers2, _ := testProviders()
	b := newApp(t, cfg, providers2)
	if got := b.IndexLen(); got != 2 {
		t.Errorf("IndexLen() after restart = %d, want 2", got)
	}
}

// ─── Ingest ──────────────────────────────────────────────────────────────────

func TestApp_IngestIndexFailureKeepsCommit(t *testing.T) {
	t.Parallel()
	store := memorymock.NewStore()
	idx := &memorymock.VectorIndex{}
	providers, emb := testProviders()
	emb.EmbedBatchErr = errors.New("model offline")

	a := newApp(t, testConfig(t.TempDir()), providers, app.WithStore(store), app.WithVectorIndex(idx))
	_, err := a.Ingest(context.Background(), aliceTurn("hi",
		ingest.Event{EntitiesInvolved: []string{"alice"}, Attribute: "home", Value: "harbour", Confidence: 0.9},
	))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	snap := store.Snapshot()
	if len(snap.Facts) != 1 || len(snap.Turns) != 1 {
		t.Errorf("committed facts = %d turns = %d, want 1 and 1", len(snap.Facts), len(snap.Turns))
	}
	if n := idx.CallCount("Add"); n != 0 {
		t.Errorf("Add called %d times", n)
	}
}

func TestApp_IngestFailureRollsBack(t *testing.T) {
	t.Parallel()
	store := memorymock.NewStore()
	store.UpsertCharacterErr = errors.New("disk full")
	idx := &memorymock.VectorIndex{}
	providers, emb := testProviders()

	a := newApp(t, testConfig(t.TempDir()), providers, app.WithStore(store), app.WithVectorIndex(idx))
	_, err := a.Ingest(context.Background(), aliceTurn("hi",
		ingest.Event{EntitiesInvolved: []string{"alice"}, Attribute: "home", Value: "harbour", Confidence: 0.9},
	))
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v, want the store error", err)
	}
	snap := store.Snapshot()
	if len(snap.Facts) != 0 || len(snap.Turns) != 0 || len(snap.Operations) != 0 {
		t.Errorf("rolled back transaction left %d facts, %d turns, %d operations", len(snap.Facts), len(snap.Turns), len(snap.Operations))
	}
	if len(emb.EmbedBatchCalls) != 0 {
		t.Error("index written for a rolled back turn")
	}
}

func TestApp_IngestEmbedsEachFactOnce(t *testing.T) {
	t.Parallel()
	idx := &memorymock.VectorIndex{}
	providers, emb := testProviders()
	a := newApp(t, testConfig(t.TempDir()), providers, app.WithStore(memorymock.NewStore()), app.WithVectorIndex(idx))

	_, err := a.Ingest(context.Background(), aliceTurn("hi",
		ingest.Event{EntitiesInvolved: []string{"alice"}, Attribute: "home", Value: "harbour", Confidence: 0.5},
		ingest.Event{EntitiesInvolved: []string{"alice"}, Attribute: "home", Value: "lighthouse", Confidence: 0.9},
	))
	if err != nil {
		t.Fatal(err)
	}

	texts := emb.EmbedBatchCalls[0].Texts
	if len(texts) != 2 {
		t.Fatalf("embedded texts = %q, want the character and one fact", texts)
	}
	if texts[1] != "alice home lighthouse" {
		t.Errorf("fact text = %q, want the final value", texts[1])
	}
	if _, ok := idx.Added(memory.Label(memory.LabelCharacter, "alice")); !ok {
		t.Error("character not indexed")
	}
}

// ─── Retrieve ────────────────────────────────────────────────────────────────

func TestApp_SessionScopeIncludesAddressedCharacter(t *testing.T) {
	t.Parallel()
	providers, _ := testProviders()
	a := newApp(t, testConfig(t.TempDir()), providers)
	ctx := context.Background()

	in := aliceTurn("You are wonderful, thank you so much!")
	in.Turn.SpeakerID = "player"
	res, err := a.Ingest(ctx, in)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Turn.CharacterID != "alice" {
		t.Errorf("stored turn character = %q, want alice", res.Turn.CharacterID)
	}

	got, err := a.Retrieve(ctx, query())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got.Characters) != 1 || got.Characters[0].Item.ID != "alice" {
		t.Fatalf("session-scoped characters = %+v, want alice", got.Characters)
	}
	if got.BelowFloor || got.Relevance <= 0 {
		t.Errorf("relevance = %.3f below_floor = %t, want a scored batch", got.Relevance, got.BelowFloor)
	}
}

func TestApp_RetrieveBelowFloorIsEmpty(t *testing.T) {
	t.Parallel()
	providers, _ := testProviders()
	a := newApp(t, testConfig(t.TempDir()), providers)

	q := query()
	q.SessionID = "nobody-spoke"
	res, err := a.Retrieve(context.Background(), q)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !res.BelowFloor || res.Tokens != 0 {
		t.Errorf("below_floor = %t tokens = %d", res.BelowFloor, res.Tokens)
	}
	if res.Characters == nil || res.Facts == nil || res.Relationships == nil {
		t.Error("empty categories must be non-nil")
	}
}

func TestApp_RetrieveValidatesBeforeIO(t *testing.T) {
	t.Parallel()
	store := memorymock.NewStore()
	providers, emb := testProviders()
	a := newApp(t, testConfig(t.TempDir()), providers, app.WithStore(store), app.WithVectorIndex(&memorymock.VectorIndex{}))

	q := query("alice")
	q.TokenBudget = 0
	_, err := a.RetrieveText(context.Background(), "anything", q)
	if !errors.Is(err, memory.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if n := store.CallCount("View"); n != 0 {
		t.Errorf("View called %d times", n)
	}
	if len(emb.EmbedCalls) != 0 {
		t.Error("query embedded before validation")
	}
}

func TestApp_RetrieveTextDegradesWhenEmbeddingFails(t *testing.T) {
	t.Parallel()
	idx := &memorymock.VectorIndex{}
	providers, emb := testProviders()
	a := newApp(t, testConfig(t.TempDir()), providers, app.WithStore(memorymock.NewStore()), app.WithVectorIndex(idx))
	ctx := context.Background()

	if _, err := a.Ingest(ctx, aliceTurn("hello")); err != nil {
		t.Fatal(err)
	}
	emb.EmbedErr = errors.New("rate limited")

	res, err := a.RetrieveText(ctx, "alice", query("alice"))
	if err != nil {
		t.Fatalf("RetrieveText: %v", err)
	}
	if !res.Degraded {
		t.Error("result not marked degraded")
	}
	if len(res.Characters) != 1 {
		t.Errorf("characters = %d, want graph-only result", len(res.Characters))
	}
	if n := idx.CallCount("Search"); n != 0 {
		t.Errorf("Search called %d times without a query vector", n)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

func TestApp_ReloadSwapsProfilesAndRetrieval(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t.TempDir())
	providers, _ := testProviders()
	a := newApp(t, cfg, providers, app.WithStore(memorymock.NewStore()), app.WithVectorIndex(&memorymock.VectorIndex{}))
	ctx := context.Background()

	next := *cfg
	next.Characters = append(slices.Clone(cfg.Characters), config.CharacterConfig{
		ID: "bob", Name: "Bob", Baseline: affect.VAD{Valence: -0.4, Dominance: 0.5},
	})
	next.Retrieval.RelevanceFloor = 1
	a.Reload(&next, config.Diff(cfg, &next))

	in := aliceTurn("...")
	in.CharacterID = "bob"
	res, err := a.Ingest(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Character.Name != "Bob" {
		t.Errorf("name = %q, want Bob from the reloaded profile", res.Character.Name)
	}

	got, err := a.Retrieve(ctx, query("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.BelowFloor || len(got.Characters) != 0 {
		t.Errorf("below_floor = %t characters = %d, want the reloaded floor applied", got.BelowFloor, len(got.Characters))
	}
}

// ─── Reindex ─────────────────────────────────────────────────────────────────

func TestApp_Reindex(t *testing.T) {
	t.Parallel()
	store := memorymock.NewStore()
	store.Seed(
		[]memory.Character{{ID: "alice", Name: "Alice"}, {ID: "bob"}},
		[]memory.FactNode{{ID: "f1", Entity: "alice", Attribute: "home", CurrentValue: "harbour"}},
		nil,
	)
	idx := &memorymock.VectorIndex{}
	providers, emb := testProviders()
	a := newApp(t, testConfig(t.TempDir()), providers, app.WithStore(store), app.WithVectorIndex(idx))

	stats, err := a.Reindex(context.Background())
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if stats.Characters != 2 || stats.Facts != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if _, ok := idx.Added(memory.Label(memory.LabelCharacter, "bob")); !ok {
		t.Error("bob not indexed")
	}
	if texts := emb.EmbedBatchCalls[0].Texts; !slices.Contains(texts, "bob") {
		t.Errorf("unnamed character should embed as its ID, texts = %q", texts)
	}
	if n := idx.CallCount("Save"); n != 1 {
		t.Errorf("Save called %d times, want 1", n)
	}
}

func TestApp_ReindexWithoutIndex(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t.TempDir())
	cfg.VectorIndex.Backend = config.IndexNone
	providers, _ := testProviders()
	a := newApp(t, cfg, providers, app.WithStore(memorymock.NewStore()))

	if _, err := a.Reindex(context.Background()); err == nil {
		t.Fatal("expected an error without a vector index")
	}
	if err := a.SaveIndex(context.Background()); err != nil {
		t.Errorf("SaveIndex without index = %v, want nil", err)
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestNew_RejectsDimensionMismatch(t *testing.T) {
	t.Parallel()
	emb := &embmock.Provider{DimensionsValue: dims * 2}
	_, err := app.New(context.Background(), testConfig(t.TempDir()), &app.Providers{Embeddings: emb},
		app.WithStore(memorymock.NewStore()))
	if err == nil || !strings.Contains(err.Error(), "dimensions") {
		t.Fatalf("err = %v, want a dimension mismatch", err)
	}
}

func TestApp_Run(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t.TempDir())
	cfg.VectorIndex.FlushInterval = 10 * time.Millisecond
	idx := &memorymock.VectorIndex{}
	providers, _ := testProviders()
	a := newApp(t, cfg, providers, app.WithStore(memorymock.NewStore()), app.WithVectorIndex(idx))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() = %v, want context.DeadlineExceeded", err)
	}
	if n := idx.CallCount("Save"); n < 2 {
		t.Errorf("Save called %d times, want periodic flushes", n)
	}
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()
	providers, _ := testProviders()
	a, err := app.New(context.Background(), testConfig(t.TempDir()), providers)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestApp_Checkers(t *testing.T) {
	t.Parallel()
	store := memorymock.NewStore()
	store.PingErr = errors.New("down")

	primary := &embmock.Provider{EmbedFunc: embmock.BagOfWords(dims), DimensionsValue: dims}
	chain := resilience.NewEmbeddingsFallback(primary, "primary", resilience.FallbackConfig{})
	a := newApp(t, testConfig(t.TempDir()), &app.Providers{Embeddings: chain}, app.WithStore(store))

	checks := a.Checkers()
	names := make([]string, len(checks))
	for i, c := range checks {
		names[i] = c.Name
	}
	if want := []string{"store", "vector_index", "embeddings"}; !slices.Equal(names, want) {
		t.Fatalf("checkers = %v, want %v", names, want)
	}
	if !checks[0].Critical || checks[1].Critical || checks[2].Critical {
		t.Error("only the store check should be critical")
	}
	if err := checks[0].Check(context.Background()); err == nil {
		t.Error("store check should report the ping error")
	}
	if err := checks[2].Check(context.Background()); err != nil {
		t.Errorf("embeddings check = %v, want healthy", err)
	}
}

// ─── BuildEmbeddings ─────────────────────────────────────────────────────────

func TestBuildEmbeddings(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterEmbeddings("mock", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{EmbedFunc: embmock.BagOfWords(e.Dimensions), DimensionsValue: e.Dimensions, ModelIDValue: e.Model}, nil
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		p, err := app.BuildEmbeddings(config.EmbeddingsConfig{}, reg, nil)
		if err != nil || p != nil {
			t.Errorf("BuildEmbeddings() = %v, %v; want nil, nil", p, err)
		}
	})

	t.Run("cached chain", func(t *testing.T) {
		t.Parallel()
		cfg := config.EmbeddingsConfig{
			ProviderEntry: config.ProviderEntry{Name: "mock", Model: "primary", Dimensions: 8},
			Fallbacks:     []config.ProviderEntry{{Name: "mock", Model: "backup", Dimensions: 8}},
			Cache:         config.CacheConfig{Enabled: true},
		}
		p, err := app.BuildEmbeddings(cfg, reg, nil)
		if err != nil {
			t.Fatalf("BuildEmbeddings: %v", err)
		}
		if c, ok := p.(interface{ Close() }); ok {
			defer c.Close()
		} else {
			t.Error("cached provider expected")
		}
		if p.ModelID() != "primary" || p.Dimensions() != 8 {
			t.Errorf("provider = %s/%d", p.ModelID(), p.Dimensions())
		}
		vec, err := p.Embed(context.Background(), "hello")
		if err != nil || len(vec) != 8 {
			t.Errorf("Embed() = %v, %v", vec, err)
		}
	})

	t.Run("fallback dimension mismatch", func(t *testing.T) {
		t.Parallel()
		cfg := config.EmbeddingsConfig{
			ProviderEntry: config.ProviderEntry{Name: "mock", Dimensions: 8},
			Fallbacks:     []config.ProviderEntry{{Name: "mock", Dimensions: 16}},
		}
		if _, err := app.BuildEmbeddings(cfg, reg, nil); err == nil {
			t.Fatal("expected a dimension mismatch error")
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		t.Parallel()
		_, err := app.BuildEmbeddings(config.EmbeddingsConfig{ProviderEntry: config.ProviderEntry{Name: "nope"}}, reg, nil)
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("err = %v, want ErrProviderNotRegistered", err)
		}
	})
}
