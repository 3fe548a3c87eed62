// Package app wires all memoria subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the graph store and the
// vector index and builds the affect, ingestion and retrieval engines, Run
// flushes the index periodically, and Shutdown tears everything down in
// order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithVectorIndex, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/memoria/internal/config"
	"github.com/MrWong99/memoria/internal/health"
	"github.com/MrWong99/memoria/internal/ingest"
	"github.com/MrWong99/memoria/internal/observe"
	"github.com/MrWong99/memoria/internal/resilience"
	"github.com/MrWong99/memoria/internal/retrieval"
	"github.com/MrWong99/memoria/pkg/affect"
	"github.com/MrWong99/memoria/pkg/memory"
	"github.com/MrWong99/memoria/pkg/memory/postgres"
	"github.com/MrWong99/memoria/pkg/memory/sqlite"
	"github.com/MrWong99/memoria/pkg/provider/embeddings"
	"github.com/MrWong99/memoria/pkg/vectorindex"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// Embeddings turns ingested records and query text into vectors. Without
	// it the vector index is neither written nor searched.
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and serves ingestion and retrieval.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	now       func() time.Time

	// Subsystems, initialised in New and torn down in Shutdown.
	store    memory.Store
	index    memory.VectorIndex
	affect   *affect.Engine
	pipeline *ingest.Pipeline

	// profiles and retrieval are swapped by Reload.
	profiles  *profileSource
	retrieval atomic.Pointer[retrieval.Engine]

	// indexBreaker survives Reload so a failing index stays tripped.
	indexBreaker *resilience.CircuitBreaker

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a graph store instead of opening one from config. The
// caller keeps ownership; Shutdown does not close it.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithVectorIndex injects a vector index instead of creating one from
// config. New still initialises it.
func WithVectorIndex(idx memory.VectorIndex) Option {
	return func(a *App) { a.index = idx }
}

// WithMetrics sets the metrics recorder shared by all subsystems. Defaults
// to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock overrides the time source of the ingestion and retrieval
// engines.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: store connection and
// migration, index loading, and engine construction.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Graph store ───────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Vector index ──────────────────────────────────────────────────
	if err := a.initIndex(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init vector index: %w", err)
	}

	// ── 3. Embeddings ────────────────────────────────────────────────────
	if err := a.initEmbeddings(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init embeddings: %w", err)
	}

	// ── 4. Affect engine + ingestion pipeline ────────────────────────────
	a.affect = affect.NewEngine(cfg.Affect)
	a.profiles = newProfileSource(cfg.Profiles())
	a.pipeline = ingest.New(cfg.Ingest, a.affect,
		ingest.WithProfiles(a.profiles),
		ingest.WithMetrics(a.metrics),
		ingest.WithClock(a.now),
	)

	// ── 5. Retrieval engine ──────────────────────────────────────────────
	a.indexBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "vector-index"})
	a.retrieval.Store(a.newRetrieval(cfg.Retrieval))

	slog.Info("memoria initialised",
		"store", cfg.Store.Backend,
		"vector_index", cfg.VectorIndex.Backend,
		"characters", len(cfg.Characters),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured graph store or uses the injected one.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Store.Backend {
	case config.StorePostgres:
		dims := 0
		if a.cfg.VectorIndex.Backend == config.IndexPgvector {
			dims = a.cfg.VectorIndex.Dimensions
		}
		store, err := postgres.NewStore(ctx, a.cfg.Store.PostgresDSN, dims)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)

	case config.StoreSQLite:
		store, err := sqlite.Open(ctx, a.cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)

	default:
		return fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
	}
	return nil
}

// initIndex creates the configured vector index or uses the injected one,
// then loads it. A failed load leaves the index empty rather than failing
// startup; retrieval degrades to graph-only results until it recovers.
func (a *App) initIndex(ctx context.Context) error {
	if a.index == nil {
		switch a.cfg.VectorIndex.Backend {
		case config.IndexNone, "":
			return nil

		case config.IndexChromem:
			vi := a.cfg.VectorIndex
			idx, err := vectorindex.New(vectorindex.Config{
				Path:          vi.Path,
				Collection:    vi.Collection,
				Dimensions:    vi.Dimensions,
				Compress:      vi.Compress,
				EncryptionKey: vi.EncryptionKey,
			}, vectorindex.WithMetrics(a.metrics))
			if err != nil {
				return err
			}
			a.index = idx

		case config.IndexPgvector:
			pg, ok := a.store.(*postgres.Store)
			if !ok {
				return errors.New("the pgvector index requires the postgres store")
			}
			if pg.Index() == nil {
				return errors.New("the postgres store was opened without vector dimensions")
			}
			a.index = pg.Index()

		default:
			return fmt.Errorf("unknown vector index backend %q", a.cfg.VectorIndex.Backend)
		}
	}

	if err := a.index.Initialize(ctx); err != nil {
		slog.Warn("vector index failed to load, starting empty", "err", err)
	}
	return nil
}

// initEmbeddings checks that the embeddings provider agrees with the index
// and registers its cleanup.
func (a *App) initEmbeddings() error {
	emb := a.providers.Embeddings
	if emb == nil {
		if a.index != nil {
			slog.Warn("vector index configured without an embeddings provider; it will not be written")
		}
		return nil
	}

	if want := a.cfg.VectorIndex.Dimensions; a.index != nil && want > 0 {
		if got := emb.Dimensions(); got > 0 && got != want {
			return fmt.Errorf("embeddings model %s produces %d dimensions, vector index expects %d", emb.ModelID(), got, want)
		}
	}

	if c, ok := emb.(interface{ Close() }); ok {
		a.closers = append(a.closers, func() error {
			c.Close()
			return nil
		})
	}
	return nil
}

// newRetrieval builds a retrieval engine for cfg sharing the App's index,
// breaker, metrics and clock.
func (a *App) newRetrieval(cfg retrieval.Config) *retrieval.Engine {
	opts := []retrieval.Option{
		retrieval.WithBreaker(a.indexBreaker),
		retrieval.WithMetrics(a.metrics),
		retrieval.WithClock(a.now),
	}
	if a.index != nil {
		opts = append(opts, retrieval.WithIndex(a.index))
	}
	return retrieval.New(cfg, opts...)
}

// ─── Operations ──────────────────────────────────────────────────────────────

// Ingest commits one turn to the graph store in a single transaction and
// then, best effort, embeds the character and every written fact into the
// vector index. Index failures are logged and never undo the commit.
func (a *App) Ingest(ctx context.Context, in ingest.TurnInput) (*ingest.Result, error) {
	var res *ingest.Result
	err := a.store.InTx(ctx, func(ctx context.Context, tx memory.Tx) error {
		r, err := a.pipeline.Ingest(ctx, tx, in)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("app: ingest: %w", err)
	}

	if err := a.indexResult(ctx, res); err != nil {
		observe.Logger(ctx).Warn("vector index not updated for ingested turn",
			slog.String("turn_id", res.Turn.ID),
			slog.Any("err", err),
		)
	}
	return res, nil
}

// Retrieve runs q against a read-only snapshot of the graph store. A batch
// scoring below the relevance floor is emptied; its score and
// [retrieval.Result.BelowFloor] are kept so callers can tell why.
func (a *App) Retrieve(ctx context.Context, q memory.MemoryRetrievalQuery) (*retrieval.Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	eng := a.retrieval.Load()
	var res *retrieval.Result
	err := a.store.View(ctx, func(ctx context.Context, r memory.Reader) error {
		out, err := eng.Retrieve(ctx, r, q)
		if err != nil {
			return err
		}
		res = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("app: retrieve: %w", err)
	}

	if res.BelowFloor {
		observe.Logger(ctx).Debug("retrieval below relevance floor, dropping batch",
			slog.String("session_id", q.SessionID),
			slog.Float64("relevance", res.Relevance),
		)
		res.Batch = retrieval.Batch{
			Characters:    []retrieval.Scored[memory.Character]{},
			Facts:         []retrieval.Scored[memory.FactNode]{},
			Relationships: []retrieval.Scored[memory.RelationshipEdge]{},
		}
		res.Tokens = 0
	}
	return res, nil
}

// RetrieveText embeds text as the query vector of q and retrieves. When the
// embedding fails the query runs graph-only and the result is marked
// degraded. An empty text or a missing provider leaves q.Embedding as is.
func (a *App) RetrieveText(ctx context.Context, text string, q memory.MemoryRetrievalQuery) (*retrieval.Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var embedFailed bool
	if emb := a.providers.Embeddings; emb != nil && text != "" {
		vec, err := emb.Embed(ctx, text)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			observe.Logger(ctx).Warn("query embedding failed, retrieving without the vector index", slog.Any("err", err))
			a.metrics.RecordDegraded(ctx, "embed")
			embedFailed = true
			q.Embedding = nil
		default:
			q.Embedding = vec
		}
	}

	res, err := a.Retrieve(ctx, q)
	if err != nil {
		return nil, err
	}
	if embedFailed {
		res.Degraded = true
	}
	return res, nil
}

// Reload applies the hot-reloadable parts of cfg: retrieval tuning and
// character profiles. Other sections need a restart.
func (a *App) Reload(cfg *config.Config, d config.ConfigDiff) {
	if d.RetrievalChanged {
		a.retrieval.Store(a.newRetrieval(cfg.Retrieval))
		slog.Info("retrieval config reloaded")
	}
	if d.CharactersChanged {
		a.profiles.store(cfg.Profiles())
		slog.Info("character profiles reloaded", "characters", len(cfg.Characters))
	}
}

// SaveIndex flushes the vector index to durable storage. It is a no-op
// without an index.
func (a *App) SaveIndex(ctx context.Context) error {
	if a.index == nil {
		return nil
	}
	if err := a.index.Save(ctx); err != nil {
		return fmt.Errorf("app: save vector index: %w", err)
	}
	return nil
}

// IndexLen returns the number of vectors in the index, or 0 without one.
func (a *App) IndexLen() int {
	if a.index == nil {
		return 0
	}
	return a.index.Len()
}

// Checkers returns the readiness checks for the App's subsystems. The graph
// store is critical; the vector index and the embeddings chain only degrade
// retrieval.
func (a *App) Checkers() []health.Checker {
	checks := []health.Checker{health.Ping("store", true, a.store)}
	if p, ok := a.index.(health.Pinger); ok {
		checks = append(checks, health.Ping("vector_index", false, p))
	}
	if b, ok := breakersOf(a.providers.Embeddings); ok {
		checks = append(checks, health.Checker{
			Name:  "embeddings",
			Check: embeddingsCheck(b),
		})
	}
	return checks
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run saves the vector index every vector_index.flush_interval and blocks
// until ctx is cancelled. It returns context.Canceled (or the underlying
// cause). Failed saves are logged and retried on the next tick.
func (a *App) Run(ctx context.Context) error {
	interval := a.cfg.VectorIndex.FlushInterval
	if a.index == nil || interval <= 0 {
		slog.Info("app running", "index_flush", "disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	slog.Info("app running", "index_flush", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.SaveIndex(ctx); err != nil {
				slog.Warn("periodic index flush failed", "err", err)
			}
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown saves the vector index and releases all resources created by New
// in order. It respects the context deadline: if ctx expires before all
// closers finish, Shutdown returns ctx.Err(). Calling it more than once is
// safe; later calls return nil.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Flush the index while the store is still open.
		if err := a.SaveIndex(ctx); err != nil {
			slog.Warn("final index flush failed", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// profileSource is an [ingest.ProfileSource] whose profiles can be swapped
// while turns are being ingested.
type profileSource struct {
	p atomic.Pointer[ingest.StaticProfiles]
}

func newProfileSource(p ingest.StaticProfiles) *profileSource {
	s := &profileSource{}
	s.store(p)
	return s
}

func (s *profileSource) store(p ingest.StaticProfiles) { s.p.Store(&p) }

// Profile implements [ingest.ProfileSource].
func (s *profileSource) Profile(characterID string) (ingest.Profile, bool) {
	return (*s.p.Load()).Profile(characterID)
}

// breakerReporter is implemented by embeddings chains guarded by circuit
// breakers, e.g. [resilience.EmbeddingsFallback].
type breakerReporter interface {
	Breakers() map[string]resilience.State
}

// breakersOf finds the breaker-guarded chain in p, looking through
// wrappers such as the embedding cache.
func breakersOf(p embeddings.Provider) (breakerReporter, bool) {
	for p != nil {
		if b, ok := p.(breakerReporter); ok {
			return b, true
		}
		u, ok := p.(interface{ Unwrap() embeddings.Provider })
		if !ok {
			break
		}
		p = u.Unwrap()
	}
	return nil, false
}

// embeddingsCheck fails when every backend of b has an open circuit.
func embeddingsCheck(b breakerReporter) func(context.Context) error {
	return func(context.Context) error {
		states := b.Breakers()
		for _, s := range states {
			if s != resilience.StateOpen {
				return nil
			}
		}
		return fmt.Errorf("all %d embeddings circuits are open", len(states))
	}
}
