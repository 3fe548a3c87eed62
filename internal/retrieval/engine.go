// Package retrieval implements the relevance retrieval engine. Given a
// [memory.MemoryRetrievalQuery] it reads candidate characters, facts and
// relationships from the graph store, biases their ranking with nearest
// neighbours from the vector index, truncates the result to a token budget
// and scores the batch as a whole.
//
// Retrieval is read-only. Index failures never fail a retrieval: the engine
// falls back to graph-only ranking and reports the result as degraded.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/memoria/internal/observe"
	"github.com/MrWong99/memoria/internal/resilience"
	"github.com/MrWong99/memoria/pkg/memory"
)

// Option is a functional option for [New].
type Option func(*Engine)

// WithIndex sets the vector index used to bias ranking. Without one every
// retrieval is graph-only.
func WithIndex(idx memory.VectorIndex) Option {
	return func(e *Engine) { e.index = idx }
}

// WithBreaker replaces the default circuit breaker guarding index searches.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(e *Engine) { e.breaker = cb }
}

// WithMetrics sets the metrics recorder. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides time.Now for importance decay.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine ranks and budgets memory for one query at a time. It is safe for
// concurrent use.
type Engine struct {
	cfg     Config
	index   memory.VectorIndex
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
	now     func() time.Time
}

// New returns an Engine.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	if e.breaker == nil {
		e.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "vector-index"})
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Result is a ranked, budgeted retrieval.
type Result struct {
	Batch

	// Relevance is [Engine.CalculateRelevanceScore] of the returned batch.
	Relevance float64 `json:"relevance"`

	// BelowFloor is set when Relevance is below the configured floor. The
	// batch is still returned; dropping it is the caller's decision.
	BelowFloor bool `json:"below_floor"`

	// Tokens is the estimated cost of the returned batch.
	Tokens int `json:"tokens"`

	// Dropped counts entries removed to fit the token budget.
	Dropped Dropped `json:"dropped"`

	// Degraded is set when the vector index could not be consulted.
	Degraded bool `json:"degraded"`
}

// Retrieve validates q, searches the vector index concurrently with scope
// resolution, ranks all three categories, truncates them to q.TokenBudget
// and scores the result. Only validation and graph store errors fail it.
func (e *Engine) Retrieve(ctx context.Context, r memory.Reader, q memory.MemoryRetrievalQuery) (res *Result, err error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "retrieval.Retrieve")
	defer func() { observe.EndSpan(span, err) }()

	var (
		scope    Scope
		hits     Hits
		degraded bool
	)
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		s, err := e.ResolveScope(egCtx, r, q)
		if err != nil {
			return err
		}
		scope = s
		return nil
	})

	eg.Go(func() error {
		hits, degraded = e.search(egCtx, q)
		return nil
	})

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	logScope(ctx, q, scope)

	facts, err := e.RetrieveFacts(ctx, r, q, scope, hits)
	if err != nil {
		return nil, err
	}
	hits = hits.withFactEntities(facts)
	chars, err := e.RetrieveCharacters(ctx, r, q, scope, hits)
	if err != nil {
		return nil, err
	}
	rels, err := e.RetrieveRelationships(ctx, r, q, scope, hits)
	if err != nil {
		return nil, err
	}

	batch, dropped := e.Truncate(Batch{Characters: chars, Facts: facts, Relationships: rels}, q.TokenBudget)
	pc, pf, pr := batch.Plain()
	res = &Result{
		Batch:     batch,
		Relevance: e.CalculateRelevanceScore(scope, pc, pf, pr),
		Tokens:    e.EstimateTokenCount(pc, pf, pr),
		Dropped:   dropped,
		Degraded:  degraded,
	}
	res.BelowFloor = res.Relevance < e.cfg.RelevanceFloor

	e.metrics.RecordTruncated(ctx, "character", dropped.Characters)
	e.metrics.RecordTruncated(ctx, "fact", dropped.Facts)
	e.metrics.RecordTruncated(ctx, "relationship", dropped.Relationships)
	if res.BelowFloor {
		e.metrics.BatchesBelowFloor.Add(ctx, 1)
	}
	observe.RecordDuration(ctx, e.metrics.RetrievalDuration, start)
	observe.Logger(ctx).Debug("memory retrieved",
		slog.String("session_id", q.SessionID),
		slog.Int("characters", len(batch.Characters)),
		slog.Int("facts", len(batch.Facts)),
		slog.Int("relationships", len(batch.Relationships)),
		slog.Int("tokens", res.Tokens),
		slog.Int("dropped", dropped.Total()),
		slog.Float64("relevance", res.Relevance),
		slog.Bool("degraded", degraded),
	)
	return res, nil
}

// search queries the vector index through the circuit breaker. Any failure
// yields empty hits and degraded=true.
func (e *Engine) search(ctx context.Context, q memory.MemoryRetrievalQuery) (Hits, bool) {
	if e.index == nil || len(q.Embedding) == 0 {
		return NewHits(memory.SearchResult{}), false
	}

	k := e.cfg.SearchK
	if k <= 0 {
		k = e.cfg.CandidateMultiplier * (q.Limits.Characters + q.Limits.Facts)
	}

	start := time.Now()
	var res memory.SearchResult
	err := e.breaker.Execute(func() error {
		var err error
		res, err = e.index.Search(ctx, [][]float32{q.Embedding}, k)
		return err
	})
	observe.RecordDuration(ctx, e.metrics.IndexSearchDuration, start)
	if err != nil {
		reason := "error"
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			reason = "circuit_open"
		case errors.Is(err, memory.ErrIndexUnavailable):
			reason = "unavailable"
		}
		e.metrics.RecordDegraded(ctx, reason)
		observe.Logger(ctx).Warn("vector index search failed, using graph-only retrieval",
			slog.String("reason", reason),
			slog.Any("err", err),
		)
		return NewHits(memory.SearchResult{}), true
	}
	return NewHits(res), false
}

// String implements fmt.Stringer for log output.
func (r *Result) String() string {
	return fmt.Sprintf("retrieval(chars=%d facts=%d rels=%d tokens=%d relevance=%.3f degraded=%t)",
		len(r.Characters), len(r.Facts), len(r.Relationships), r.Tokens, r.Relevance, r.Degraded)
}
