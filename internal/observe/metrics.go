// Package observe provides application-wide observability primitives for
// memoria: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all memoria metrics.
const meterName = "github.com/MrWong99/memoria"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// IngestDuration tracks the time spent ingesting one turn inside its
	// transaction.
	IngestDuration metric.Float64Histogram

	// RetrievalDuration tracks end-to-end retrieval latency.
	RetrievalDuration metric.Float64Histogram

	// IndexSearchDuration tracks vector index search latency.
	IndexSearchDuration metric.Float64Histogram

	// IndexSaveDuration tracks vector index flush latency.
	IndexSaveDuration metric.Float64Histogram

	// --- Counters ---

	// FactWrites counts fact writes. Use with attribute:
	//   attribute.String("op", "create"|"update")
	FactWrites metric.Int64Counter

	// ModeTransitions counts affect mode changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	ModeTransitions metric.Int64Counter

	// RetrievalDegraded counts retrievals that fell back to graph-only
	// results. Use with attribute:
	//   attribute.String("reason", ...)
	RetrievalDegraded metric.Int64Counter

	// TruncatedEntries counts entries dropped to fit a token budget. Use with
	// attribute:
	//   attribute.String("category", "character"|"fact"|"relationship")
	TruncatedEntries metric.Int64Counter

	// BatchesBelowFloor counts retrieved batches discarded for scoring below
	// the relevance floor.
	BatchesBelowFloor metric.Int64Counter

	// IndexLoadFailures counts vector index loads that fell back to an empty
	// index.
	IndexLoadFailures metric.Int64Counter

	// EmbeddingCacheLookups counts embedding cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	EmbeddingCacheLookups metric.Int64Counter

	// ProviderFailovers counts calls answered by a provider other than the
	// first one tried. Use with attribute:
	//   attribute.String("provider", ...)
	ProviderFailovers metric.Int64Counter

	// --- Gauges ---

	// IndexedVectors tracks the number of vectors held by the index.
	IndexedVectors metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// database and index round trips.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.IngestDuration, err = m.Float64Histogram("memoria.ingest.duration",
		metric.WithDescription("Latency of ingesting one conversational turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("memoria.retrieval.duration",
		metric.WithDescription("Latency of one retrieval request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IndexSearchDuration, err = m.Float64Histogram("memoria.index.search.duration",
		metric.WithDescription("Latency of vector index searches."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IndexSaveDuration, err = m.Float64Histogram("memoria.index.save.duration",
		metric.WithDescription("Latency of flushing the vector index to disk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FactWrites, err = m.Int64Counter("memoria.fact.writes",
		metric.WithDescription("Total fact writes by operation."),
	); err != nil {
		return nil, err
	}
	if met.ModeTransitions, err = m.Int64Counter("memoria.affect.mode_transitions",
		metric.WithDescription("Total affect mode transitions by source and target mode."),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDegraded, err = m.Int64Counter("memoria.retrieval.degraded",
		metric.WithDescription("Total retrievals served without the vector index."),
	); err != nil {
		return nil, err
	}
	if met.TruncatedEntries, err = m.Int64Counter("memoria.retrieval.truncated",
		metric.WithDescription("Total entries dropped to fit the token budget, by category."),
	); err != nil {
		return nil, err
	}
	if met.BatchesBelowFloor, err = m.Int64Counter("memoria.retrieval.below_floor",
		metric.WithDescription("Total retrieved batches discarded below the relevance floor."),
	); err != nil {
		return nil, err
	}
	if met.IndexLoadFailures, err = m.Int64Counter("memoria.index.load_failures",
		metric.WithDescription("Total vector index loads that reinitialised empty."),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingCacheLookups, err = m.Int64Counter("memoria.embeddings.cache_lookups",
		metric.WithDescription("Total embedding cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.ProviderFailovers, err = m.Int64Counter("memoria.provider.failovers",
		metric.WithDescription("Total calls served by a fallback provider."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.IndexedVectors, err = m.Int64Gauge("memoria.index.vectors",
		metric.WithDescription("Number of vectors held by the vector index."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("memoria.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDuration records the time elapsed since start on h.
func RecordDuration(ctx context.Context, h metric.Float64Histogram, start time.Time, attrs ...attribute.KeyValue) {
	h.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
}

// RecordFactWrite records one fact create or update.
func (m *Metrics) RecordFactWrite(ctx context.Context, op string) {
	m.FactWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordModeTransition records one affect mode change.
func (m *Metrics) RecordModeTransition(ctx context.Context, from, to string) {
	m.ModeTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordDegraded records one retrieval served without the vector index.
func (m *Metrics) RecordDegraded(ctx context.Context, reason string) {
	m.RetrievalDegraded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTruncated records n entries of category dropped to fit a budget.
// Calls with n <= 0 are ignored.
func (m *Metrics) RecordTruncated(ctx context.Context, category string, n int) {
	if n <= 0 {
		return
	}
	m.TruncatedEntries.Add(ctx, int64(n), metric.WithAttributes(attribute.String("category", category)))
}

// RecordEmbeddingCache records an embedding cache lookup.
func (m *Metrics) RecordEmbeddingCache(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.EmbeddingCacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordFailover records one call served by the named fallback provider.
func (m *Metrics) RecordFailover(ctx context.Context, provider string) {
	m.ProviderFailovers.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}
