package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the value of the int64 sum data point carrying key=value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"memoria.ingest.duration", m.IngestDuration},
		{"memoria.retrieval.duration", m.RetrievalDuration},
		{"memoria.index.search.duration", m.IndexSearchDuration},
		{"memoria.index.save.duration", m.IndexSaveDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.012)
		RecordDuration(ctx, tc.h, time.Now().Add(-5*time.Millisecond))
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordFactWrite(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFactWrite(ctx, "create")
	m.RecordFactWrite(ctx, "update")
	m.RecordFactWrite(ctx, "update")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "memoria.fact.writes", "op", "update"); got != 2 {
		t.Errorf("update writes = %d, want 2", got)
	}
	if got := sumFor(t, rm, "memoria.fact.writes", "op", "create"); got != 1 {
		t.Errorf("create writes = %d, want 1", got)
	}
}

func TestRecordModeTransition(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordModeTransition(context.Background(), "neutral", "warm")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "memoria.affect.mode_transitions", "to", "warm"); got != 1 {
		t.Errorf("transitions to warm = %d, want 1", got)
	}
}

func TestRecordTruncated_IgnoresNonPositive(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTruncated(ctx, "fact", 0)
	m.RecordTruncated(ctx, "fact", 3)
	m.RecordTruncated(ctx, "relationship", -1)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "memoria.retrieval.truncated", "category", "fact"); got != 3 {
		t.Errorf("truncated facts = %d, want 3", got)
	}
}

func TestRecordDegradedAndCache(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDegraded(ctx, "circuit_open")
	m.RecordEmbeddingCache(ctx, true)
	m.RecordEmbeddingCache(ctx, false)
	m.RecordEmbeddingCache(ctx, true)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "memoria.retrieval.degraded", "reason", "circuit_open"); got != 1 {
		t.Errorf("degraded = %d, want 1", got)
	}
	if got := sumFor(t, rm, "memoria.embeddings.cache_lookups", "result", "hit"); got != 2 {
		t.Errorf("cache hits = %d, want 2", got)
	}
}
