package vectorindex_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/memoria/internal/observe"
	"github.com/MrWong99/memoria/pkg/memory"
	"github.com/MrWong99/memoria/pkg/vectorindex"
)

func newIndex(t *testing.T, path string) *vectorindex.Index {
	t.Helper()
	idx, err := vectorindex.New(vectorindex.Config{Path: path, Dimensions: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := idx.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return idx
}

func TestSearch_EmptyIndexReturnsEmptyRows(t *testing.T) {
	t.Parallel()

	for _, k := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			t.Parallel()
			idx := newIndex(t, "")

			res, err := idx.Search(context.Background(), [][]float32{{1, 0, 0}, {0, 1, 0}}, k)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			assertEmptyRows(t, res, 2)
		})
	}
}

func TestSearch_NonPositiveKReturnsEmptyRows(t *testing.T) {
	t.Parallel()
	idx := newIndex(t, "")
	ctx := context.Background()
	if err := idx.Add(ctx, "fact:a", []float32{1, 0, 0}); err != nil {
		t.Fatal(err)
	}

	for _, k := range []int{0, -3} {
		res, err := idx.Search(ctx, [][]float32{{1, 0, 0}}, k)
		if err != nil {
			t.Fatalf("Search k=%d: %v", k, err)
		}
		assertEmptyRows(t, res, 1)
	}
}

func assertEmptyRows(t *testing.T, res memory.SearchResult, rows int) {
	t.Helper()
	if len(res.Labels) != rows || len(res.Distances) != rows {
		t.Fatalf("rows = %d/%d, want %d/%d", len(res.Labels), len(res.Distances), rows, rows)
	}
	for i := range res.Labels {
		if res.Labels[i] == nil || len(res.Labels[i]) != 0 {
			t.Errorf("labels row %d = %v, want empty non-nil", i, res.Labels[i])
		}
		if res.Distances[i] == nil || len(res.Distances[i]) != 0 {
			t.Errorf("distances row %d = %v, want empty non-nil", i, res.Distances[i])
		}
	}
}

func TestSearch_OrdersByDistanceAndClampsK(t *testing.T) {
	t.Parallel()
	idx := newIndex(t, "")
	ctx := context.Background()

	vectors := map[string][]float32{
		"fact:a": {1, 0, 0},
		"fact:b": {0.7, 0.7, 0},
		"fact:c": {0, 0, 1},
	}
	for label, v := range vectors {
		if err := idx.Add(ctx, label, v); err != nil {
			t.Fatalf("Add(%s): %v", label, err)
		}
	}

	res, err := idx.Search(ctx, [][]float32{{2, 0, 0}}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	labels := res.Labels[0]
	if len(labels) != 3 {
		t.Fatalf("labels = %v, want all 3", labels)
	}
	if labels[0] != "fact:a" || labels[1] != "fact:b" || labels[2] != "fact:c" {
		t.Errorf("order = %v, want [fact:a fact:b fact:c]", labels)
	}
	d := res.Distances[0]
	if d[0] > 1e-5 || !(d[0] < d[1] && d[1] < d[2]) {
		t.Errorf("distances = %v, want ascending from 0", d)
	}
}

func TestAdd_ReplacesExistingLabel(t *testing.T) {
	t.Parallel()
	idx := newIndex(t, "")
	ctx := context.Background()

	_ = idx.Add(ctx, "character:x", []float32{1, 0, 0})
	_ = idx.Add(ctx, "character:x", []float32{0, 1, 0})
	if n := idx.Len(); n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}
	res, err := idx.Search(ctx, [][]float32{{0, 1, 0}}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Distances[0][0] > 1e-5 {
		t.Errorf("distance = %v, want the replaced vector", res.Distances[0][0])
	}
}

func TestRejectsBadEmbeddings(t *testing.T) {
	t.Parallel()
	idx := newIndex(t, "")
	ctx := context.Background()

	for name, v := range map[string][]float32{
		"wrong dimension": {1, 0},
		"zero vector":     {0, 0, 0},
	} {
		if err := idx.Add(ctx, "fact:x", v); err == nil {
			t.Errorf("Add(%s): expected error", name)
		}
		if _, err := idx.Search(ctx, [][]float32{v}, 1); err == nil {
			t.Errorf("Search(%s): expected error", name)
		}
	}
}

func TestUninitialisedIndexIsUnavailable(t *testing.T) {
	t.Parallel()
	idx, err := vectorindex.New(vectorindex.Config{Dimensions: 3})
	if err != nil {
		t.Fatal(err)
	}
	_, err = idx.Search(context.Background(), [][]float32{{1, 0, 0}}, 1)
	if !errors.Is(err, memory.ErrIndexUnavailable) {
		t.Errorf("err = %v, want ErrIndexUnavailable", err)
	}
	if err := idx.Ping(context.Background()); !errors.Is(err, memory.ErrIndexUnavailable) {
		t.Errorf("Ping = %v, want ErrIndexUnavailable", err)
	}
}

func TestSaveAndReload(t *testing.T) {
	t.Parallel()

	for _, compress := range []bool{false, true} {
		path := filepath.Join(t.TempDir(), "nested", "index.gob")
		cfg := vectorindex.Config{Path: path, Dimensions: 3, Compress: compress}
		ctx := context.Background()

		idx, err := vectorindex.New(cfg)
		if err != nil {
			t.Fatal(err)
		}
		if err := idx.Initialize(ctx); err != nil {
			t.Fatal(err)
		}
		_ = idx.Add(ctx, "fact:a", []float32{1, 0, 0})
		_ = idx.Add(ctx, "character:b", []float32{0, 1, 0})
		if err := idx.Save(ctx); err != nil {
			t.Fatalf("Save(compress=%t): %v", compress, err)
		}

		entries, _ := os.ReadDir(filepath.Dir(path))
		if len(entries) != 1 {
			t.Errorf("directory holds %d entries, want only the index file", len(entries))
		}

		reloaded, err := vectorindex.New(cfg)
		if err != nil {
			t.Fatal(err)
		}
		if err := reloaded.Initialize(ctx); err != nil {
			t.Fatal(err)
		}
		if n := reloaded.Len(); n != 2 {
			t.Fatalf("reloaded Len = %d, want 2", n)
		}
		res, err := reloaded.Search(ctx, [][]float32{{0, 1, 0}}, 1)
		if err != nil {
			t.Fatal(err)
		}
		if res.Labels[0][0] != "character:b" {
			t.Errorf("nearest = %s, want character:b", res.Labels[0][0])
		}
	}
}

func TestInitialize_CorruptFileStartsEmpty(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "index.gob")
	if err := os.WriteFile(path, []byte("not a gob stream"), 0o600); err != nil {
		t.Fatal(err)
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	idx, err := vectorindex.New(vectorindex.Config{Path: path, Dimensions: 3}, vectorindex.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if n := idx.Len(); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var failures int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "memoria.index.load_failures" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				failures += dp.Value
			}
		}
	}
	if failures != 1 {
		t.Errorf("load failures = %d, want 1", failures)
	}

	// The index is usable and the next save replaces the corrupt file.
	if err := idx.Add(context.Background(), "fact:a", []float32{1, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := idx.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestConcurrentSearchDuringSave(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "index.gob")
	idx := newIndex(t, path)
	ctx := context.Background()
	_ = idx.Add(ctx, "fact:a", []float32{1, 0, 0})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := idx.Save(ctx); err != nil {
				t.Errorf("Save: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			res, err := idx.Search(ctx, [][]float32{{1, 0, 0}}, 3)
			if err != nil || len(res.Labels[0]) != 1 {
				t.Errorf("Search = %v, %v", res, err)
			}
		}()
	}
	wg.Wait()
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	if _, err := vectorindex.New(vectorindex.Config{}); err == nil {
		t.Error("zero dimensions accepted")
	}
	if _, err := vectorindex.New(vectorindex.Config{Dimensions: 3, EncryptionKey: "short"}); err == nil {
		t.Error("short encryption key accepted")
	}
}
