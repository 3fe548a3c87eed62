// Package vectorindex provides a file-persisted [memory.VectorIndex] built on
// chromem-go, an embedded pure-Go vector database.
//
// The index lives in memory and is flushed to a single gob file by
// [Index.Save]. Saves write a temporary file and rename it over the previous
// one, so a crash mid-save leaves the last good file in place. A file that
// cannot be loaded is logged and replaced by an empty index on the next save.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/MrWong99/memoria/internal/observe"
	"github.com/MrWong99/memoria/pkg/memory"
)

// DefaultCollection is the chromem collection name used when
// [Config.Collection] is empty.
const DefaultCollection = "memoria"

// Config configures an [Index].
type Config struct {
	// Path is the file the index is loaded from and saved to. Empty keeps the
	// index in memory only.
	Path string `yaml:"path"`

	// Collection names the chromem collection holding the vectors.
	Collection string `yaml:"collection"`

	// Dimensions is the length every stored and queried embedding must have.
	Dimensions int `yaml:"dimensions"`

	// Compress gzips the saved file.
	Compress bool `yaml:"compress"`

	// EncryptionKey, when set, encrypts the saved file with AES-GCM. It must
	// be exactly 32 bytes.
	EncryptionKey string `yaml:"encryption_key"`
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("vector_index.dimensions must be > 0, got %d", c.Dimensions))
	}
	if c.EncryptionKey != "" && len(c.EncryptionKey) != 32 {
		errs = append(errs, fmt.Errorf("vector_index.encryption_key must be 32 bytes, got %d", len(c.EncryptionKey)))
	}
	return errors.Join(errs...)
}

// Option is a functional option for [New].
type Option func(*Index)

// WithMetrics sets the metrics recorder. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(i *Index) { i.metrics = m }
}

// Index is a [memory.VectorIndex] backed by chromem-go. Searches and saves
// hold a read lock; adds and initialisation hold the write lock, so a save
// never captures a half-applied add.
type Index struct {
	cfg     Config
	metrics *observe.Metrics

	mu  sync.RWMutex
	db  *chromem.DB
	col *chromem.Collection
}

var _ memory.VectorIndex = (*Index)(nil)

// New returns an uninitialised Index. Call [Index.Initialize] before use.
func New(cfg Config, opts ...Option) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	idx := &Index{cfg: cfg}
	for _, o := range opts {
		o(idx)
	}
	if idx.metrics == nil {
		idx.metrics = observe.DefaultMetrics()
	}
	return idx, nil
}

// Initialize loads the index from Config.Path, or starts empty when the file
// does not exist or cannot be read. Only the first call has an effect.
func (i *Index) Initialize(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.col != nil {
		return nil
	}

	db := chromem.NewDB()
	if i.cfg.Path != "" {
		err := db.ImportFromFile(i.cfg.Path, i.cfg.EncryptionKey, i.cfg.Collection)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist) || !fileExists(i.cfg.Path):
			slog.Info("vector index file not found, starting empty", "path", i.cfg.Path)
		default:
			i.metrics.IndexLoadFailures.Add(ctx, 1)
			slog.Warn("failed to load vector index, starting empty",
				"path", i.cfg.Path,
				"err", err,
			)
			db = chromem.NewDB()
		}
	}

	col, err := db.GetOrCreateCollection(i.cfg.Collection, nil, nil)
	if err != nil {
		return fmt.Errorf("vectorindex: create collection %q: %w", i.cfg.Collection, err)
	}
	i.db, i.col = db, col
	i.metrics.IndexedVectors.Record(ctx, int64(col.Count()))
	return nil
}

// Add stores embedding under label, replacing any previous vector.
func (i *Index) Add(ctx context.Context, label string, embedding []float32) error {
	if label == "" {
		return fmt.Errorf("vectorindex: add: empty label")
	}
	if err := i.check(embedding); err != nil {
		return fmt.Errorf("vectorindex: add %s: %w", label, err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.col == nil {
		return fmt.Errorf("vectorindex: add %s: %w", label, memory.ErrIndexUnavailable)
	}
	// chromem stores already normalised slices without copying them.
	emb := append([]float32(nil), embedding...)
	if err := i.col.AddDocument(ctx, chromem.Document{ID: label, Embedding: emb}); err != nil {
		return fmt.Errorf("vectorindex: add %s: %w", label, err)
	}
	i.metrics.IndexedVectors.Record(ctx, int64(i.col.Count()))
	return nil
}

// Search returns up to k nearest labels for each embedding by cosine
// distance. An index with fewer than k vectors returns all of them; a k of
// zero or less returns an empty row per embedding.
func (i *Index) Search(ctx context.Context, embeddings [][]float32, k int) (memory.SearchResult, error) {
	for n, emb := range embeddings {
		if err := i.check(emb); err != nil {
			return memory.SearchResult{}, fmt.Errorf("vectorindex: search query %d: %w", n, err)
		}
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.col == nil {
		return memory.SearchResult{}, fmt.Errorf("vectorindex: search: %w", memory.ErrIndexUnavailable)
	}

	start := time.Now()
	defer observe.RecordDuration(ctx, i.metrics.IndexSearchDuration, start)

	res := memory.SearchResult{
		Distances: make([][]float32, len(embeddings)),
		Labels:    make([][]string, len(embeddings)),
	}
	n := max(min(k, i.col.Count()), 0)
	for q, emb := range embeddings {
		res.Distances[q] = []float32{}
		res.Labels[q] = []string{}
		if n == 0 {
			continue
		}
		hits, err := i.col.QueryEmbedding(ctx, emb, n, nil, nil)
		if err != nil {
			return memory.SearchResult{}, fmt.Errorf("vectorindex: search query %d: %w", q, err)
		}
		for _, h := range hits {
			res.Labels[q] = append(res.Labels[q], h.ID)
			res.Distances[q] = append(res.Distances[q], 1-h.Similarity)
		}
	}
	return res, nil
}

// Save writes the index to Config.Path. It is a no-op for in-memory
// indexes.
func (i *Index) Save(ctx context.Context) error {
	if i.cfg.Path == "" {
		return nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.db == nil {
		return fmt.Errorf("vectorindex: save: %w", memory.ErrIndexUnavailable)
	}

	start := time.Now()
	defer observe.RecordDuration(ctx, i.metrics.IndexSaveDuration, start)

	dir := filepath.Dir(i.cfg.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("vectorindex: save: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(i.cfg.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("vectorindex: save: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	if err := i.db.ExportToFile(tmpPath, i.cfg.Compress, i.cfg.EncryptionKey, i.cfg.Collection); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("vectorindex: save: %w", err)
	}
	if err := os.Rename(tmpPath, i.cfg.Path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("vectorindex: save: %w", err)
	}
	return nil
}

// Len returns the number of stored vectors, 0 before initialisation.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.col == nil {
		return 0
	}
	return i.col.Count()
}

// Ping reports whether the index has been initialised. It satisfies the
// health checker signature.
func (i *Index) Ping(context.Context) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.col == nil {
		return memory.ErrIndexUnavailable
	}
	return nil
}

// check validates an embedding's dimension and norm.
func (i *Index) check(emb []float32) error {
	if len(emb) != i.cfg.Dimensions {
		return fmt.Errorf("dimension mismatch: got %d, want %d", len(emb), i.cfg.Dimensions)
	}
	var norm float64
	for _, v := range emb {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.New("embedding contains non-finite values")
		}
		norm += f * f
	}
	if norm == 0 {
		return errors.New("embedding has zero norm")
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
