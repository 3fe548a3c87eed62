// Package cached wraps an embeddings.Provider with an in-memory ristretto
// cache keyed by model and text.
//
// Retrieval queries repeat heavily within a session and fact texts are
// re-embedded on every reassertion, so most lookups after warm-up are hits.
// Cached vectors are copied on the way in and out; callers may modify the
// returned slices.
package cached

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/MrWong99/memoria/internal/observe"
	"github.com/MrWong99/memoria/pkg/provider/embeddings"
)

// DefaultMaxCost bounds the cache at 64 MiB of vector data.
const DefaultMaxCost = 64 << 20

var _ embeddings.Provider = (*Provider)(nil)

// Option is a functional option for [New].
type Option func(*Provider)

// WithMaxCost sets the cache capacity in bytes of vector data.
func WithMaxCost(bytes int64) Option {
	return func(p *Provider) { p.maxCost = bytes }
}

// WithTTL expires cached vectors after d. Zero keeps them until evicted.
func WithTTL(d time.Duration) Option {
	return func(p *Provider) { p.ttl = d }
}

// WithMetrics sets the metrics recorder. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// Provider is a caching embeddings.Provider. It is safe for concurrent use.
type Provider struct {
	inner   embeddings.Provider
	cache   *ristretto.Cache
	maxCost int64
	ttl     time.Duration
	metrics *observe.Metrics
}

// New wraps inner with a cache.
func New(inner embeddings.Provider, opts ...Option) (*Provider, error) {
	p := &Provider{inner: inner, maxCost: DefaultMaxCost}
	for _, o := range opts {
		o(p)
	}
	if p.maxCost <= 0 {
		return nil, fmt.Errorf("cached embeddings: max cost must be > 0, got %d", p.maxCost)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}

	// One counter per expected entry; assume ~1 KiB vectors for sizing.
	counters := max(p.maxCost/1024*10, 1000)
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     p.maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cached embeddings: %w", err)
	}
	p.cache = cache
	return p, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := p.get(ctx, text); ok {
		return v, nil
	}
	v, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.set(text, v)
	p.cache.Wait()
	return slices.Clone(v), nil
}

// EmbedBatch implements embeddings.Provider. Only texts missing from the
// cache are sent to the wrapped provider, in one batch.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	var (
		missing []string
		at      []int
	)
	for i, t := range texts {
		if v, ok := p.get(ctx, t); ok {
			out[i] = v
			continue
		}
		missing = append(missing, t)
		at = append(at, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := p.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("cached embeddings: expected %d embeddings, got %d", len(missing), len(vecs))
	}
	for j, v := range vecs {
		p.set(missing[j], v)
		out[at[j]] = slices.Clone(v)
	}
	p.cache.Wait()
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.inner.Dimensions() }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.inner.ModelID() }

// Unwrap returns the wrapped provider.
func (p *Provider) Unwrap() embeddings.Provider { return p.inner }

// Close stops the cache's background goroutines.
func (p *Provider) Close() { p.cache.Close() }

func (p *Provider) key(text string) string {
	return p.inner.ModelID() + "\x00" + text
}

func (p *Provider) get(ctx context.Context, text string) ([]float32, bool) {
	raw, ok := p.cache.Get(p.key(text))
	p.metrics.RecordEmbeddingCache(ctx, ok)
	if !ok {
		return nil, false
	}
	return slices.Clone(raw.([]float32)), true
}

func (p *Provider) set(text string, v []float32) {
	if len(v) == 0 {
		return
	}
	p.cache.SetWithTTL(p.key(text), slices.Clone(v), int64(4*len(v)), p.ttl)
}
