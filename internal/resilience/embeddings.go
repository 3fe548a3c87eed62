package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/memoria/pkg/provider/embeddings"
)

// EmbeddingsFallback implements embeddings.Provider over a [FallbackGroup].
// Every backend must produce vectors of the same length, since the vector
// index stores them side by side.
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
	dims  int
}

var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// NewEmbeddingsFallback creates an [EmbeddingsFallback] with primary as the
// preferred backend.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	return &EmbeddingsFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
		dims:  primary.Dimensions(),
	}
}

// AddFallback registers another backend. It fails if p's dimensions differ
// from the primary's.
func (f *EmbeddingsFallback) AddFallback(name string, p embeddings.Provider) error {
	if d := p.Dimensions(); d != f.dims {
		return fmt.Errorf("resilience: embeddings fallback %q has %d dimensions, primary has %d", name, d, f.dims)
	}
	f.group.AddFallback(name, p)
	return nil
}

// Embed embeds text with the first healthy backend.
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return ExecuteWithResult(ctx, f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch embeds texts with the first healthy backend. A batch is never
// split across backends.
func (f *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return ExecuteWithResult(ctx, f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions returns the length shared by all backends.
func (f *EmbeddingsFallback) Dimensions() int { return f.dims }

// ModelID returns the primary's model. Vectors from fallbacks are assumed
// interchangeable.
func (f *EmbeddingsFallback) ModelID() string { return f.group.Primary().ModelID() }

// Breakers reports each backend's breaker state, in failover order.
func (f *EmbeddingsFallback) Breakers() map[string]State {
	out := make(map[string]State)
	f.group.Each(func(name string, _ embeddings.Provider, s State) {
		out[name] = s
	})
	return out
}
