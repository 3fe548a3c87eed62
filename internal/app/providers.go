package app

import (
	"fmt"

	"github.com/MrWong99/memoria/internal/config"
	"github.com/MrWong99/memoria/internal/observe"
	"github.com/MrWong99/memoria/internal/resilience"
	"github.com/MrWong99/memoria/pkg/provider/embeddings"
	"github.com/MrWong99/memoria/pkg/provider/embeddings/cached"
)

// BuildEmbeddings creates the configured embeddings chain: the primary
// backend and its fallbacks behind circuit breakers, wrapped in a cache when
// embeddings.cache.enabled is set. It returns nil without an
// embeddings.name.
//
// The cached provider holds background goroutines; [App.Shutdown] closes
// it when the result is passed in [Providers].
func BuildEmbeddings(cfg config.EmbeddingsConfig, reg *config.Registry, m *observe.Metrics) (embeddings.Provider, error) {
	if cfg.Name == "" {
		return nil, nil
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}

	primary, err := reg.CreateEmbeddings(cfg.ProviderEntry)
	if err != nil {
		return nil, err
	}

	chain := resilience.NewEmbeddingsFallback(primary, cfg.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.CircuitBreaker.MaxFailures,
			ResetTimeout: cfg.CircuitBreaker.ResetTimeout,
			HalfOpenMax:  cfg.CircuitBreaker.HalfOpenMax,
		},
		Metrics: m,
	})
	for i, entry := range cfg.Fallbacks {
		fb, err := reg.CreateEmbeddings(entry)
		if err != nil {
			return nil, fmt.Errorf("embeddings fallback %d: %w", i, err)
		}
		if err := chain.AddFallback(fmt.Sprintf("%s-%d", entry.Name, i+1), fb); err != nil {
			return nil, err
		}
	}

	if !cfg.Cache.Enabled {
		return chain, nil
	}
	opts := []cached.Option{cached.WithMetrics(m)}
	if cfg.Cache.MaxBytes > 0 {
		opts = append(opts, cached.WithMaxCost(cfg.Cache.MaxBytes))
	}
	if cfg.Cache.TTL > 0 {
		opts = append(opts, cached.WithTTL(cfg.Cache.TTL))
	}
	c, err := cached.New(chain, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}
