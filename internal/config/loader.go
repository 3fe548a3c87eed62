package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/memoria/internal/ingest"
	"github.com/MrWong99/memoria/internal/retrieval"
	"github.com/MrWong99/memoria/pkg/affect"
)

// ValidProviderNames lists the embeddings backends that ship with memoria.
// [Validate] warns about names outside this list.
var ValidProviderNames = []string{"openai"}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":9090"
	DefaultSQLitePath    = "memoria.db"
	DefaultIndexPath     = "memoria.index"
	DefaultFlushInterval = time.Minute
)

// Default returns a Config holding every default, for running without a
// file.
func Default() *Config {
	cfg := &Config{
		Affect:    affect.DefaultConfig(),
		Ingest:    ingest.DefaultConfig(),
		Retrieval: retrieval.DefaultConfig(),
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset top-level settings. It is idempotent.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = "text"
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreSQLite
		if cfg.Store.PostgresDSN != "" {
			cfg.Store.Backend = StorePostgres
		}
	}
	if cfg.Store.Backend == StoreSQLite && cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = DefaultSQLitePath
	}

	if cfg.VectorIndex.Backend == "" {
		cfg.VectorIndex.Backend = IndexNone
		if cfg.Embeddings.Name != "" {
			cfg.VectorIndex.Backend = IndexChromem
		}
	}
	if cfg.VectorIndex.Dimensions == 0 {
		cfg.VectorIndex.Dimensions = cfg.Embeddings.Dimensions
	}
	if cfg.VectorIndex.Backend == IndexChromem && cfg.VectorIndex.Path == "" {
		cfg.VectorIndex.Path = DefaultIndexPath
	}
	if cfg.VectorIndex.FlushInterval == 0 {
		cfg.VectorIndex.FlushInterval = DefaultFlushInterval
	}

	applyProviderDefaults(&cfg.Embeddings.ProviderEntry)
	for i := range cfg.Embeddings.Fallbacks {
		applyProviderDefaults(&cfg.Embeddings.Fallbacks[i])
	}
}

func applyProviderDefaults(e *ProviderEntry) {
	if e.Name == "openai" && e.APIKey == "" && e.BaseURL == "" {
		e.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

// Load reads the YAML configuration file at path and returns a validated
// [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Omitted affect, ingest and retrieval keys keep their
// package defaults. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{
		Affect:    affect.DefaultConfig(),
		Ingest:    ingest.DefaultConfig(),
		Retrieval: retrieval.DefaultConfig(),
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if f := cfg.Server.LogFormat; f != "" && f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", f))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Store
	switch cfg.Store.Backend {
	case StorePostgres:
		if cfg.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
		}
	case StoreSQLite:
		if cfg.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: postgres, sqlite", cfg.Store.Backend))
	}

	// Vector index
	vi := cfg.VectorIndex
	if !vi.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("vector_index.backend %q is invalid; valid values: chromem, pgvector, none", vi.Backend))
	}
	if vi.Backend != IndexNone {
		if vi.Dimensions <= 0 {
			errs = append(errs, fmt.Errorf("vector_index.dimensions must be > 0 for the %s backend", vi.Backend))
		}
		if cfg.Embeddings.Name == "" {
			errs = append(errs, fmt.Errorf("vector_index.backend %s requires embeddings.name", vi.Backend))
		}
	}
	if vi.Backend == IndexPgvector && cfg.Store.Backend != StorePostgres {
		errs = append(errs, errors.New("vector_index.backend pgvector requires store.backend postgres"))
	}
	if vi.Backend == IndexChromem && vi.EncryptionKey != "" && len(vi.EncryptionKey) != 32 {
		errs = append(errs, fmt.Errorf("vector_index.encryption_key must be 32 bytes, got %d", len(vi.EncryptionKey)))
	}
	if vi.FlushInterval < 0 {
		errs = append(errs, fmt.Errorf("vector_index.flush_interval must be >= 0, got %v", vi.FlushInterval))
	}

	// Embeddings
	emb := cfg.Embeddings
	if emb.Name != "" {
		errs = append(errs, validateProvider("embeddings", emb.ProviderEntry)...)
		if emb.Dimensions > 0 && vi.Dimensions > 0 && emb.Dimensions != vi.Dimensions {
			errs = append(errs, fmt.Errorf("embeddings.dimensions %d does not match vector_index.dimensions %d", emb.Dimensions, vi.Dimensions))
		}
	} else if len(emb.Fallbacks) > 0 {
		errs = append(errs, errors.New("embeddings.fallbacks require a primary embeddings.name"))
	}
	for i, fb := range emb.Fallbacks {
		prefix := fmt.Sprintf("embeddings.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		errs = append(errs, validateProvider(prefix, fb)...)
	}
	if emb.Cache.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("embeddings.cache.max_bytes must be >= 0, got %d", emb.Cache.MaxBytes))
	}
	if emb.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("embeddings.cache.ttl must be >= 0, got %v", emb.Cache.TTL))
	}
	if cb := emb.CircuitBreaker; cb.MaxFailures < 0 || cb.ResetTimeout < 0 || cb.HalfOpenMax < 0 {
		errs = append(errs, errors.New("embeddings.circuit_breaker values must be >= 0"))
	}

	// Domain sections
	if err := cfg.Affect.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("affect: %w", err))
	}
	if err := cfg.Ingest.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ingest: %w", err))
	}
	if err := cfg.Retrieval.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retrieval: %w", err))
	}

	// Characters
	seen := make(map[string]int, len(cfg.Characters))
	for i, ch := range cfg.Characters {
		prefix := fmt.Sprintf("characters[%d]", i)
		if ch.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[ch.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of characters[%d]", prefix, ch.ID, prev))
			}
			seen[ch.ID] = i
		}
		if !ch.Baseline.InRange() {
			errs = append(errs, fmt.Errorf("%s.baseline %s is out of range [-1, 1]", prefix, ch.Baseline))
		}
		if err := ch.Traits.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s.traits: %w", prefix, err))
		}
	}

	return errors.Join(errs...)
}

func validateProvider(prefix string, e ProviderEntry) []error {
	var errs []error
	if !slices.Contains(ValidProviderNames, e.Name) {
		slog.Warn("unknown embeddings provider name; it must be registered before use",
			"key", prefix,
			"name", e.Name,
			"known", ValidProviderNames,
		)
	}
	if e.Dimensions < 0 {
		errs = append(errs, fmt.Errorf("%s.dimensions must be >= 0, got %d", prefix, e.Dimensions))
	}
	if e.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout must be >= 0, got %v", prefix, e.Timeout))
	}
	if e.MaxRetries != nil && *e.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%s.max_retries must be >= 0, got %d", prefix, *e.MaxRetries))
	}
	return errs
}
