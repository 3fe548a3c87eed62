package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/memoria/internal/config"
	"github.com/MrWong99/memoria/internal/retrieval"
	"github.com/MrWong99/memoria/pkg/affect"
	"github.com/MrWong99/memoria/pkg/provider/embeddings"
	"github.com/MrWong99/memoria/pkg/provider/embeddings/mock"
)

const fullYAML = `
server:
  listen_addr: ":8081"
  log_level: debug
  log_format: json
store:
  backend: postgres
  postgres_dsn: "postgres://localhost/memoria"
vector_index:
  backend: pgvector
embeddings:
  name: openai
  api_key: sk-test
  model: text-embedding-3-small
  dimensions: 512
  timeout: 5s
  max_retries: 1
  fallbacks:
    - name: openai
      base_url: http://localhost:11434/v1
      model: nomic-embed-text
      dimensions: 512
  circuit_breaker:
    max_failures: 3
    reset_timeout: 1m
  cache:
    enabled: true
    max_bytes: 1048576
    ttl: 1h
affect:
  decay_rate: 0.2
retrieval:
  relevance_floor: 0.25
  decay_half_life: 72h
characters:
  - id: alice
    name: Alice
    baseline: {valence: 0.2, arousal: -0.1, dominance: 0.3}
    traits: {volatility: 0.4, sensitivity: 0.6, assertiveness: 0.5, stability: 0.7}
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8081" || cfg.Server.LogLevel != config.LogDebug || cfg.Server.LogFormat != "json" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Store.Backend != config.StorePostgres {
		t.Errorf("store.backend = %q", cfg.Store.Backend)
	}
	if cfg.VectorIndex.Dimensions != 512 {
		t.Errorf("vector_index.dimensions = %d, want 512 (from embeddings)", cfg.VectorIndex.Dimensions)
	}
	if cfg.Embeddings.Timeout != 5*time.Second || cfg.Embeddings.MaxRetries == nil || *cfg.Embeddings.MaxRetries != 1 {
		t.Errorf("embeddings = %+v", cfg.Embeddings.ProviderEntry)
	}
	if len(cfg.Embeddings.Fallbacks) != 1 || cfg.Embeddings.Fallbacks[0].Model != "nomic-embed-text" {
		t.Errorf("fallbacks = %+v", cfg.Embeddings.Fallbacks)
	}
	if !cfg.Embeddings.Cache.Enabled || cfg.Embeddings.Cache.TTL != time.Hour {
		t.Errorf("cache = %+v", cfg.Embeddings.Cache)
	}

	// Partial domain sections keep their other defaults.
	if cfg.Affect.DecayRate != 0.2 {
		t.Errorf("affect.decay_rate = %v, want 0.2", cfg.Affect.DecayRate)
	}
	if cfg.Affect.SignalGain != affect.DefaultConfig().SignalGain {
		t.Errorf("affect.signal_gain = %v, want default", cfg.Affect.SignalGain)
	}
	if cfg.Retrieval.DecayHalfLife != 72*time.Hour || cfg.Retrieval.RelevanceFloor != 0.25 {
		t.Errorf("retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Retrieval.Tokens != retrieval.DefaultTokenWeights() {
		t.Errorf("retrieval.tokens = %+v, want default", cfg.Retrieval.Tokens)
	}

	prof, ok := cfg.Profiles().Profile("alice")
	if !ok {
		t.Fatal("profile alice missing")
	}
	if prof.Name != "Alice" || prof.Baseline.Dominance != 0.3 || prof.Traits.Stability != 0.7 {
		t.Errorf("profile = %+v", prof)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := config.Default()
	if cfg.Store != want.Store || cfg.VectorIndex != want.VectorIndex || cfg.Server.ListenAddr != want.Server.ListenAddr {
		t.Errorf("cfg = %+v, want defaults %+v", cfg, want)
	}
	if cfg.Store.Backend != config.StoreSQLite || cfg.Store.SQLitePath != config.DefaultSQLitePath {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.VectorIndex.Backend != config.IndexNone {
		t.Errorf("vector_index.backend = %q, want none without embeddings", cfg.VectorIndex.Backend)
	}
}

func TestApplyDefaults_InfersBackends(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Store:      config.StoreConfig{PostgresDSN: "postgres://x"},
		Embeddings: config.EmbeddingsConfig{ProviderEntry: config.ProviderEntry{Name: "openai", Dimensions: 8}},
	}
	config.ApplyDefaults(cfg)
	if cfg.Store.Backend != config.StorePostgres {
		t.Errorf("store.backend = %q, want postgres", cfg.Store.Backend)
	}
	if cfg.VectorIndex.Backend != config.IndexChromem || cfg.VectorIndex.Path != config.DefaultIndexPath {
		t.Errorf("vector_index = %+v", cfg.VectorIndex)
	}
	if cfg.VectorIndex.FlushInterval != config.DefaultFlushInterval {
		t.Errorf("flush_interval = %v", cfg.VectorIndex.FlushInterval)
	}

	before := *cfg
	config.ApplyDefaults(cfg)
	if cfg.Store != before.Store || cfg.VectorIndex != before.VectorIndex {
		t.Error("ApplyDefaults is not idempotent")
	}
}

func TestLoadFromReader_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("stroe:\n  backend: sqlite\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "bad log level",
			yaml: "server:\n  log_level: loud\n",
			want: []string{"server.log_level"},
		},
		{
			name: "postgres without dsn",
			yaml: "store:\n  backend: postgres\n",
			want: []string{"store.postgres_dsn"},
		},
		{
			name: "unknown store backend",
			yaml: "store:\n  backend: mysql\n",
			want: []string{"store.backend"},
		},
		{
			name: "index without embeddings or dims",
			yaml: "vector_index:\n  backend: chromem\n",
			want: []string{"vector_index.dimensions", "requires embeddings.name"},
		},
		{
			name: "pgvector on sqlite",
			yaml: "embeddings:\n  name: openai\n  api_key: k\n  dimensions: 4\nvector_index:\n  backend: pgvector\n",
			want: []string{"requires store.backend postgres"},
		},
		{
			name: "dimension mismatch",
			yaml: "embeddings:\n  name: openai\n  api_key: k\n  dimensions: 4\nvector_index:\n  dimensions: 8\n",
			want: []string{"does not match"},
		},
		{
			name: "short encryption key",
			yaml: "embeddings:\n  name: openai\n  api_key: k\n  dimensions: 4\nvector_index:\n  encryption_key: short\n",
			want: []string{"encryption_key"},
		},
		{
			name: "fallback without name",
			yaml: "embeddings:\n  name: openai\n  api_key: k\n  fallbacks:\n    - model: x\n",
			want: []string{"embeddings.fallbacks[0].name"},
		},
		{
			name: "fallbacks without primary",
			yaml: "embeddings:\n  fallbacks:\n    - name: openai\n",
			want: []string{"require a primary"},
		},
		{
			name: "negative retries",
			yaml: "embeddings:\n  name: openai\n  api_key: k\n  max_retries: -1\n",
			want: []string{"max_retries"},
		},
		{
			name: "affect out of range",
			yaml: "affect:\n  decay_rate: 2\n",
			want: []string{"affect:", "decay_rate"},
		},
		{
			name: "ingest out of range",
			yaml: "ingest:\n  confidence_blend: 1.5\n",
			want: []string{"confidence_blend"},
		},
		{
			name: "retrieval out of range",
			yaml: "retrieval:\n  relevance_floor: 3\n",
			want: []string{"relevance_floor"},
		},
		{
			name: "characters",
			yaml: `
characters:
  - id: bob
  - id: bob
    baseline: {valence: 2}
  - name: nobody
    traits: {volatility: 1.5}
`,
			want: []string{"duplicate", "characters[1].baseline", "characters[2].id is required", "characters[2].traits"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestValidate_JoinsAffectSentinel(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("affect:\n  fuzzy_threshold: -1\n"))
	if !errors.Is(err, affect.ErrInvalidConfig) {
		t.Errorf("err = %v, want affect.ErrInvalidConfig in the chain", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "memoria.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Characters) != 1 {
		t.Errorf("characters = %d, want 1", len(cfg.Characters))
	}

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if cfg.VectorIndex.Backend != config.IndexChromem {
		t.Errorf("vector_index.backend = %q, want chromem", cfg.VectorIndex.Backend)
	}
	if len(cfg.Embeddings.Fallbacks) != 1 {
		t.Errorf("fallbacks = %d, want 1", len(cfg.Embeddings.Fallbacks))
	}
	if len(cfg.Characters) != 1 || cfg.Characters[0].Traits.Sensitivity != 0.6 {
		t.Errorf("characters = %+v", cfg.Characters)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterEmbeddings("mock", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return &mock.Provider{ModelIDValue: e.Model, DimensionsValue: e.Dimensions}, nil
	})
	reg.RegisterEmbeddings("broken", func(config.ProviderEntry) (embeddings.Provider, error) {
		return nil, errors.New("no key")
	})

	p, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "mock", Model: "m", Dimensions: 3})
	if err != nil {
		t.Fatalf("CreateEmbeddings: %v", err)
	}
	if p.ModelID() != "m" || p.Dimensions() != 3 {
		t.Errorf("provider = %s/%d", p.ModelID(), p.Dimensions())
	}

	if _, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "broken"}); err == nil || !strings.Contains(err.Error(), "no key") {
		t.Errorf("err = %v, want factory error", err)
	}
	if got := reg.Names(); len(got) != 2 || got[0] != "broken" || got[1] != "mock" {
		t.Errorf("Names() = %v", got)
	}
}
