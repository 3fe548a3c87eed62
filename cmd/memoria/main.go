// Command memoria is the entry point for the memoria memory controller. It
// ingests conversation turns into a character memory graph and retrieves
// relevance-ranked memory for prompts, either one-shot from the command line
// or as a long-running HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/memoria/internal/app"
	"github.com/MrWong99/memoria/internal/config"
	"github.com/MrWong99/memoria/pkg/provider/embeddings"
	oaembed "github.com/MrWong99/memoria/pkg/provider/embeddings/openai"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// shutdownTimeout bounds the final index flush and store close.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "memoria: %v\n", err)
		return 1
	}
	return 0
}

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string

	// levelVar lets "serve" change the level on config reload.
	levelVar slog.LevelVar
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "memoria",
		Short:         "Tiered character memory: affect, facts and relevance retrieval",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "memoria.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newIngestCmd(opts),
		newRetrieveCmd(opts),
		newIndexCmd(opts),
	)
	return root
}

// ── Configuration ─────────────────────────────────────────────────────────────

// loadConfig reads the config file and installs the default logger. A
// missing file is only an error when --config was given explicitly; without
// it memoria runs on defaults.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	switch {
	case errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("config file %q not found", o.configPath)
	case err != nil:
		return nil, err
	}

	if o.logLevel != "" {
		lvl := config.LogLevel(o.logLevel)
		if !lvl.IsValid() {
			return nil, fmt.Errorf("--log-level %q is invalid; valid values: debug, info, warn, error", o.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}

	o.levelVar.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg.Server.LogFormat, &o.levelVar))
	if err == nil {
		slog.Debug("config loaded", "path", o.configPath)
	} else {
		slog.Debug("no config file, using defaults", "path", o.configPath)
	}
	return cfg, nil
}

// ── Application wiring ────────────────────────────────────────────────────────

// openApp builds the embeddings chain named in cfg and the application
// around it.
func openApp(ctx context.Context, cfg *config.Config) (*app.App, error) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	emb, err := app.BuildEmbeddings(cfg.Embeddings, reg, nil)
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider %q: %w", cfg.Embeddings.Name, err)
	}
	if emb != nil {
		slog.Info("provider created", "kind", "embeddings", "name", cfg.Embeddings.Name, "model", emb.ModelID(), "fallbacks", len(cfg.Embeddings.Fallbacks))
	}

	application, err := app.New(ctx, cfg, &app.Providers{Embeddings: emb})
	if err != nil {
		if c, ok := emb.(interface{ Close() }); ok {
			c.Close()
		}
		return nil, err
	}
	return application, nil
}

// shutdown releases application resources under [shutdownTimeout].
func shutdown(application *app.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return application.Shutdown(ctx)
}

// registerBuiltinProviders wires the embeddings factories that ship with
// memoria into reg. OpenAI-compatible servers such as Ollama are reached
// through "openai" with a base_url.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaembed.WithOrganization(org))
		}
		if entry.Dimensions > 0 {
			opts = append(opts, oaembed.WithDimensions(entry.Dimensions))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oaembed.WithTimeout(entry.Timeout))
		}
		if entry.MaxRetries != nil {
			opts = append(opts, oaembed.WithMaxRetries(*entry.MaxRetries))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "kind", "embeddings", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         memoria — startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Store", string(cfg.Store.Backend))
	printRow(w, "Vector index", string(cfg.VectorIndex.Backend))
	emb := cfg.Embeddings.Name
	if emb == "" {
		emb = "(not configured)"
	} else if cfg.Embeddings.Model != "" {
		emb += " / " + cfg.Embeddings.Model
	}
	printRow(w, "Embeddings", emb)
	printRow(w, "Fallbacks", fmt.Sprint(len(cfg.Embeddings.Fallbacks)))
	printRow(w, "Characters", fmt.Sprint(len(cfg.Characters)))
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
