// Command aria is the main entry point for the Aria voice AI server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ariavoice/aria/internal/config"
	"github.com/ariavoice/aria/internal/health"
	"github.com/ariavoice/aria/internal/history"
	"github.com/ariavoice/aria/internal/history/memstore"
	"github.com/ariavoice/aria/internal/history/pgstore"
	"github.com/ariavoice/aria/internal/observe"
	"github.com/ariavoice/aria/internal/wake"
	"github.com/ariavoice/aria/internal/ws"
	"github.com/ariavoice/aria/pkg/provider/asr"
	"github.com/ariavoice/aria/pkg/provider/asr/whisperapi"
	"github.com/ariavoice/aria/pkg/provider/asr/whisperlocal"
	"github.com/ariavoice/aria/pkg/provider/embeddings"
	ollamaembed "github.com/ariavoice/aria/pkg/provider/embeddings/ollama"
	oaembed "github.com/ariavoice/aria/pkg/provider/embeddings/openai"
	"github.com/ariavoice/aria/pkg/provider/llm"
	"github.com/ariavoice/aria/pkg/provider/llm/anyllm"
	oallm "github.com/ariavoice/aria/pkg/provider/llm/openai"
	"github.com/ariavoice/aria/pkg/provider/tts"
	oatts "github.com/ariavoice/aria/pkg/provider/tts/openai"
	"github.com/ariavoice/aria/pkg/provider/vad"
	"github.com/ariavoice/aria/pkg/provider/vad/silero"
)

// shutdownTimeout bounds graceful shutdown after SIGINT/SIGTERM.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	verbose := flag.Bool("verbose", false, "force debug logging regardless of the configured level")
	hfMirror := flag.String("hf-mirror", "", "Hugging Face mirror endpoint for model downloads")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "aria: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "aria: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := cfg.System.LogLevel
	if *verbose {
		level = config.LogDebug
	}
	logger := newLogger(level)
	slog.SetDefault(logger)

	if *hfMirror != "" {
		// Model downloaders (whisper, silero) honor this endpoint.
		os.Setenv("HF_ENDPOINT", *hfMirror)
		slog.Info("using hugging face mirror", "endpoint", *hfMirror)
	}

	slog.Info("aria starting",
		"config", *configPath,
		"host", cfg.System.Host,
		"port", cfg.System.Port,
		"log_level", level,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "aria"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── History store ─────────────────────────────────────────────────────────
	store, err := newHistoryStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open history store", "err", err)
		return 1
	}
	defer store.Close()

	// ── Shared wake gate and hub ──────────────────────────────────────────────
	gate := wake.New(wake.WithLogger(logger), wake.WithMetrics(metrics))

	hub := ws.NewHub(cfg, reg,
		ws.WithLogger(logger),
		ws.WithMetrics(metrics),
		ws.WithHistoryStore(store),
		ws.WithGate(gate),
	)
	go hub.Run(ctx)

	// A config edit on disk is picked up for connections opened afterwards;
	// live connections keep their snapshot until they reconnect.
	watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config) {
		slog.Info("configuration changed on disk; applies to new connections")
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)

	// ── HTTP servers ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("/client-ws", hub)
	mux.Handle("/metrics", promhttp.Handler())
	health.New(storeChecker(store)).Register(mux)

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.System.Host, strconv.Itoa(cfg.System.Port)),
		Handler: observe.Middleware(metrics)(mux),
	}

	mediaSrv := newMediaServer(cfg.System.MediaServer)

	errCh := make(chan error, 2)
	go func() {
		slog.Info("server ready, press Ctrl+C to shut down", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if mediaSrv != nil {
		go func() {
			slog.Info("media server listening", "addr", mediaSrv.Addr)
			if err := mediaSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-errCh:
		slog.Error("server error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	hub.CloseAll("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if mediaSrv != nil {
		if err := mediaSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("media server shutdown error", "err", err)
		}
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives the relevant config entry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// The any-llm backends all share the same pattern: optional APIKey +
	// optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// openai-native uses the official SDK and supports native tool calling.
	reg.RegisterLLM("openai-native", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// ── ASR ───────────────────────────────────────────────────────────────────

	reg.RegisterASR("whisper-api", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []whisperapi.Option
		if entry.BaseURL != "" {
			opts = append(opts, whisperapi.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisperapi.WithLanguage(lang))
		}
		return whisperapi.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterASR("whisper-local", func(entry config.ProviderEntry) (asr.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisperlocal.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisperlocal.WithLanguage(lang))
		}
		return whisperlocal.New(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(cfg config.TTSConfig) (tts.Provider, error) {
		var opts []oatts.Option
		if cfg.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(cfg.BaseURL))
		}
		return oatts.New(cfg.APIKey, cfg.Model, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("silero", func(cfg config.VADConfig) (vad.Engine, error) {
		return silero.New(cfg.ModelPath)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})
}

// ── History store ─────────────────────────────────────────────────────────────

// newHistoryStore opens the Postgres store when a DSN is configured and falls
// back to the in-memory store otherwise.
func newHistoryStore(ctx context.Context, cfg *config.Config) (history.Store, error) {
	dsn := cfg.System.History.PostgresDSN
	if dsn == "" {
		slog.Info("history store: in-memory (no postgres_dsn configured)")
		return memstore.New(), nil
	}
	store, err := pgstore.New(ctx, dsn, cfg.System.History.EmbeddingDimensions)
	if err != nil {
		return nil, err
	}
	slog.Info("history store: postgres", "embedding_dimensions", cfg.System.History.EmbeddingDimensions)
	return store, nil
}

// storeChecker probes the history store for the readiness endpoint.
func storeChecker(store history.Store) health.Checker {
	return health.Checker{
		Name: "history",
		Check: func(ctx context.Context) error {
			_, err := store.List(ctx, "00000000-0000-0000-0000-000000000000")
			return err
		},
	}
}

// ── Media server ──────────────────────────────────────────────────────────────

// newMediaServer builds the static asset server for advertisement and video
// files, or nil when no port is configured.
func newMediaServer(cfg config.MediaServerConfig) *http.Server {
	if cfg.Port == 0 {
		return nil
	}
	mux := http.NewServeMux()
	if cfg.AdsDirectory != "" {
		mux.Handle("/ads/", http.StripPrefix("/ads/", http.FileServer(http.Dir(cfg.AdsDirectory))))
	}
	if cfg.VideosDirectory != "" {
		mux.Handle("/videos/", http.StripPrefix("/videos/", http.FileServer(http.Dir(cfg.VideosDirectory))))
	}
	return &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler: mux,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	char := cfg.Character
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Aria :: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Character", char.ConfName)
	printProvider("LLM", char.Agent.LLM.Name, char.Agent.LLM.Model)
	printProvider("ASR", char.ASR.Name, char.ASR.Model)
	printProvider("TTS", char.TTS.Name, char.TTS.Voice)
	printProvider("VAD", char.VAD.Name, "")
	printProvider("Embeddings", char.Embeddings.Name, char.Embeddings.Model)
	if cfg.System.EnableHistory {
		printField("History", "enabled")
	} else {
		printField("History", "(disabled)")
	}
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.System.MCP.Servers))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printField(kind, value)
}

func printField(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
