// Command sonicd is the Sonic WhatsApp assistant server: it receives Twilio
// webhooks, relays chat turns to a language model, and replies over the
// Twilio REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/shamspias/whatsapp-voice-gpt/internal/config"
	"github.com/shamspias/whatsapp-voice-gpt/internal/conversation"
	"github.com/shamspias/whatsapp-voice-gpt/internal/health"
	"github.com/shamspias/whatsapp-voice-gpt/internal/observe"
	"github.com/shamspias/whatsapp-voice-gpt/internal/relay"
	"github.com/shamspias/whatsapp-voice-gpt/internal/webhook"
	"github.com/shamspias/whatsapp-voice-gpt/pkg/messenger/twilio"
	"github.com/shamspias/whatsapp-voice-gpt/pkg/provider/llm"
	"github.com/shamspias/whatsapp-voice-gpt/pkg/provider/llm/anyllm"
	oaillm "github.com/shamspias/whatsapp-voice-gpt/pkg/provider/llm/openai"
	"github.com/shamspias/whatsapp-voice-gpt/pkg/provider/stt"
	oaistt "github.com/shamspias/whatsapp-voice-gpt/pkg/provider/stt/openai"
	"github.com/shamspias/whatsapp-voice-gpt/pkg/provider/stt/whisper"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", "", "optional .env file loaded before the config")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────────
	if *envPath != "" {
		if err := godotenv.Load(*envPath); err != nil {
			fmt.Fprintf(os.Stderr, "sonicd: load env file %q: %v\n", *envPath, err)
			return 1
		}
	} else {
		// A missing default .env is fine; real deployments often inject
		// environment variables directly.
		_ = godotenv.Load()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sonicd: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sonicd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("sonicd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "sonic",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	completer, err := buildLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to build llm provider", "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)

	transcriber, err := buildSTT(cfg.Providers.STT)
	if err != nil {
		slog.Error("failed to build stt provider", "err", err)
		return 1
	}
	if transcriber != nil {
		slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)
	}

	var twilioOpts []twilio.Option
	if cfg.Twilio.BaseURL != "" {
		twilioOpts = append(twilioOpts, twilio.WithBaseURL(cfg.Twilio.BaseURL))
	}
	channel, err := twilio.New(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.FromNumber, twilioOpts...)
	if err != nil {
		slog.Error("failed to build twilio client", "err", err)
		return 1
	}

	// ── Pipeline wiring ───────────────────────────────────────────────────────
	metrics := observe.Default()
	store := conversation.NewStore(cfg.Assistant.SystemPrompt)

	workerOpts := []relay.WorkerOption{
		relay.WithWorkerMetrics(metrics),
		relay.WithTemperature(cfg.Worker.Temperature),
		relay.WithMaxTokens(cfg.Worker.MaxTokens),
	}
	if cfg.Worker.QueueSize > 0 {
		workerOpts = append(workerOpts, relay.WithQueueSize(cfg.Worker.QueueSize))
	}
	if cfg.Worker.Concurrency > 0 {
		workerOpts = append(workerOpts, relay.WithConcurrency(cfg.Worker.Concurrency))
	}
	if cfg.Worker.CompletionTimeout > 0 {
		workerOpts = append(workerOpts, relay.WithJobTimeout(cfg.Worker.CompletionTimeout))
	}
	worker := relay.NewWorker(completer, workerOpts...)

	dispatcher := relay.NewDispatcher(channel, relay.WithDispatcherMetrics(metrics))

	controllerOpts := []relay.ControllerOption{relay.WithControllerMetrics(metrics)}
	if cfg.Assistant.PlaceholderText != "" {
		controllerOpts = append(controllerOpts, relay.WithPlaceholderText(cfg.Assistant.PlaceholderText))
	}
	controller := relay.NewController(store, worker, dispatcher, controllerOpts...)

	healthHandler := health.New(health.Probe{
		Name: "worker",
		Check: func(context.Context) error {
			return worker.Ready()
		},
	})

	serverOpts := []webhook.Option{
		webhook.WithHealth(healthHandler),
		webhook.WithServerMetrics(metrics),
		webhook.WithMediaAuth(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken),
	}
	if transcriber != nil {
		serverOpts = append(serverOpts, webhook.WithTranscriber(transcriber))
	}
	handler := webhook.NewServer(controller, dispatcher, serverOpts...)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("webhook server listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		slog.Info("shutdown signal received, stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := worker.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("worker shutdown: %w", err))
		}
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildLLM constructs the completion provider named in entry. The "openai"
// name uses the official client; every other recognised name goes through
// the any-llm adapter.
func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "openai":
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	case "anthropic", "gemini", "deepseek", "mistral", "groq":
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.Name, entry.Model, opts...)
	case "ollama":
		// Local server, addressed by BaseURL rather than an API key.
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.NewOllama(entry.Model, opts...)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", entry.Name)
	}
}

// buildSTT constructs the transcription provider named in entry, or nil when
// none is configured. Voice notes are then answered with an apology.
func buildSTT(entry config.ProviderEntry) (stt.Transcriber, error) {
	switch entry.Name {
	case "":
		return nil, nil
	case "openai":
		var opts []oaistt.Option
		if entry.Model != "" {
			opts = append(opts, oaistt.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, oaistt.WithLanguage(entry.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		return oaistt.New(entry.APIKey, opts...)
	case "whisper":
		var opts []whisper.Option
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.New(entry.BaseURL, opts...)
	default:
		return nil, fmt.Errorf("unknown stt provider %q", entry.Name)
	}
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
