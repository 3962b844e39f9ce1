package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MikeSquared-Agency/sentinel/internal/anthropic"
	"github.com/MikeSquared-Agency/sentinel/internal/api"
	"github.com/MikeSquared-Agency/sentinel/internal/bus"
	"github.com/MikeSquared-Agency/sentinel/internal/config"
	"github.com/MikeSquared-Agency/sentinel/internal/geocode"
	"github.com/MikeSquared-Agency/sentinel/internal/notify"
	"github.com/MikeSquared-Agency/sentinel/internal/oracle"
	"github.com/MikeSquared-Agency/sentinel/internal/reconciler"
	"github.com/MikeSquared-Agency/sentinel/internal/store"
	"github.com/MikeSquared-Agency/sentinel/internal/transcript"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// No .env is fine in production; config falls back to real env vars.
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("sentinel starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := store.New(ctx, cfg.DatabaseURL, slog.Default())
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database connected")

	// Anthropic client
	if cfg.AnthropicAPIKey == "" {
		slog.Error("ANTHROPIC_API_KEY is required")
		os.Exit(1)
	}
	llm := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	slog.Info("anthropic client ready", "model", cfg.AnthropicModel)

	// Extraction oracle
	orc := oracle.New(llm, slog.Default())

	// Address resolver
	resolver := geocode.NewResolver(cfg.GoogleMapsKey, slog.Default())
	if cfg.GoogleMapsKey == "" {
		slog.Warn("GOOGLE_MAPS_API_KEY not set — locations will not be geocoded")
	}

	// NATS
	busClient, err := bus.NewClient(cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer busClient.Close()
	db.SetPublisher(busClient)
	slog.Info("NATS connected", "url", cfg.NatsURL)

	// Slack notifier (optional — sentinel works without Slack, just no escalation pings)
	var notifier *notify.Notifier
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		notifier = notify.New(cfg.SlackBotToken, cfg.SlackChannel, slog.Default())
		slog.Info("slack notifier ready", "channel", cfg.SlackChannel)
	} else {
		slog.Warn("slack not configured — running without escalation notifications")
	}

	// Reconciler — the core pipeline
	rec := reconciler.New(transcript.NewLog(), db, orc, resolver, reconciler.Options{
		Debounce:        cfg.Debounce,
		Throttle:        cfg.Throttle,
		AnalysisTimeout: cfg.AnalysisTimeout,
		RoundConfidence: cfg.RoundConfidence,
	}, slog.Default())
	rec.SetPublisher(busClient)
	if notifier != nil {
		rec.SetEscalator(notifier)
	}

	// Subscribe to voice transport events
	if err := busClient.Subscribe(bus.SubjectUtterance, rec.HandleUtteranceEvent); err != nil {
		slog.Error("failed to subscribe to utterance events", "error", err)
		os.Exit(1)
	}
	if err := busClient.Subscribe(bus.SubjectSession, rec.HandleSessionEvent); err != nil {
		slog.Error("failed to subscribe to session events", "error", err)
		os.Exit(1)
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, db, rec, resolver, slog.Default())
	if notifier != nil {
		srv.SetEscalator(notifier)
	}

	// Bridge change notifications to the dashboard websocket feed.
	if err := busClient.Subscribe(bus.SubjectCallUpdatedAll, srv.HandleCallUpdated); err != nil {
		slog.Error("failed to subscribe to call updates", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	// Announce registration
	if err := busClient.Publish("dispatch.agent.sentinel.registered", map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"port":      cfg.Port,
	}); err != nil {
		slog.Warn("failed to publish registration", "error", err)
	}

	slog.Info("sentinel ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	cancel()
	slog.Info("sentinel stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
