package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port            int
	DatabaseURL     string
	NatsURL         string
	NatsToken       string
	LogLevel        string
	AnthropicAPIKey string
	AnthropicModel  string
	GoogleMapsKey   string
	SlackBotToken   string
	SlackChannel    string

	// Reconciler tuning.
	Debounce        time.Duration
	Throttle        time.Duration
	AnalysisTimeout time.Duration
	RoundConfidence float64
}

func Load() Config {
	return Config{
		Port:            envInt("SENTINEL_PORT", 8760),
		DatabaseURL:     envStr("DATABASE_URL", ""),
		NatsURL:         envStr("NATS_URL", "nats://localhost:4222"),
		NatsToken:       envStr("NATS_TOKEN", ""),
		LogLevel:        envStr("LOG_LEVEL", "info"),
		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  envStr("SENTINEL_MODEL", "claude-sonnet-4-20250514"),
		GoogleMapsKey:   envStr("GOOGLE_MAPS_API_KEY", ""),
		SlackBotToken:   envStr("SLACK_BOT_TOKEN", ""),
		SlackChannel:    envStr("SLACK_ESCALATION_CHANNEL", ""),
		Debounce:        envDuration("SENTINEL_DEBOUNCE", time.Second),
		Throttle:        envDuration("SENTINEL_THROTTLE", 3*time.Second),
		AnalysisTimeout: envDuration("SENTINEL_ANALYSIS_TIMEOUT", 15*time.Second),
		RoundConfidence: envFloat("SENTINEL_ROUND_CONFIDENCE", 0.85),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
