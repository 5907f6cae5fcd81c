// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	GRPCPort    string
	FrontendURL string
	DBPath      string
	CatalogPath string // empty uses the built-in catalog
	LogLevel    slog.Level

	Funnel  FunnelConfig
	Preload PreloadConfig
	Session SessionConfig
}

// FunnelConfig controls playback pacing.
type FunnelConfig struct {
	Pacing           string
	Typing           time.Duration
	MinTyping        time.Duration
	GracePeriod      time.Duration
	AudioGateTimeout time.Duration // 0 waits forever
	SnowflakeNode    int64
}

// PreloadConfig controls the startup asset warm-up.
type PreloadConfig struct {
	Concurrency int
	Timeout     time.Duration
	ReadyDelay  time.Duration
}

// SessionConfig controls live chat sessions and data retention.
type SessionConfig struct {
	IdleTTL        time.Duration
	ReaperInterval time.Duration
	EventRetention time.Duration
	RateLimit      float64 // inbound frames per second
	RateBurst      int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", "9090"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/funnel.db"),
		CatalogPath: getEnv("FUNNEL_CATALOG_PATH", ""),
		LogLevel:    getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Funnel: FunnelConfig{
			Pacing:           getEnv("FUNNEL_PACING", "fixed"),
			Typing:           getEnvDuration("FUNNEL_TYPING_DURATION", 1500*time.Millisecond),
			MinTyping:        getEnvDuration("FUNNEL_TYPING_MIN", 800*time.Millisecond),
			GracePeriod:      getEnvDuration("FUNNEL_GRACE_PERIOD", 500*time.Millisecond),
			AudioGateTimeout: getEnvDuration("FUNNEL_AUDIO_GATE_TIMEOUT", 0),
			SnowflakeNode:    int64(getEnvInt("SNOWFLAKE_NODE", 1)),
		},
		Preload: PreloadConfig{
			Concurrency: getEnvInt("PRELOAD_CONCURRENCY", 4),
			Timeout:     getEnvDuration("PRELOAD_TIMEOUT", 15*time.Second),
			ReadyDelay:  getEnvDuration("PRELOAD_READY_DELAY", 300*time.Millisecond),
		},
		Session: SessionConfig{
			IdleTTL:        getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute),
			ReaperInterval: getEnvDuration("SESSION_REAPER_INTERVAL", time.Minute),
			EventRetention: getEnvDuration("EVENT_RETENTION", 90*24*time.Hour),
			RateLimit:      getEnvFloat("WS_RATE_LIMIT", 10),
			RateBurst:      getEnvInt("WS_RATE_BURST", 20),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Funnel.Pacing {
	case "fixed", "proportional", "instant":
	default:
		return fmt.Errorf("FUNNEL_PACING must be fixed, proportional or instant, got %q", c.Funnel.Pacing)
	}
	if c.Funnel.Typing < 0 || c.Funnel.MinTyping < 0 || c.Funnel.GracePeriod < 0 {
		return fmt.Errorf("funnel durations must be >= 0")
	}
	if c.Funnel.AudioGateTimeout < 0 {
		return fmt.Errorf("FUNNEL_AUDIO_GATE_TIMEOUT must be >= 0")
	}
	if c.Funnel.SnowflakeNode < 0 || c.Funnel.SnowflakeNode > 1023 {
		return fmt.Errorf("SNOWFLAKE_NODE must be between 0 and 1023")
	}
	if c.Preload.Concurrency <= 0 {
		return fmt.Errorf("PRELOAD_CONCURRENCY must be > 0")
	}
	if c.Preload.Timeout <= 0 {
		return fmt.Errorf("PRELOAD_TIMEOUT must be > 0")
	}
	if c.Session.IdleTTL <= 0 || c.Session.ReaperInterval <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL and SESSION_REAPER_INTERVAL must be > 0")
	}
	if c.Session.RateLimit <= 0 || c.Session.RateBurst <= 0 {
		return fmt.Errorf("WS_RATE_LIMIT and WS_RATE_BURST must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("1.5s") or plain milliseconds ("1500").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
