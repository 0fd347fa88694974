package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the watch-party server.
type Config struct {
	BindAddr         string
	LogLevel         string
	MetricsNamespace string

	ShutdownTimeout   time.Duration
	SessionTTL        time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	StartLead         time.Duration

	CodeLength     int
	AllowAnyOrigin bool
}

const defaultPort = 7575

// Load reads environment variables and applies safe defaults. A .env file in
// the working directory is honored when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:          fmt.Sprintf(":%d", portFromEnv("WATCHPARTY_PORT", defaultPort)),
		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
		MetricsNamespace:  envOrDefault("WATCHPARTY_METRICS_NAMESPACE", "watchparty"),
		ShutdownTimeout:   15 * time.Second,
		SessionTTL:        6 * time.Hour,
		SweepInterval:     time.Minute,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  45 * time.Second,
		StartLead:         2 * time.Second,
		CodeLength:        6,
		AllowAnyOrigin:    false,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("WATCHPARTY_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("WATCHPARTY_SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("WATCHPARTY_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatInterval, err = durationFromEnv("WATCHPARTY_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatTimeout, err = durationFromEnv("WATCHPARTY_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StartLead, err = durationFromEnv("WATCHPARTY_START_LEAD", cfg.StartLead)
	if err != nil {
		return Config{}, err
	}
	cfg.CodeLength, err = intFromEnv("WATCHPARTY_CODE_LENGTH", cfg.CodeLength)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("WATCHPARTY_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionTTL < time.Minute {
		return Config{}, fmt.Errorf("WATCHPARTY_SESSION_TTL must be at least 1m")
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		return Config{}, fmt.Errorf("WATCHPARTY_HEARTBEAT_TIMEOUT must exceed WATCHPARTY_HEARTBEAT_INTERVAL")
	}
	if cfg.CodeLength < 6 || cfg.CodeLength > 8 {
		return Config{}, fmt.Errorf("WATCHPARTY_CODE_LENGTH must be between 6 and 8")
	}

	return cfg, nil
}

// portFromEnv falls back to the default on an unset or non-numeric value
// rather than failing: a misconfigured port should still boot the server
// somewhere reachable.
func portFromEnv(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	port, err := strconv.Atoi(v)
	if err != nil || port <= 0 || port > 65535 {
		return fallback
	}
	return port
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
