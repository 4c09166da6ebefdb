package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the asset generation service.
type Config struct {
	BindAddr                 string
	TmpDir                   string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int

	ModelRepo             string
	EngineMode            string
	EngineHTTPURL         string
	EngineTimeout         time.Duration
	EngineStartupAttempts int

	FFmpegPath            string
	PreviewIncludeNormals bool
	PreviewResolution     int

	DatabaseURL string

	LogLevel  string
	LogFormat string
}

// Load reads environment variables (after an optional .env file) and applies safe defaults.
func Load() (Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", "0.0.0.0:7860"),
		TmpDir:           envOrDefault("APP_TMP_DIR", "tmp"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "splatforge"),
		CORSOrigins:      listFromEnv("APP_CORS_ORIGINS"),
		RateLimitRPS:     2,
		RateLimitBurst:   4,
		// Same default checkpoint the original demo loads.
		ModelRepo:                envOrDefault("TRELLIS_MODEL_REPO", "jetx/trellis-image-large"),
		EngineMode:               envOrDefault("ENGINE_MODE", "auto"),
		EngineHTTPURL:            stringsTrimSpace("ENGINE_HTTP_URL"),
		EngineTimeout:            10 * time.Minute,
		EngineStartupAttempts:    5,
		FFmpegPath:               envOrDefault("FFMPEG_PATH", "ffmpeg"),
		PreviewResolution:        512,
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		LogLevel:                 envOrDefault("LOG_LEVEL", "info"),
		LogFormat:                envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.EngineTimeout, err = durationFromEnv("ENGINE_TIMEOUT", cfg.EngineTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.EngineStartupAttempts, err = intFromEnv("ENGINE_STARTUP_ATTEMPTS", cfg.EngineStartupAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.PreviewIncludeNormals, err = boolFromEnv("PREVIEW_INCLUDE_NORMALS", cfg.PreviewIncludeNormals)
	if err != nil {
		return Config{}, err
	}
	cfg.PreviewResolution, err = intFromEnv("PREVIEW_RESOLUTION", cfg.PreviewResolution)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitRPS, err = floatFromEnv("APP_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitBurst, err = intFromEnv("APP_RATE_LIMIT_BURST", cfg.RateLimitBurst)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if strings.TrimSpace(cfg.TmpDir) == "" {
		return Config{}, fmt.Errorf("APP_TMP_DIR must not be empty")
	}
	if cfg.EngineTimeout <= 0 {
		return Config{}, fmt.Errorf("ENGINE_TIMEOUT must be positive")
	}
	if cfg.EngineStartupAttempts <= 0 {
		return Config{}, fmt.Errorf("ENGINE_STARTUP_ATTEMPTS must be positive")
	}
	if cfg.PreviewResolution < 64 || cfg.PreviewResolution > 2048 {
		return Config{}, fmt.Errorf("PREVIEW_RESOLUTION must be within [64, 2048]")
	}
	if cfg.RateLimitRPS < 0 {
		return Config{}, fmt.Errorf("APP_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.RateLimitBurst <= 0 {
		return Config{}, fmt.Errorf("APP_RATE_LIMIT_BURST must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.EngineMode)) {
	case "auto", "http", "mock":
	default:
		return Config{}, fmt.Errorf("invalid ENGINE_MODE: %q (expected auto|http|mock)", cfg.EngineMode)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromEnv(key string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
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
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
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
