package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the bridge service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	TransportMode   string
	GatewayURL      string
	GatewayAPIKey   string
	FallbackGateway string
	FallbackAPIKey  string

	SampleRateHz           int
	InputMaxChunks         int
	OutputMaxChunks        int
	NominalChunkBytes      int
	OverflowPolicy         string
	RealtimeInputMaxChunks int
	MaxChunksPerBatch      int
	DrainInterval          time.Duration

	MaxTokens    int
	Temperature  float64
	TopP         float64
	SystemPrompt string
	AckTimeout   time.Duration
	CloseGrace   time.Duration

	SweepInterval   time.Duration
	IdleTimeout     time.Duration
	ResourceTimeout time.Duration

	MemoryCheckInterval    time.Duration
	MemoryHighWatermarkMiB int
	MemoryCriticalMiB      int
	AggressiveCleanup      bool

	RetryMaxAttempts        int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	BreakerFailureThreshold int
	BreakerMonitorWindow    time.Duration
	BreakerResetTimeout     time.Duration

	DatabaseURL       string
	RecordSaveTimeout time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "voxbridge"),
		AllowAnyOrigin:       false,
		TransportMode:        envOrDefault("TRANSPORT_MODE", "auto"),
		GatewayURL:           stringsTrimSpace("GATEWAY_WS_URL"),
		GatewayAPIKey:        stringsTrimSpace("GATEWAY_API_KEY"),
		FallbackGateway:      stringsTrimSpace("GATEWAY_FALLBACK_WS_URL"),
		FallbackAPIKey:       stringsTrimSpace("GATEWAY_FALLBACK_API_KEY"),
		OverflowPolicy:       envOrDefault("AUDIO_OVERFLOW_POLICY", "drop_oldest"),
		SystemPrompt:         envOrDefault("MODEL_SYSTEM_PROMPT", "You are a concise, friendly voice assistant on a phone call."),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		Temperature:          0.7,
		TopP:                 0.9,
		ShutdownTimeout:      15 * time.Second,
		DrainInterval:        20 * time.Millisecond,
		AckTimeout:           8 * time.Second,
		CloseGrace:           500 * time.Millisecond,
		SweepInterval:        60 * time.Second,
		IdleTimeout:          300 * time.Second,
		ResourceTimeout:      300 * time.Second,
		MemoryCheckInterval:  30 * time.Second,
		RetryBaseDelay:       100 * time.Millisecond,
		RetryMaxDelay:        5 * time.Second,
		BreakerMonitorWindow: 30 * time.Second,
		BreakerResetTimeout:  15 * time.Second,
		RecordSaveTimeout:    2 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.SampleRateHz, err = intFromEnv("AUDIO_SAMPLE_RATE_HZ", 8000)
	if err != nil {
		return Config{}, err
	}
	cfg.InputMaxChunks, err = intFromEnv("AUDIO_INPUT_MAX_CHUNKS", 64)
	if err != nil {
		return Config{}, err
	}
	cfg.OutputMaxChunks, err = intFromEnv("AUDIO_OUTPUT_MAX_CHUNKS", 256)
	if err != nil {
		return Config{}, err
	}
	cfg.NominalChunkBytes, err = intFromEnv("AUDIO_NOMINAL_CHUNK_BYTES", 320)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeInputMaxChunks, err = intFromEnv("REALTIME_INPUT_MAX_CHUNKS", 1)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxChunksPerBatch, err = intFromEnv("AUDIO_MAX_CHUNKS_PER_BATCH", 8)
	if err != nil {
		return Config{}, err
	}
	cfg.DrainInterval, err = durationFromEnv("AUDIO_DRAIN_INTERVAL", cfg.DrainInterval)
	if err != nil {
		return Config{}, err
	}

	cfg.MaxTokens, err = intFromEnv("MODEL_MAX_TOKENS", 1024)
	if err != nil {
		return Config{}, err
	}
	cfg.AckTimeout, err = durationFromEnv("SESSION_ACK_TIMEOUT", cfg.AckTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CloseGrace, err = durationFromEnv("SESSION_CLOSE_GRACE", cfg.CloseGrace)
	if err != nil {
		return Config{}, err
	}

	cfg.SweepInterval, err = durationFromEnv("SESSION_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleTimeout, err = durationFromEnv("SESSION_IDLE_TIMEOUT", cfg.IdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ResourceTimeout, err = durationFromEnv("RESOURCE_TIMEOUT", cfg.ResourceTimeout)
	if err != nil {
		return Config{}, err
	}

	cfg.MemoryCheckInterval, err = durationFromEnv("MEMORY_CHECK_INTERVAL", cfg.MemoryCheckInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryHighWatermarkMiB, err = intFromEnv("MEMORY_HIGH_WATERMARK_MIB", 512)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryCriticalMiB, err = intFromEnv("MEMORY_CRITICAL_WATERMARK_MIB", 1024)
	if err != nil {
		return Config{}, err
	}
	cfg.AggressiveCleanup, err = boolFromEnv("MEMORY_AGGRESSIVE_CLEANUP", false)
	if err != nil {
		return Config{}, err
	}

	cfg.RetryMaxAttempts, err = intFromEnv("RETRY_MAX_ATTEMPTS", 3)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryBaseDelay, err = durationFromEnv("RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryMaxDelay, err = durationFromEnv("RETRY_MAX_DELAY", cfg.RetryMaxDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerFailureThreshold, err = intFromEnv("BREAKER_FAILURE_THRESHOLD", 5)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerMonitorWindow, err = durationFromEnv("BREAKER_MONITOR_WINDOW", cfg.BreakerMonitorWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerResetTimeout, err = durationFromEnv("BREAKER_RESET_TIMEOUT", cfg.BreakerResetTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RecordSaveTimeout, err = durationFromEnv("RECORD_SAVE_TIMEOUT", cfg.RecordSaveTimeout)
	if err != nil {
		return Config{}, err
	}

	switch cfg.TransportMode {
	case "auto", "gateway", "mock":
	default:
		return Config{}, fmt.Errorf("TRANSPORT_MODE must be auto, gateway or mock")
	}
	if cfg.TransportMode == "gateway" && cfg.GatewayURL == "" {
		return Config{}, fmt.Errorf("GATEWAY_WS_URL is required when TRANSPORT_MODE=gateway")
	}
	switch cfg.OverflowPolicy {
	case "drop_oldest", "reject":
	default:
		return Config{}, fmt.Errorf("AUDIO_OVERFLOW_POLICY must be drop_oldest or reject")
	}
	if cfg.SampleRateHz <= 0 {
		return Config{}, fmt.Errorf("AUDIO_SAMPLE_RATE_HZ must be positive")
	}
	if cfg.InputMaxChunks <= 0 || cfg.OutputMaxChunks <= 0 {
		return Config{}, fmt.Errorf("audio queue capacities must be positive")
	}
	if cfg.RealtimeInputMaxChunks <= 0 {
		return Config{}, fmt.Errorf("REALTIME_INPUT_MAX_CHUNKS must be positive")
	}
	if cfg.MaxChunksPerBatch <= 0 {
		return Config{}, fmt.Errorf("AUDIO_MAX_CHUNKS_PER_BATCH must be positive")
	}
	if cfg.IdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.RetryMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive")
	}
	if cfg.BreakerFailureThreshold <= 0 {
		return Config{}, fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive")
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
