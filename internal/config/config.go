// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP/WebSocket server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC health server listens on (e.g. :9090).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN. When empty the server runs without durable state.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// JWTPublicKey is the PEM-encoded public key (or path to file) used to verify access tokens issued by the auth layer.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTPrivateKey is the PEM-encoded private key or path; only cmd/seed uses it to mint dev tokens.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTIssuer is the expected iss claim.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the expected aud claim.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// NodeID identifies this process on the bridge; defaults to a random id when empty.
	NodeID string `mapstructure:"NODE_ID"`

	// LogLevel is the zap level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is "json" or "console".
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext connection to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	// When set, the bridge and safety telemetry use Kafka.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// BridgeKafkaTopic is the topic that carries cross-process deliveries and state deltas.
	BridgeKafkaTopic string `mapstructure:"BRIDGE_KAFKA_TOPIC"`
	// TelemetryKafkaTopic is the topic for safety telemetry events.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the telemetry worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is used by the worker to push safety telemetry (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// Engine tunables. Durations use time.ParseDuration syntax.
	PositionCooldown      string `mapstructure:"POSITION_COOLDOWN"`
	PositionFlushInterval string `mapstructure:"POSITION_FLUSH_INTERVAL"`
	PersistInterval       string `mapstructure:"PERSIST_INTERVAL"`
	RateLimitEvents       int    `mapstructure:"RATE_LIMIT_EVENTS"`
	RateLimitWindow       string `mapstructure:"RATE_LIMIT_WINDOW"`
	ReplayMaxBatch        int    `mapstructure:"REPLAY_MAX_BATCH"`
	SweepInterval         string `mapstructure:"SWEEP_INTERVAL"`
	SafetyTick            string `mapstructure:"SAFETY_TICK"`
	RoomRetention         string `mapstructure:"ROOM_RETENTION"`
	VisibilityCacheSize   int    `mapstructure:"VISIBILITY_CACHE_SIZE"`
	// ManagePolicyFile optionally points at a Rego module replacing the default manage policy.
	ManagePolicyFile string `mapstructure:"MANAGE_POLICY_FILE"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_ISSUER", "waypoint-auth")
	v.SetDefault("JWT_AUDIENCE", "waypoint-realtime")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("NODE_ID", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("BRIDGE_KAFKA_TOPIC", "waypoint-bridge")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "waypoint-safety")
	v.SetDefault("KAFKA_GROUP_ID", "waypoint-safety-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("POSITION_COOLDOWN", "1s")
	v.SetDefault("POSITION_FLUSH_INTERVAL", "250ms")
	v.SetDefault("PERSIST_INTERVAL", "15s")
	v.SetDefault("RATE_LIMIT_EVENTS", 30)
	v.SetDefault("RATE_LIMIT_WINDOW", "10s")
	v.SetDefault("REPLAY_MAX_BATCH", 200)
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("SAFETY_TICK", "15s")
	v.SetDefault("ROOM_RETENTION", "24h")
	v.SetDefault("VISIBILITY_CACHE_SIZE", 4096)
	v.SetDefault("MANAGE_POLICY_FILE", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.Env == "production" && cfg.JWTPublicKey == "" {
		return nil, errors.New("config: JWT_PUBLIC_KEY must be set when APP_ENV=production")
	}
	if cfg.RateLimitEvents <= 0 {
		return nil, errors.New("config: RATE_LIMIT_EVENTS must be positive")
	}
	if cfg.ReplayMaxBatch <= 0 {
		return nil, errors.New("config: REPLAY_MAX_BATCH must be positive")
	}
	if cfg.VisibilityCacheSize <= 0 {
		cfg.VisibilityCacheSize = 4096
	}

	return &cfg, nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Cooldown returns the minimum spacing between accepted position samples. Returns 1s if unset or invalid.
func (c *Config) Cooldown() time.Duration { return parseDuration(c.PositionCooldown, time.Second) }

// FlushInterval returns the position coalescing flush interval. Returns 250ms if unset or invalid.
func (c *Config) FlushInterval() time.Duration {
	return parseDuration(c.PositionFlushInterval, 250*time.Millisecond)
}

// PersistEvery returns the debounced position write interval. Returns 15s if unset or invalid.
func (c *Config) PersistEvery() time.Duration { return parseDuration(c.PersistInterval, 15*time.Second) }

// RateWindow returns the rate limit window. Returns 10s if unset or invalid.
func (c *Config) RateWindow() time.Duration { return parseDuration(c.RateLimitWindow, 10*time.Second) }

// SweepEvery returns the offline/token sweep interval. Returns 1m if unset or invalid.
func (c *Config) SweepEvery() time.Duration { return parseDuration(c.SweepInterval, time.Minute) }

// SafetyEvery returns the safety timer evaluation interval. Returns 15s if unset or invalid.
func (c *Config) SafetyEvery() time.Duration { return parseDuration(c.SafetyTick, 15*time.Second) }

// RoomRetentionWindow returns how long an empty room survives. Returns 24h if unset or invalid.
func (c *Config) RoomRetentionWindow() time.Duration {
	return parseDuration(c.RoomRetention, 24*time.Hour)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the bridge and telemetry producer are enabled (non-empty list).
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
