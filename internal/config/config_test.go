package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.GRPCAddr != ":9090" {
		t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, ":9090")
	}
	if cfg.JWTIssuer != "waypoint-auth" {
		t.Errorf("JWTIssuer = %q, want %q", cfg.JWTIssuer, "waypoint-auth")
	}
	if cfg.JWTAudience != "waypoint-realtime" {
		t.Errorf("JWTAudience = %q, want %q", cfg.JWTAudience, "waypoint-realtime")
	}
	if cfg.RateLimitEvents != 30 {
		t.Errorf("RateLimitEvents = %d, want 30", cfg.RateLimitEvents)
	}
	if cfg.ReplayMaxBatch != 200 {
		t.Errorf("ReplayMaxBatch = %d, want 200", cfg.ReplayMaxBatch)
	}
	if cfg.BridgeKafkaTopic != "waypoint-bridge" {
		t.Errorf("BridgeKafkaTopic = %q, want default", cfg.BridgeKafkaTopic)
	}
	if cfg.Cooldown() != time.Second {
		t.Errorf("Cooldown = %v, want 1s", cfg.Cooldown())
	}
	if cfg.FlushInterval() != 250*time.Millisecond {
		t.Errorf("FlushInterval = %v, want 250ms", cfg.FlushInterval())
	}
	if cfg.RoomRetentionWindow() != 24*time.Hour {
		t.Errorf("RoomRetentionWindow = %v, want 24h", cfg.RoomRetentionWindow())
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("HTTP_ADDR", ":9999")
	os.Setenv("JWT_ISSUER", "custom-issuer")
	os.Setenv("RATE_LIMIT_EVENTS", "5")
	os.Setenv("POSITION_COOLDOWN", "100ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":9999")
	}
	if cfg.JWTIssuer != "custom-issuer" {
		t.Errorf("JWTIssuer = %q, want %q", cfg.JWTIssuer, "custom-issuer")
	}
	if cfg.RateLimitEvents != 5 {
		t.Errorf("RateLimitEvents = %d, want 5", cfg.RateLimitEvents)
	}
	if cfg.Cooldown() != 100*time.Millisecond {
		t.Errorf("Cooldown = %v, want 100ms", cfg.Cooldown())
	}
}

func TestLoad_ProductionRequiresPublicKey(t *testing.T) {
	os.Clearenv()
	os.Setenv("APP_ENV", "production")

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load should return error when JWT_PUBLIC_KEY is empty in production")
	}
	if cfg != nil {
		t.Error("Load should return nil config on error")
	}
	if err.Error() != "config: JWT_PUBLIC_KEY must be set when APP_ENV=production" {
		t.Errorf("error = %q, want public key message", err.Error())
	}
}

func TestLoad_RateLimitMustBePositive(t *testing.T) {
	testCases := []struct {
		name  string
		value string
		err   bool
	}{
		{"positive", "1", false},
		{"zero", "0", true},
		{"negative", "-3", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			os.Clearenv()
			os.Setenv("RATE_LIMIT_EVENTS", tc.value)

			_, err := Load()
			if tc.err && err == nil {
				t.Fatal("Load should return error")
			}
			if !tc.err && err != nil {
				t.Fatalf("Load: %v", err)
			}
		})
	}
}

func TestDurations_InvalidFallsBack(t *testing.T) {
	os.Clearenv()
	os.Setenv("PERSIST_INTERVAL", "invalid")
	os.Setenv("SWEEP_INTERVAL", "-1m")
	os.Setenv("SAFETY_TICK", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.PersistEvery(); got != 15*time.Second {
		t.Errorf("PersistEvery = %v, want 15s (default)", got)
	}
	if got := cfg.SweepEvery(); got != time.Minute {
		t.Errorf("SweepEvery = %v, want 1m (default)", got)
	}
	if got := cfg.SafetyEvery(); got != 15*time.Second {
		t.Errorf("SafetyEvery = %v, want 15s (default)", got)
	}
}

func TestKafkaBrokersList(t *testing.T) {
	cfg := &Config{KafkaBrokers: " a:9092, ,b:9092 "}
	got := cfg.KafkaBrokersList()
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Errorf("KafkaBrokersList = %v, want [a:9092 b:9092]", got)
	}
	var nilCfg *Config
	if nilCfg.KafkaBrokersList() != nil {
		t.Error("nil config should return nil brokers")
	}
}
