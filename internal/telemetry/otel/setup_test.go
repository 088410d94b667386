package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

func TestNewProviders_EmptyEndpoint(t *testing.T) {
	ctx := context.Background()
	for _, endpoint := range []string{"", "   "} {
		providers, err := NewProviders(ctx, Config{Endpoint: endpoint, ServiceName: "waypoint"})
		if err != nil {
			t.Fatalf("NewProviders(%q): %v", endpoint, err)
		}
		if providers.TracerProvider == nil || providers.MeterProvider == nil || providers.LoggerProvider == nil {
			t.Fatalf("NewProviders(%q) returned nil providers", endpoint)
		}
		if err := providers.Shutdown(ctx); err != nil {
			t.Errorf("shutdown should be no-op for empty endpoint, got error: %v", err)
		}
	}
}

func TestNewProviders_InvalidURL(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name     string
		endpoint string
	}{
		{"invalid characters", "://invalid"},
		{"malformed URL", "http://[invalid"},
		{"missing host", "http://"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewProviders(ctx, Config{Endpoint: tc.endpoint}); err == nil {
				t.Errorf("NewProviders(%q) should return error", tc.endpoint)
			}
		})
	}
}

func TestNewProviders_NodeResource(t *testing.T) {
	providers, err := NewProviders(context.Background(), Config{
		ServiceVersion: "1.4.0",
		NodeID:         "node-a",
		Environment:    "staging",
	})
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	want := map[string]string{
		string(semconv.ServiceNameKey):               "waypoint",
		string(semconv.ServiceVersionKey):            "1.4.0",
		string(semconv.ServiceInstanceIDKey):         "node-a",
		string(semconv.DeploymentEnvironmentNameKey): "staging",
	}
	got := map[string]string{}
	for _, kv := range providers.Resource.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("resource %s = %q, want %q", k, got[k], v)
		}
	}
}

func TestParseEndpoint(t *testing.T) {
	testCases := []struct {
		endpoint      string
		force         bool
		target        string
		wantPlaintext bool
	}{
		{"localhost:4317", false, "localhost:4317", true},
		{"https://collector:4317/v1/traces", false, "collector:4317", false},
		{"https://collector:4317", true, "collector:4317", true},
		{"  ", false, "", false},
	}
	for _, tc := range testCases {
		target, insecure, err := parseEndpoint(tc.endpoint, tc.force)
		if err != nil {
			t.Fatalf("parseEndpoint(%q): %v", tc.endpoint, err)
		}
		if target != tc.target || insecure != tc.wantPlaintext {
			t.Errorf("parseEndpoint(%q, %v) = %q, %v; want %q, %v", tc.endpoint, tc.force, target, insecure, tc.target, tc.wantPlaintext)
		}
	}
}

func TestShutdownAll_ReverseOrderAndCombinedErrors(t *testing.T) {
	var order []string
	step := func(name string, err error) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return err
		}
	}
	shutdown := shutdownAll([]func(context.Context) error{
		step("tracer", errors.New("tracer down")),
		step("meter", nil),
		step("logger", errors.New("logger down")),
	})
	err := shutdown(context.Background())
	if err == nil || err.Error() != "logger down; tracer down" {
		t.Errorf("shutdown error = %v", err)
	}
	if len(order) != 3 || order[0] != "logger" || order[2] != "tracer" {
		t.Errorf("order = %v, want logger, meter, tracer", order)
	}
}

func TestSetGlobal_PartialProviders(t *testing.T) {
	ctx := context.Background()
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(ctx) }()

	oldTracerProvider := otel.GetTracerProvider()
	oldMeterProvider := otel.GetMeterProvider()
	defer func() {
		otel.SetTracerProvider(oldTracerProvider)
		otel.SetMeterProvider(oldMeterProvider)
	}()

	(&Providers{TracerProvider: tp}).SetGlobal()

	if otel.GetTracerProvider() == oldTracerProvider {
		t.Error("TracerProvider should be updated")
	}
	if otel.GetMeterProvider() != oldMeterProvider {
		t.Error("MeterProvider should not be updated when nil")
	}
}
