// Package handler implements the standard gRPC health service and the readiness check behind /healthz.
package handler

import (
	"context"
	"errors"
	"fmt"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ErrNotReady is reported until persisted state has been loaded.
var ErrNotReady = errors.New("state not loaded")

// Pinger checks database connectivity (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks that the manage policy evaluator is usable.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server implements grpc.health.v1.Health for readiness. Watch is not supported.
type Server struct {
	healthpb.UnimplementedHealthServer
	ready  func() bool
	pinger Pinger
	policy PolicyChecker
}

// NewServer returns a health server. ready, pinger and policy are optional; nil skips that check.
func NewServer(ready func() bool, pinger Pinger, policy PolicyChecker) *Server {
	return &Server{ready: ready, pinger: pinger, policy: policy}
}

// Ready returns nil when every configured check passes.
func (s *Server) Ready(ctx context.Context) error {
	if s.ready != nil && !s.ready() {
		return ErrNotReady
	}
	if s.pinger != nil {
		if err := s.pinger.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if s.policy != nil {
		if err := s.policy.HealthCheck(ctx); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
	}
	return nil
}

// Check reports SERVING or NOT_SERVING. Failed checks never surface as gRPC errors.
func (s *Server) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if err := s.Ready(ctx); err != nil {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
