// Package handler serves readiness over the standard gRPC health protocol and for the HTTP readiness endpoint.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the service name the health check answers for besides "".
const ServiceName = "sessionguard"

const defaultTimeout = 2 * time.Second

// Pinger reports whether a backing store is reachable (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// Check is one named dependency checked on every health check.
type Check struct {
	Name   string
	Pinger Pinger
}

// Server implements grpc.health.v1.Health.
type Server struct {
	healthgrpc.UnimplementedHealthServer
	checks  []Check
	timeout time.Duration
}

// NewServer returns a health server probing checks. Checks with a nil Pinger are skipped.
func NewServer(checks ...Check) *Server {
	s := &Server{timeout: defaultTimeout}
	for _, c := range checks {
		if c.Pinger != nil {
			s.checks = append(s.checks, c)
		}
	}
	return s
}

// Ready pings every dependency and joins the failures.
func (s *Server) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var errs []error
	for _, c := range s.checks {
		if err := c.Pinger.PingContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Check returns SERVING when every dependency answers.
func (s *Server) Check(ctx context.Context, req *healthgrpc.HealthCheckRequest) (*healthgrpc.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != ServiceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if err := s.Ready(ctx); err != nil {
		return &healthgrpc.HealthCheckResponse{Status: healthgrpc.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthgrpc.HealthCheckResponse{Status: healthgrpc.HealthCheckResponse_SERVING}, nil
}
