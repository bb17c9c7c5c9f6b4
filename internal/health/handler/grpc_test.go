package handler

import (
	"context"
	"errors"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

type mockPinger struct {
	pingErr error
}

func (m *mockPinger) PingContext(context.Context) error {
	return m.pingErr
}

func TestCheck_NoDependencies(t *testing.T) {
	srv := NewServer()
	resp, err := srv.Check(context.Background(), &healthgrpc.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthgrpc.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.GetStatus())
	}
}

func TestCheck_Dependencies(t *testing.T) {
	tests := []struct {
		name   string
		checks []Check
		want   healthgrpc.HealthCheckResponse_ServingStatus
	}{
		{
			name:   "all healthy",
			checks: []Check{{Name: "postgres", Pinger: &mockPinger{}}, {Name: "redis", Pinger: PingFunc(func(context.Context) error { return nil })}},
			want:   healthgrpc.HealthCheckResponse_SERVING,
		},
		{
			name:   "one failing",
			checks: []Check{{Name: "postgres", Pinger: &mockPinger{}}, {Name: "redis", Pinger: &mockPinger{pingErr: errors.New("dial tcp: refused")}}},
			want:   healthgrpc.HealthCheckResponse_NOT_SERVING,
		},
		{
			name:   "nil pinger skipped",
			checks: []Check{{Name: "postgres"}},
			want:   healthgrpc.HealthCheckResponse_SERVING,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := NewServer(tt.checks...).Check(context.Background(), &healthgrpc.HealthCheckRequest{Service: ServiceName})
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if resp.GetStatus() != tt.want {
				t.Errorf("status = %v, want %v", resp.GetStatus(), tt.want)
			}
		})
	}
}

func TestCheck_UnknownService(t *testing.T) {
	_, err := NewServer().Check(context.Background(), &healthgrpc.HealthCheckRequest{Service: "billing"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("code = %v, want NotFound", status.Code(err))
	}
}

func TestReady_NamesFailingDependency(t *testing.T) {
	srv := NewServer(Check{Name: "redis", Pinger: &mockPinger{pingErr: errors.New("timeout")}})
	err := srv.Ready(context.Background())
	if err == nil || !strings.Contains(err.Error(), "redis: timeout") {
		t.Errorf("Ready = %v, want error naming redis", err)
	}
}
