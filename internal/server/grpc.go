package server

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"sessionguard/internal/authn"
	healthhandler "sessionguard/internal/health/handler"
	"sessionguard/internal/server/interceptors"
	"sessionguard/internal/telemetry"
)

// HealthMethods are the full method names of the standard health service. They never require a credential.
var HealthMethods = []string{
	healthgrpc.Health_Check_FullMethodName,
	healthgrpc.Health_List_FullMethodName,
	healthgrpc.Health_Watch_FullMethodName,
}

// Deps holds the dependencies for the gRPC server.
type Deps struct {
	// Validator authenticates every non-public RPC. Required.
	Validator *authn.Validator
	// Health serves grpc.health.v1. If nil, the health service is not registered.
	Health *healthhandler.Server
	// Emitter receives one grpc_request event per RPC. If nil, no events are emitted.
	Emitter telemetry.EventEmitter
	// Services register application services behind the auth interceptor. Their methods require
	// a credential unless listed in PublicMethods.
	Services []func(grpc.ServiceRegistrar)
	// PublicMethods run without credentials in addition to HealthMethods.
	PublicMethods []string
	// TrustProxy takes the client IP from x-forwarded-for or x-real-ip metadata.
	TrustProxy bool
	Logger     zerolog.Logger
}

// NewGRPCServer returns a gRPC server with tracing, authentication and telemetry interceptors
// installed and the services from deps registered.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) *grpc.Server {
	public := publicMethods(deps.PublicMethods)
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.AuthUnary(deps.Validator, public, deps.TrustProxy, deps.Logger),
			interceptors.TelemetryUnary(deps.Emitter, public, deps.Logger),
		),
	}
	s := grpc.NewServer(append(base, opts...)...)
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers the gRPC services with the given registrar.
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	if deps.Health != nil {
		healthgrpc.RegisterHealthServer(s, deps.Health)
	}
	for _, register := range deps.Services {
		register(s)
	}
}

func publicMethods(extra []string) map[string]bool {
	m := make(map[string]bool, len(HealthMethods)+len(extra))
	for _, name := range HealthMethods {
		m[name] = true
	}
	for _, name := range extra {
		m[name] = true
	}
	return m
}
