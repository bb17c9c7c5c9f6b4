package interceptors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"sessionguard/internal/authn"
	"sessionguard/internal/telemetry"
	"sessionguard/internal/telemetry/domain"
)

// EventGRPCRequest is the event type emitted once per RPC.
const EventGRPCRequest = "grpc_request"

// grpcRequestMetadata is the JSON shape stored in Event.Metadata for grpc_request events.
type grpcRequestMetadata struct {
	FullMethod string `json:"full_method"`
	StatusCode string `json:"status_code"`
	DurationMs int64  `json:"duration_ms"`
	ClientIP   string `json:"client_ip"`
}

// TelemetryUnary returns a unary server interceptor that emits a telemetry event after each RPC.
// Best-effort: failures are logged and do not fail the RPC. If emitter is nil, the interceptor no-ops.
// It must run inside AuthUnary to see the principal and the resolved client IP.
func TelemetryUnary(emitter telemetry.EventEmitter, skipMethods map[string]bool, log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if emitter == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		metaJSON, _ := json.Marshal(grpcRequestMetadata{
			FullMethod: info.FullMethod,
			StatusCode: status.Code(err).String(),
			DurationMs: time.Since(start).Milliseconds(),
			ClientIP:   requestIP(ctx),
		})
		event := &domain.Event{
			EventType: EventGRPCRequest,
			Source:    "grpc_interceptor",
			Metadata:  metaJSON,
			CreatedAt: time.Now().UTC(),
		}
		if p, ok := authn.PrincipalFrom(ctx); ok {
			event.UserID = p.UserID
			event.SessionID = p.SessionID
		}
		telemetry.EmitAsync(emitter, log, event)
		return resp, err
	}
}

func requestIP(ctx context.Context) string {
	if ip := authn.ClientIPFromContext(ctx); ip != "" {
		return ip
	}
	return ClientIP(ctx, false)
}
