package interceptors

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// ClientIP returns the peer address, or "unknown". With trustProxy it prefers the x-forwarded-for
// (first hop) and x-real-ip metadata set by a fronting proxy.
func ClientIP(ctx context.Context, trustProxy bool) string {
	if trustProxy {
		if v := firstMetadata(ctx, "x-forwarded-for"); v != "" {
			if i := strings.Index(v, ","); i > 0 {
				v = strings.TrimSpace(v[:i])
			}
			return v
		}
		if v := firstMetadata(ctx, "x-real-ip"); v != "" {
			return v
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}

// UserAgent returns the user-agent metadata value, or "".
func UserAgent(ctx context.Context) string {
	return firstMetadata(ctx, "user-agent")
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(key)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}
