package interceptors

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"sessionguard/internal/authn"
	"sessionguard/internal/monitor"
)

const bearerPrefix = "bearer "

// Metadata keys read and written by AuthUnary.
const (
	accessTokenKey  = "x-access-token"
	refreshTokenKey = "x-refresh-token"
)

// AuthUnary returns a unary server interceptor that runs the validator over the request
// metadata and stores the principal in the context of protected RPCs. publicMethods are the
// full method names that run without credentials; a credential sent to one is still validated,
// and the RPC proceeds anonymously when it fails. trustProxy is passed to ClientIP.
func AuthUnary(v *authn.Validator, publicMethods map[string]bool, trustProxy bool, log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		areq := extractRequest(ctx, info.FullMethod, trustProxy)
		ctx = authn.WithClientIP(ctx, areq.IPAddress)
		public := publicMethods[info.FullMethod]
		if public && areq.AccessToken == "" {
			return handler(ctx, req)
		}

		res, err := v.Validate(ctx, areq)
		if res != nil {
			if herr := grpc.SetHeader(ctx, advisoryMetadata(res)); herr != nil {
				log.Debug().Err(herr).Str("method", info.FullMethod).Msg("grpc: advisory headers not sent")
			}
		}
		if err != nil {
			if public {
				return handler(ctx, req)
			}
			return nil, statusFromError(err)
		}

		if res.Principal != nil {
			ctx = authn.WithPrincipal(ctx, res.Principal)
		}
		resp, herr := handler(ctx, req)
		v.Complete(areq, res, authn.Completion{Status: int(status.Code(herr)), Duration: time.Since(start)})
		return resp, herr
	}
}

// extractRequest reads the credentials from metadata: authorization bearer first, then
// x-access-token. The refresh credential comes from x-refresh-token.
func extractRequest(ctx context.Context, fullMethod string, trustProxy bool) authn.Request {
	req := authn.Request{
		IPAddress: ClientIP(ctx, trustProxy),
		UserAgent: UserAgent(ctx),
		Method:    "grpc",
		Path:      fullMethod,
	}
	if tok := extractBearer(ctx); tok != "" {
		req.AccessToken, req.AccessSource = tok, authn.SourceBearer
	} else if tok := firstMetadata(ctx, accessTokenKey); tok != "" {
		req.AccessToken, req.AccessSource = tok, authn.SourceHeader
	}
	if tok := firstMetadata(ctx, refreshTokenKey); tok != "" {
		req.RefreshToken, req.RefreshSource = tok, authn.SourceHeader
	}
	return req
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	v := firstMetadata(ctx, "authorization")
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}

func advisoryMetadata(res *authn.Result) metadata.MD {
	md := metadata.MD{}
	a := res.Advisories
	if res.Principal != nil {
		md.Set("x-token-expires-in", strconv.Itoa(int(a.ExpiresIn.Seconds())))
	}
	if a.RefreshRequired {
		md.Set("x-refresh-required", "true")
	}
	if a.NewAccessToken != "" {
		md.Set("x-new-access-token", a.NewAccessToken)
		md.Set("x-new-refresh-token", a.NewRefreshToken)
	}
	if rl := a.RateLimit; rl != nil {
		md.Set("x-ratelimit-limit", strconv.Itoa(rl.Limit))
		md.Set("x-ratelimit-remaining", strconv.Itoa(rl.Remaining))
		md.Set("x-ratelimit-reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
		if rl.RetryAfter > 0 {
			md.Set("retry-after", strconv.Itoa(int((rl.RetryAfter+time.Second-1)/time.Second)))
		}
	}
	if len(a.Suspicious) > 0 {
		md.Set("x-suspicious-activity", monitor.Join(a.Suspicious))
	}
	return md
}

// statusFromError maps a validator rejection to a gRPC status carrying only the generic message.
func statusFromError(err error) error {
	var aerr *authn.Error
	if !errors.As(err, &aerr) {
		return status.Error(codes.Internal, "internal error")
	}
	code := codes.Unauthenticated
	switch aerr.Code {
	case authn.CodeRateLimitExceeded:
		code = codes.ResourceExhausted
	case authn.CodeStoreUnavailable:
		code = codes.Unavailable
	case authn.CodeInternal:
		code = codes.Internal
	}
	return status.Error(code, string(aerr.Code)+": "+aerr.Message)
}
