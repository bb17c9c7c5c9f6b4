package authn

import (
	"context"

	"sessionguard/internal/security"
	sessiondomain "sessionguard/internal/session/domain"
)

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	UserID    string
	Email     string
	Scope     []string
	SessionID string
	Claims    *security.AccessClaims
	Session   *sessiondomain.Session
}

type ctxKey int

const (
	principalKey ctxKey = iota
	clientIPKey
)

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the principal set by the transport, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

// SessionIDFrom returns the authenticated session id.
func SessionIDFrom(ctx context.Context) (string, bool) {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return "", false
	}
	return p.SessionID, true
}

// WithClientIP records the caller address for audit entries written further down the call chain.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIPFromContext returns the address stored by WithClientIP, or "".
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}
