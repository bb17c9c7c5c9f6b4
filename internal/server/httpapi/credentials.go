package httpapi

import (
	"net"
	"net/http"
	"strings"

	"sessionguard/internal/authn"
)

const bearerPrefix = "bearer "

// CredentialConfig names where credentials are read from and written to.
type CredentialConfig struct {
	AccessCookie  string
	RefreshCookie string
	AccessHeader  string
	RefreshHeader string
	// AllowQuery accepts ?access_token= as the last resort.
	AllowQuery bool
	// SecureCookies sets the Secure attribute on issued cookies.
	SecureCookies bool
	// TrustProxy takes the client IP from X-Forwarded-For or X-Real-IP. Enable only behind a
	// proxy that overwrites those headers; otherwise any client can pick its own IP.
	TrustProxy bool
}

func (c CredentialConfig) withDefaults() CredentialConfig {
	if c.AccessCookie == "" {
		c.AccessCookie = "access_token"
	}
	if c.RefreshCookie == "" {
		c.RefreshCookie = "refresh_token"
	}
	if c.AccessHeader == "" {
		c.AccessHeader = "X-Access-Token"
	}
	if c.RefreshHeader == "" {
		c.RefreshHeader = "X-Refresh-Token"
	}
	return c
}

// extractRequest reads the credentials and client details of r. Access credentials are taken
// from the first source present: Authorization bearer, cookie, custom header, query.
func extractRequest(r *http.Request, cfg CredentialConfig) authn.Request {
	req := authn.Request{
		IPAddress: clientIP(r, cfg.TrustProxy),
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		Path:      r.URL.Path,
	}
	req.AccessToken, req.AccessSource = accessCredential(r, cfg)
	req.RefreshToken, req.RefreshSource = refreshCredential(r, cfg)
	return req
}

func accessCredential(r *http.Request, cfg CredentialConfig) (string, authn.Source) {
	if v := bearer(r); v != "" {
		return v, authn.SourceBearer
	}
	if v := cookieValue(r, cfg.AccessCookie); v != "" {
		return v, authn.SourceCookie
	}
	if v := strings.TrimSpace(r.Header.Get(cfg.AccessHeader)); v != "" {
		return v, authn.SourceHeader
	}
	if cfg.AllowQuery {
		if v := r.URL.Query().Get("access_token"); v != "" {
			return v, authn.SourceQuery
		}
	}
	return "", ""
}

func refreshCredential(r *http.Request, cfg CredentialConfig) (string, authn.Source) {
	if v := cookieValue(r, cfg.RefreshCookie); v != "" {
		return v, authn.SourceCookie
	}
	if v := strings.TrimSpace(r.Header.Get(cfg.RefreshHeader)); v != "" {
		return v, authn.SourceHeader
	}
	return "", ""
}

func bearer(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < len(bearerPrefix) || !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// clientIP returns the peer address. With trustProxy it prefers the first X-Forwarded-For hop,
// then X-Real-IP.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if v := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); v != "" {
			if i := strings.Index(v, ","); i > 0 {
				v = strings.TrimSpace(v[:i])
			}
			return v
		}
		if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
			return v
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
