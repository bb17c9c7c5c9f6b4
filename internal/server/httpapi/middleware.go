package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"sessionguard/internal/authn"
	"sessionguard/internal/monitor"
)

// Authenticate runs the validator for every request. Rejections are rendered as the error
// payload; accepted requests reach next with the principal in their context, and activity is
// recorded once next returns.
func (s *Server) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		req := extractRequest(r, s.creds)
		res, err := s.validator.Validate(r.Context(), req)
		if res != nil {
			s.writeAdvisories(w, req, res)
		}
		if err != nil {
			writeError(w, s.log, err, s.now())
			return
		}

		ctx := authn.WithClientIP(r.Context(), req.IPAddress)
		if res.Principal != nil {
			ctx = authn.WithPrincipal(ctx, res.Principal)
		}
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))
		s.validator.Complete(req, res, authn.Completion{Status: rw.statusCode, Duration: time.Since(start)})
	})
}

// writeAdvisories sets the response annotations of res. New credentials are also written as
// cookies when the client sent its credentials as cookies.
func (s *Server) writeAdvisories(w http.ResponseWriter, req authn.Request, res *authn.Result) {
	h := w.Header()
	a := res.Advisories
	if res.Principal != nil {
		h.Set("X-Token-Expires-In", strconv.Itoa(int(a.ExpiresIn.Seconds())))
	}
	if a.RefreshRequired {
		h.Set("X-Refresh-Required", "true")
	}
	if a.NewAccessToken != "" {
		h.Set("X-New-Access-Token", a.NewAccessToken)
		h.Set("X-New-Refresh-Token", a.NewRefreshToken)
		if req.AccessSource == authn.SourceCookie || req.RefreshSource == authn.SourceCookie {
			accessExp := s.now().Add(a.ExpiresIn)
			if res.Principal != nil && res.Principal.Claims != nil && res.Principal.Claims.ExpiresAt != nil {
				accessExp = res.Principal.Claims.ExpiresAt.Time
			}
			s.setTokenCookies(w, a.NewAccessToken, accessExp, a.NewRefreshToken, a.NewRefreshExpiresAt)
		}
	}
	if rl := a.RateLimit; rl != nil {
		h.Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
	}
	if len(a.Suspicious) > 0 {
		h.Set("X-Suspicious-Activity", monitor.Join(a.Suspicious))
	}
}

func (s *Server) setTokenCookies(w http.ResponseWriter, access string, accessExp time.Time, refresh string, refreshExp time.Time) {
	http.SetCookie(w, s.cookie(s.creds.AccessCookie, access, accessExp))
	if refresh != "" {
		http.SetCookie(w, s.cookie(s.creds.RefreshCookie, refresh, refreshExp))
	}
}

func (s *Server) clearTokenCookies(w http.ResponseWriter) {
	for _, name := range []string{s.creds.AccessCookie, s.creds.RefreshCookie} {
		c := s.cookie(name, "", time.Time{})
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

func (s *Server) cookie(name, value string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.creds.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if !expires.IsZero() {
		c.Expires = expires
		c.MaxAge = int(expires.Sub(s.now()).Seconds())
	}
	return c
}

// SecurityHeaders sets the standard hardening headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// Logging logs one line per request.
func (s *Server) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("ip", clientIP(r, s.creds.TrustProxy)).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
