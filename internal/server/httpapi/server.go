// Package httpapi is the HTTP transport: credential extraction, advisory headers and the
// session endpoints, routed with gorilla/mux.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"sessionguard/internal/authn"
	"sessionguard/internal/identity/service"
	"sessionguard/internal/ratelimit"
)

// Authenticator is the subset of the auth service the session endpoints call.
type Authenticator interface {
	Login(ctx context.Context, email, password string, client service.Client) (*service.AuthResult, error)
	RotateTokens(ctx context.Context, refreshToken string) (*service.AuthResult, error)
	Logout(ctx context.Context, sessionID string) error
	RevokeUserSession(ctx context.Context, userID, sessionID string) error
	RevokeFamily(ctx context.Context, familyID string) ([]string, error)
}

// Readiness reports whether the backing stores answer.
type Readiness interface {
	Ready(ctx context.Context) error
}

// Deps wires the HTTP server. Validator and Auth are required.
type Deps struct {
	Validator *authn.Validator
	Auth      Authenticator
	// LoginLimiter bounds login attempts per client IP. Nil disables it.
	LoginLimiter *ratelimit.Limiter
	Health       Readiness
	// Metrics serves /metrics when set.
	Metrics     http.Handler
	Credentials CredentialConfig
	Logger      zerolog.Logger
	Clock       func() time.Time
}

// Server routes the session endpoints and hosts application routes behind Authenticate.
type Server struct {
	validator *authn.Validator
	auth      Authenticator
	login     *ratelimit.Limiter
	health    Readiness
	creds     CredentialConfig
	log       zerolog.Logger
	now       func() time.Time
	router    *mux.Router
	api       *mux.Router
}

// NewServer builds the router:
//
//	POST /auth/login    public, limited per client IP
//	POST /auth/refresh  public
//	POST /auth/logout   authenticated
//	GET  /auth/session  authenticated
//	POST /auth/sessions/{id}/revoke  authenticated, own sessions only
//	POST /auth/family/revoke         authenticated, the caller's token family
//	GET  /healthz, /metrics
//	/api/...            authenticated application routes, see API
func NewServer(d Deps) *Server {
	s := &Server{
		validator: d.Validator,
		auth:      d.Auth,
		login:     d.LoginLimiter,
		health:    d.Health,
		creds:     d.Credentials.withDefaults(),
		log:       d.Logger,
		now:       d.Clock,
	}
	if s.now == nil {
		s.now = time.Now
	}

	r := mux.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(s.Logging)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics).Methods(http.MethodGet)
	}
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)

	authed := r.PathPrefix("/auth").Subrouter()
	authed.Use(s.Authenticate)
	authed.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	authed.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{id}/revoke", s.handleRevokeSession).Methods(http.MethodPost)
	authed.HandleFunc("/family/revoke", s.handleRevokeFamily).Methods(http.MethodPost)

	s.api = r.PathPrefix("/api").Subrouter()
	s.api.Use(s.Authenticate)
	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// API returns the /api subrouter; every route registered on it runs behind Authenticate.
func (s *Server) API() *mux.Router { return s.api }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ready(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("http: readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
