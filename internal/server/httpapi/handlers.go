package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"sessionguard/internal/authn"
	"sessionguard/internal/identity/service"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresAt string `json:"refresh_expires_at"`
	SessionID        string `json:"session_id"`
	UserID           string `json:"user_id"`
}

type sessionResponse struct {
	SessionID      string   `json:"session_id"`
	UserID         string   `json:"user_id"`
	Email          string   `json:"email,omitempty"`
	Scope          []string `json:"scope,omitempty"`
	Suspicious     bool     `json:"suspicious"`
	CreatedAt      string   `json:"created_at"`
	LastAccessAt   string   `json:"last_access_at"`
	ExpiresAt      string   `json:"expires_at"`
	TokenExpiresIn int      `json:"token_expires_in"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, s.creds.TrustProxy)
	if s.login != nil {
		d, err := s.login.Allow(r.Context(), "login:"+ip)
		switch {
		case err != nil && s.validator.Options().RateLimitFailOpen:
			s.log.Error().Err(err).Str("ip", ip).Msg("http: login limiter unavailable, continuing without limit")
		case err != nil:
			writeError(w, s.log, authn.NewError(authn.CodeStoreUnavailable, err), s.now())
			return
		default:
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				s.log.Warn().Str("ip", ip).Msg("http: login rate limit exceeded")
				e := authn.NewError(authn.CodeRateLimitExceeded, nil)
				e.RetryAfter = d.RetryAfter
				writeError(w, s.log, e, s.now())
				return
			}
		}
	}

	var body loginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Email) == "" || body.Password == "" {
		s.writeBadRequest(w, "email and password are required")
		return
	}
	ctx := authn.WithClientIP(r.Context(), ip)
	res, err := s.auth.Login(ctx, body.Email, body.Password, service.Client{IPAddress: ip, UserAgent: r.UserAgent()})
	if errors.Is(err, service.ErrInvalidCredentials) {
		writeError(w, s.log, authn.NewError(authn.CodeInvalidCredentials, err), s.now())
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("ip", ip).Msg("http: login failed")
		writeError(w, s.log, authn.NewError(authn.CodeInternal, err), s.now())
		return
	}
	s.writeTokens(w, res)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, _ := refreshCredential(r, s.creds)
	if token == "" {
		var body refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			token = body.RefreshToken
		}
	}
	if token == "" {
		writeError(w, s.log, authn.NewError(authn.CodeCredentialMissing, nil), s.now())
		return
	}
	ctx := authn.WithClientIP(r.Context(), clientIP(r, s.creds.TrustProxy))
	res, err := s.auth.RotateTokens(ctx, token)
	if err != nil {
		e := authn.RotationError(err)
		if e.Code == authn.CodeCompromisedFamily {
			s.clearTokenCookies(w)
		}
		writeError(w, s.log, e, s.now())
		return
	}
	s.writeTokens(w, res)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := authn.SessionIDFrom(r.Context())
	if !ok {
		writeError(w, s.log, authn.NewError(authn.CodeCredentialMissing, nil), s.now())
		return
	}
	if err := s.auth.Logout(r.Context(), sessionID); err != nil {
		writeError(w, s.log, authn.NewError(authn.CodeStoreUnavailable, err), s.now())
		return
	}
	s.clearTokenCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

type revokeFamilyResponse struct {
	FamilyID        string   `json:"family_id"`
	RevokedSessions []string `json:"revoked_sessions"`
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, s.log, authn.NewError(authn.CodeCredentialMissing, nil), s.now())
		return
	}
	target := mux.Vars(r)["id"]
	err := s.auth.RevokeUserSession(r.Context(), p.UserID, target)
	if errors.Is(err, service.ErrSessionMissing) {
		s.writeNotFound(w, "session not found")
		return
	}
	if err != nil {
		writeError(w, s.log, authn.NewError(authn.CodeStoreUnavailable, err), s.now())
		return
	}
	if target == p.SessionID {
		s.clearTokenCookies(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeFamily(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.PrincipalFrom(r.Context())
	if !ok || p.Session == nil {
		writeError(w, s.log, authn.NewError(authn.CodeCredentialMissing, nil), s.now())
		return
	}
	ids, err := s.auth.RevokeFamily(r.Context(), p.Session.FamilyID)
	if errors.Is(err, service.ErrSessionMissing) {
		s.writeNotFound(w, "token family not found")
		return
	}
	if err != nil {
		writeError(w, s.log, authn.NewError(authn.CodeStoreUnavailable, err), s.now())
		return
	}
	s.clearTokenCookies(w)
	writeJSON(w, http.StatusOK, revokeFamilyResponse{FamilyID: p.Session.FamilyID, RevokedSessions: ids})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.PrincipalFrom(r.Context())
	if !ok || p.Session == nil {
		writeError(w, s.log, authn.NewError(authn.CodeCredentialMissing, nil), s.now())
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:      p.SessionID,
		UserID:         p.UserID,
		Email:          p.Email,
		Scope:          p.Scope,
		Suspicious:     p.Session.Suspicious,
		CreatedAt:      p.Session.CreatedAt.UTC().Format(time.RFC3339),
		LastAccessAt:   p.Session.LastAccessAt.UTC().Format(time.RFC3339),
		ExpiresAt:      p.Session.ExpiresAt.UTC().Format(time.RFC3339),
		TokenExpiresIn: int(p.Claims.ExpiresIn(s.now()).Seconds()),
	})
}

func (s *Server) writeTokens(w http.ResponseWriter, res *service.AuthResult) {
	accessExp := res.Access.ExpiresAt.Time
	refreshExp := res.Refresh.ExpiresAt.Time
	s.setTokenCookies(w, res.AccessToken, accessExp, res.RefreshToken, refreshExp)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:      res.AccessToken,
		RefreshToken:     res.RefreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        int(accessExp.Sub(s.now()).Seconds()),
		RefreshExpiresAt: refreshExp.UTC().Format(time.RFC3339),
		SessionID:        res.Session.ID,
		UserID:           res.Session.UserID,
	})
}

func (s *Server) writeNotFound(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusNotFound, errorResponse{
		Error:     "NotFound",
		Message:   msg,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:     "BadRequest",
		Message:   msg,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}
