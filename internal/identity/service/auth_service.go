package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sessionguard/internal/audit"
	auditdomain "sessionguard/internal/audit/domain"
	identitydomain "sessionguard/internal/identity/domain"
	"sessionguard/internal/security"
	sessiondomain "sessionguard/internal/session/domain"
	sessionrepo "sessionguard/internal/session/repository"
	userdomain "sessionguard/internal/user/domain"
)

// Sentinel errors for the auth service; transports map them to status codes.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrCompromisedFamily   = errors.New("refresh token reuse detected; token family revoked")
	ErrSessionMissing      = errors.New("session not found")
	ErrSessionRevoked      = errors.New("session revoked")
)

// Client describes where a login or rotation came from.
type Client struct {
	IPAddress string
	UserAgent string
}

// AuthResult holds the credentials minted by Login, StartSession or RotateTokens.
type AuthResult struct {
	AccessToken  string
	RefreshToken string
	Access       *security.AccessClaims
	Refresh      *security.RefreshClaims
	Session      *sessiondomain.Session
	User         *userdomain.User
}

// UserRepo is the minimal user directory needed by the auth service.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
}

// IdentityRepo is the minimal identity repository needed by the auth service.
type IdentityRepo interface {
	GetByUserAndProvider(ctx context.Context, userID string, provider identitydomain.IdentityProvider) (*identitydomain.Identity, error)
	UpdatePasswordHash(ctx context.Context, id string, passwordHash string) error
}

// AuthService issues, rotates and revokes session credentials.
type AuthService struct {
	users      UserRepo
	identities IdentityRepo
	sessions   sessionrepo.Store
	hasher     *security.Hasher
	tokens     *security.TokenProvider
	sessionTTL time.Duration
	audit      audit.AuditLogger
	log        zerolog.Logger
	now        func() time.Time
	scope      []string
}

// Option configures an AuthService.
type Option func(*AuthService)

// WithAuditLogger records lifecycle events to a.
func WithAuditLogger(a audit.AuditLogger) Option {
	return func(s *AuthService) { s.audit = a }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *AuthService) { s.log = l }
}

// WithClock overrides time.Now. It should match the token provider's clock.
func WithClock(now func() time.Time) Option {
	return func(s *AuthService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDefaultScope sets the scope minted into access tokens at login.
func WithDefaultScope(scope ...string) Option {
	return func(s *AuthService) { s.scope = scope }
}

// NewAuthService returns an AuthService with the given dependencies. sessionTTL bounds both the
// session record and its token family.
func NewAuthService(
	users UserRepo,
	identities IdentityRepo,
	sessions sessionrepo.Store,
	hasher *security.Hasher,
	tokens *security.TokenProvider,
	sessionTTL time.Duration,
	opts ...Option,
) *AuthService {
	s := &AuthService{
		users:      users,
		identities: identities,
		sessions:   sessions,
		hasher:     hasher,
		tokens:     tokens,
		sessionTTL: sessionTTL,
		log:        zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tokens exposes the provider so transports and the validator share one signer.
func (s *AuthService) Tokens() *security.TokenProvider { return s.tokens }

// Login verifies email and password against the local identity and starts a session.
func (s *AuthService) Login(ctx context.Context, email, password string, client Client) (*AuthResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !user.Active() {
		return nil, ErrInvalidCredentials
	}
	ident, err := s.identities.GetByUserAndProvider(ctx, user.ID, identitydomain.IdentityProviderLocal)
	if err != nil {
		return nil, err
	}
	if ident == nil || ident.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if !s.hasher.Matches(ident.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	s.upgradePasswordHash(ctx, ident, password)
	return s.StartSession(ctx, user, client, s.scope)
}

// upgradePasswordHash rehashes the password when the stored hash uses another bcrypt cost.
// Failures are logged; the login proceeds.
func (s *AuthService) upgradePasswordHash(ctx context.Context, ident *identitydomain.Identity, password string) {
	if !s.hasher.NeedsRehash(ident.PasswordHash) {
		return
	}
	hash, err := s.hasher.Hash(password)
	if err == nil {
		err = s.identities.UpdatePasswordHash(ctx, ident.ID, hash)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", ident.UserID).Msg("auth: password rehash failed")
	}
}

// StartSession creates a new token family and session record for user and mints the first pair.
func (s *AuthService) StartSession(ctx context.Context, user *userdomain.User, client Client, scope []string) (*AuthResult, error) {
	now := s.now().UTC()
	sessionID := uuid.New().String()
	familyID := uuid.New().String()

	refresh, refreshClaims, err := s.tokens.MintRefresh(user.ID, sessionID, familyID)
	if err != nil {
		return nil, err
	}
	access, accessClaims, err := s.tokens.MintAccess(user.ID, user.Email, sessionID, scope)
	if err != nil {
		return nil, err
	}

	family := &sessiondomain.Family{
		ID:         familyID,
		UserID:     user.ID,
		CurrentJTI: refreshClaims.ID,
		TokenHash:  security.Fingerprint(refresh),
		CreatedAt:  now,
		RotatedAt:  now,
		ExpiresAt:  now.Add(s.sessionTTL),
	}
	if err := s.sessions.CreateFamily(ctx, family); err != nil {
		return nil, fmt.Errorf("create token family: %w", err)
	}
	sess := &sessiondomain.Session{
		ID:           sessionID,
		UserID:       user.ID,
		FamilyID:     familyID,
		IPAddress:    client.IPAddress,
		UserAgent:    client.UserAgent,
		Status:       sessiondomain.StatusActive,
		CreatedAt:    now,
		LastAccessAt: now,
	}
	if err := s.sessions.Create(ctx, sess, s.sessionTTL); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.record(ctx, user.ID, sessionID, auditdomain.ActionLogin, map[string]any{"family_id": familyID, "user_agent": client.UserAgent})
	return &AuthResult{
		AccessToken:  access,
		RefreshToken: refresh,
		Access:       accessClaims,
		Refresh:      refreshClaims,
		Session:      sess,
		User:         user,
	}, nil
}

// RotateTokens exchanges a refresh token for a new pair in the same family. Presenting a refresh
// token the family has already moved past revokes every session of the family and returns
// ErrCompromisedFamily. Concurrent rotations of the current token are not serialized: each may
// succeed, the last AdvanceFamily wins, and the other caller's next rotation is treated as reuse.
func (s *AuthService) RotateTokens(ctx context.Context, refreshToken string) (*AuthResult, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}
	claims, err := s.tokens.ValidateRefresh(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRefreshToken, err)
	}

	family, err := s.sessions.GetFamily(ctx, claims.FamilyID)
	if err != nil {
		return nil, fmt.Errorf("load token family: %w", err)
	}
	if family == nil {
		return nil, ErrSessionMissing
	}
	if family.UserID != claims.Subject {
		return nil, ErrInvalidRefreshToken
	}
	if family.Revoked {
		return nil, ErrCompromisedFamily
	}
	if claims.ID != family.CurrentJTI {
		s.revokeOnReuse(ctx, claims, family)
		return nil, ErrCompromisedFamily
	}
	if !security.FingerprintMatches(refreshToken, family.TokenHash) {
		return nil, ErrInvalidRefreshToken
	}

	sess, err := s.sessions.Get(ctx, claims.SessionID)
	if errors.Is(err, sessionrepo.ErrRevoked) {
		return nil, ErrSessionRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionMissing
	}
	if sess.FamilyID != family.ID || sess.UserID != claims.Subject {
		return nil, ErrInvalidRefreshToken
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !user.Active() {
		return nil, ErrInvalidRefreshToken
	}

	refresh, refreshClaims, err := s.tokens.MintRefresh(user.ID, sess.ID, family.ID)
	if err != nil {
		return nil, err
	}
	access, accessClaims, err := s.tokens.MintAccess(user.ID, user.Email, sess.ID, s.scope)
	if err != nil {
		return nil, err
	}
	err = s.sessions.AdvanceFamily(ctx, family.ID, refreshClaims.ID, security.Fingerprint(refresh), s.now().UTC())
	if errors.Is(err, sessionrepo.ErrNotFound) {
		return nil, ErrSessionMissing
	}
	if err != nil {
		return nil, fmt.Errorf("advance token family: %w", err)
	}

	s.record(ctx, user.ID, sess.ID, auditdomain.ActionRotate, map[string]any{"family_id": family.ID})
	return &AuthResult{
		AccessToken:  access,
		RefreshToken: refresh,
		Access:       accessClaims,
		Refresh:      refreshClaims,
		Session:      sess,
		User:         user,
	}, nil
}

func (s *AuthService) revokeOnReuse(ctx context.Context, claims *security.RefreshClaims, family *sessiondomain.Family) {
	ids, err := s.sessions.RevokeFamily(ctx, family.ID)
	if err != nil {
		s.log.Error().Err(err).Str("family_id", family.ID).Msg("auth: failed to revoke family after refresh reuse")
	}
	s.log.Warn().
		Str("family_id", family.ID).
		Str("user_id", claims.Subject).
		Strs("revoked_sessions", ids).
		Msg("auth: refresh token reuse detected")
	s.record(ctx, claims.Subject, claims.SessionID, auditdomain.ActionReuseDetected, map[string]any{
		"family_id":        family.ID,
		"presented_jti":    claims.ID,
		"revoked_sessions": ids,
	})
}

// Logout deletes the session record. Logging out of an unknown session is a no-op.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil && !errors.Is(err, sessionrepo.ErrRevoked) {
		return fmt.Errorf("load session: %w", err)
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if sess != nil {
		s.record(ctx, sess.UserID, sessionID, auditdomain.ActionLogout, nil)
	}
	return nil
}

// RevokeSession marks one session revoked; it stays unusable until it expires. Revoking an
// already revoked session is a no-op.
func (s *AuthService) RevokeSession(ctx context.Context, sessionID string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, sessionrepo.ErrRevoked) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return ErrSessionMissing
	}
	return s.revokeSession(ctx, sess)
}

// RevokeUserSession revokes sessionID only when it belongs to userID. A session owned by
// someone else is reported as ErrSessionMissing.
func (s *AuthService) RevokeUserSession(ctx context.Context, userID, sessionID string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, sessionrepo.ErrRevoked) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil || sess.UserID != userID {
		return ErrSessionMissing
	}
	return s.revokeSession(ctx, sess)
}

func (s *AuthService) revokeSession(ctx context.Context, sess *sessiondomain.Session) error {
	revoked := sessiondomain.StatusRevoked
	err := s.sessions.Update(ctx, sess.ID, sessiondomain.Patch{Status: &revoked})
	if errors.Is(err, sessionrepo.ErrNotFound) {
		return ErrSessionMissing
	}
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.record(ctx, sess.UserID, sess.ID, auditdomain.ActionRevoke, map[string]any{"family_id": sess.FamilyID})
	return nil
}

// RevokeFamily revokes the family and every session minted from it.
func (s *AuthService) RevokeFamily(ctx context.Context, familyID string) ([]string, error) {
	family, err := s.sessions.GetFamily(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("load token family: %w", err)
	}
	if family == nil {
		return nil, ErrSessionMissing
	}
	ids, err := s.sessions.RevokeFamily(ctx, familyID)
	if errors.Is(err, sessionrepo.ErrNotFound) {
		return nil, ErrSessionMissing
	}
	if err != nil {
		return nil, fmt.Errorf("revoke family: %w", err)
	}
	s.record(ctx, family.UserID, "", auditdomain.ActionRevoke, map[string]any{"family_id": familyID, "revoked_sessions": ids})
	return ids, nil
}

func (s *AuthService) record(ctx context.Context, userID, sessionID, action string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	var metadata string
	if meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			metadata = string(b)
		}
	}
	s.audit.LogEvent(ctx, userID, sessionID, action, metadata)
}
