package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed, badly signed, or issued for another audience.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when a well-formed token is past its exp. The decoded claims are returned with it.
	ErrTokenExpired = errors.New("token expired")
)

const (
	tokenUseAccess  = "access"
	tokenUseRefresh = "refresh"
)

// AccessClaims holds JWT claims for the access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Email     string   `json:"email,omitempty"`
	Scope     []string `json:"scope,omitempty"`
	SessionID string   `json:"session_id"`
	TokenUse  string   `json:"token_use"`
}

// RefreshClaims holds JWT claims for the refresh token. ID is the jti compared against the family's current jti.
type RefreshClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
	FamilyID  string `json:"family_id"`
	TokenUse  string `json:"token_use"`
}

// ExpiresIn returns the time left until exp relative to now; negative once expired.
func (c *AccessClaims) ExpiresIn(now time.Time) time.Duration {
	if c == nil || c.ExpiresAt == nil {
		return 0
	}
	return c.ExpiresAt.Time.Sub(now)
}

// TokenProvider mints and validates access and refresh JWTs with one signing algorithm
// (HS256, RS256 or ES256). Tokens signed with any other algorithm are rejected.
type TokenProvider struct {
	method     jwt.SigningMethod
	signKey    any
	verifyKey  any
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Option configures a TokenProvider.
type Option func(*TokenProvider)

// WithClock sets the time source used for iat/exp and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(p *TokenProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewTokenProvider returns a TokenProvider that signs with the given private key. The algorithm
// follows the key type: RSA keys sign RS256, ECDSA keys sign ES256.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL, refreshTTL time.Duration, opts ...Option) (*TokenProvider, error) {
	if privateKey == nil || publicKey == nil {
		return nil, ErrInvalidKey
	}
	var method jwt.SigningMethod
	switch privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return nil, ErrInvalidKey
	}
	if KeyAlg(publicKey) != method.Alg() {
		return nil, fmt.Errorf("%w: public key does not match %s private key", ErrInvalidKey, method.Alg())
	}
	return newProvider(method, privateKey, publicKey, issuer, audience, accessTTL, refreshTTL, opts), nil
}

// NewHMACTokenProvider returns a TokenProvider that signs HS256 with a shared secret.
func NewHMACTokenProvider(secret []byte, issuer, audience string, accessTTL, refreshTTL time.Duration, opts ...Option) (*TokenProvider, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidKey
	}
	return newProvider(jwt.SigningMethodHS256, secret, secret, issuer, audience, accessTTL, refreshTTL, opts), nil
}

func newProvider(method jwt.SigningMethod, signKey, verifyKey any, issuer, audience string, accessTTL, refreshTTL time.Duration, opts []Option) *TokenProvider {
	p := &TokenProvider{
		method:     method,
		signKey:    signKey,
		verifyKey:  verifyKey,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Alg returns the JWT alg this provider signs and accepts.
func (p *TokenProvider) Alg() string { return p.method.Alg() }

func (p *TokenProvider) AccessTTL() time.Duration  { return p.accessTTL }
func (p *TokenProvider) RefreshTTL() time.Duration { return p.refreshTTL }

// MintAccess issues a short-lived access JWT for the given user and session.
func (p *TokenProvider) MintAccess(userID, email, sessionID string, scope []string) (string, *AccessClaims, error) {
	reg, err := p.registered(userID, p.accessTTL)
	if err != nil {
		return "", nil, err
	}
	claims := &AccessClaims{
		RegisteredClaims: reg,
		Email:            email,
		Scope:            scope,
		SessionID:        sessionID,
		TokenUse:         tokenUseAccess,
	}
	token, err := p.sign(claims)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

// MintRefresh issues a long-lived refresh JWT bound to a session and token family.
// The returned claims' ID is the jti the caller records as the family's current jti.
func (p *TokenProvider) MintRefresh(userID, sessionID, familyID string) (string, *RefreshClaims, error) {
	reg, err := p.registered(userID, p.refreshTTL)
	if err != nil {
		return "", nil, err
	}
	claims := &RefreshClaims{
		RegisteredClaims: reg,
		SessionID:        sessionID,
		FamilyID:         familyID,
		TokenUse:         tokenUseRefresh,
	}
	token, err := p.sign(claims)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

func (p *TokenProvider) registered(userID string, ttl time.Duration) (jwt.RegisteredClaims, error) {
	jti, err := generateJTI()
	if err != nil {
		return jwt.RegisteredClaims{}, err
	}
	now := p.now().UTC()
	return jwt.RegisteredClaims{
		ID:        jti,
		Subject:   userID,
		Issuer:    p.issuer,
		Audience:  jwt.ClaimStrings{p.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}, nil
}

func (p *TokenProvider) sign(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(p.method, claims).SignedString(p.signKey)
}

// ValidateAccess parses and validates an access token. It returns ErrTokenExpired together
// with the claims when only exp has passed, and ErrInvalidToken for every other failure.
func (p *TokenProvider) ValidateAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := p.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.TokenUse != tokenUseAccess || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	if err := p.checkRegistered(&claims.RegisteredClaims); err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return claims, err
		}
		return nil, err
	}
	return claims, nil
}

// ValidateRefresh parses and validates a refresh token with the same error contract as ValidateAccess.
func (p *TokenProvider) ValidateRefresh(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := p.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.TokenUse != tokenUseRefresh || claims.SessionID == "" || claims.FamilyID == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	if err := p.checkRegistered(&claims.RegisteredClaims); err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return claims, err
		}
		return nil, err
	}
	return claims, nil
}

// parse verifies the signature and algorithm only; time-based checks run in checkRegistered
// against the provider clock.
func (p *TokenProvider) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return p.verifyKey, nil
	}, jwt.WithValidMethods([]string{p.method.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

func (p *TokenProvider) checkRegistered(c *jwt.RegisteredClaims) error {
	if c.Issuer != p.issuer || c.Subject == "" {
		return ErrInvalidToken
	}
	audOk := false
	for _, a := range c.Audience {
		if a == p.audience {
			audOk = true
			break
		}
	}
	if !audOk {
		return ErrInvalidToken
	}
	if c.ExpiresAt == nil {
		return ErrInvalidToken
	}
	if !p.now().Before(c.ExpiresAt.Time) {
		return ErrTokenExpired
	}
	return nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
