package security

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sessionguard/internal/platform/clock"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMintAccess_ClaimsRoundTrip(t *testing.T) {
	clk := clock.NewFake(epoch)
	for name, build := range map[string]func(func() time.Time) (*TokenProvider, error){
		"HS256": NewTestHMACTokenProvider,
		"RS256": NewTestTokenProvider,
	} {
		t.Run(name, func(t *testing.T) {
			p, err := build(clk.Now)
			if err != nil {
				t.Fatalf("provider: %v", err)
			}
			token, minted, err := p.MintAccess("u1", "u1@example.com", "s1", []string{"read", "write"})
			if err != nil {
				t.Fatalf("MintAccess: %v", err)
			}
			if strings.Count(token, ".") != 2 {
				t.Fatalf("token %q is not a three-part JWT", token)
			}

			got, err := p.ValidateAccess(token)
			if err != nil {
				t.Fatalf("ValidateAccess: %v", err)
			}
			if got.Subject != "u1" || got.Email != "u1@example.com" || got.SessionID != "s1" {
				t.Errorf("claims = %+v", got)
			}
			if strings.Join(got.Scope, ",") != "read,write" {
				t.Errorf("Scope = %v, want [read write]", got.Scope)
			}
			if got.ID != minted.ID || got.ID == "" {
				t.Errorf("jti = %q, want %q", got.ID, minted.ID)
			}
			if !got.IssuedAt.Time.Equal(epoch) {
				t.Errorf("iat = %v, want %v", got.IssuedAt.Time, epoch)
			}
			if !got.ExpiresAt.Time.Equal(epoch.Add(15 * time.Minute)) {
				t.Errorf("exp = %v, want %v", got.ExpiresAt.Time, epoch.Add(15*time.Minute))
			}
			if got.Issuer != "test-issuer" || len(got.Audience) != 1 || got.Audience[0] != "test-audience" {
				t.Errorf("iss/aud = %q/%v", got.Issuer, got.Audience)
			}
		})
	}
}

func TestMintRefresh_ClaimsRoundTrip(t *testing.T) {
	clk := clock.NewFake(epoch)
	p, err := NewTestHMACTokenProvider(clk.Now)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	token, minted, err := p.MintRefresh("u1", "s1", "f1")
	if err != nil {
		t.Fatalf("MintRefresh: %v", err)
	}
	got, err := p.ValidateRefresh(token)
	if err != nil {
		t.Fatalf("ValidateRefresh: %v", err)
	}
	if got.Subject != "u1" || got.SessionID != "s1" || got.FamilyID != "f1" || got.ID != minted.ID {
		t.Errorf("claims = %+v", got)
	}
	if !got.ExpiresAt.Time.Equal(epoch.Add(168 * time.Hour)) {
		t.Errorf("exp = %v, want %v", got.ExpiresAt.Time, epoch.Add(168*time.Hour))
	}

	_, second, err := p.MintRefresh("u1", "s1", "f1")
	if err != nil {
		t.Fatalf("MintRefresh: %v", err)
	}
	if second.ID == minted.ID {
		t.Error("each refresh token needs its own jti")
	}
}

func TestValidateAccess_ExpiredReturnsClaims(t *testing.T) {
	clk := clock.NewFake(epoch)
	p, _ := NewTestHMACTokenProvider(clk.Now)
	token, _, err := p.MintAccess("u1", "", "s1", nil)
	if err != nil {
		t.Fatalf("MintAccess: %v", err)
	}

	clk.Advance(15*time.Minute - time.Second)
	if _, err := p.ValidateAccess(token); err != nil {
		t.Fatalf("just before exp: %v", err)
	}

	clk.Advance(time.Second)
	claims, err := p.ValidateAccess(token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("at exp err = %v, want ErrTokenExpired", err)
	}
	if claims == nil || claims.SessionID != "s1" || claims.Subject != "u1" {
		t.Errorf("expired validation should still return claims, got %+v", claims)
	}
}

func TestValidateRefresh_Expired(t *testing.T) {
	clk := clock.NewFake(epoch)
	p, _ := NewTestHMACTokenProvider(clk.Now)
	token, _, _ := p.MintRefresh("u1", "s1", "f1")
	clk.Advance(169 * time.Hour)
	claims, err := p.ValidateRefresh(token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
	if claims == nil || claims.FamilyID != "f1" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestValidate_InvalidTokens(t *testing.T) {
	clk := clock.NewFake(epoch)
	p, _ := NewTestHMACTokenProvider(clk.Now)
	access, _, _ := p.MintAccess("u1", "", "s1", nil)
	refresh, _, _ := p.MintRefresh("u1", "s1", "f1")

	other, _ := NewHMACTokenProvider([]byte("another-secret-another-secret-!!"), "test-issuer", "test-audience", time.Minute, time.Hour, WithClock(clk.Now))
	foreign, _, _ := other.MintAccess("u1", "", "s1", nil)

	wrongAud, _ := NewHMACTokenProvider([]byte(testHMACSecret), "test-issuer", "someone-else", time.Minute, time.Hour, WithClock(clk.Now))
	wrongAudToken, _, _ := wrongAud.MintAccess("u1", "", "s1", nil)

	wrongIss, _ := NewHMACTokenProvider([]byte(testHMACSecret), "other-issuer", "test-audience", time.Minute, time.Hour, WithClock(clk.Now))
	wrongIssToken, _, _ := wrongIss.MintAccess("u1", "", "s1", nil)

	parts := strings.Split(access, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"two parts", parts[0] + "." + parts[1]},
		{"tampered payload", tampered},
		{"foreign secret", foreign},
		{"wrong audience", wrongAudToken},
		{"wrong issuer", wrongIssToken},
		{"refresh used as access", refresh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := p.ValidateAccess(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("err = %v, want ErrInvalidToken", err)
			}
			if claims != nil {
				t.Errorf("claims = %+v, want nil", claims)
			}
		})
	}

	if _, err := p.ValidateRefresh(access); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("access used as refresh: err = %v, want ErrInvalidToken", err)
	}
}

func TestValidate_RejectsOtherAlgorithms(t *testing.T) {
	clk := clock.NewFake(epoch)
	rsa, err := NewTestTokenProvider(clk.Now)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}

	// HS256 token keyed with the RSA public key PEM must not pass an RS256 verifier.
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			Issuer:    "test-issuer",
			Audience:  jwt.ClaimStrings{"test-audience"},
			ExpiresAt: jwt.NewNumericDate(epoch.Add(time.Hour)),
		},
		SessionID: "s1",
		TokenUse:  tokenUseAccess,
	}
	confused, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testPublicKeyPEM))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := rsa.ValidateAccess(confused); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("HS256 against RS256 provider: err = %v, want ErrInvalidToken", err)
	}

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := rsa.ValidateAccess(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("alg none: err = %v, want ErrInvalidToken", err)
	}
}

func TestAccessClaims_ExpiresIn(t *testing.T) {
	clk := clock.NewFake(epoch)
	p, _ := NewTestHMACTokenProvider(clk.Now)
	_, claims, _ := p.MintAccess("u1", "", "s1", nil)
	if got := claims.ExpiresIn(epoch.Add(11 * time.Minute)); got != 4*time.Minute {
		t.Errorf("ExpiresIn = %v, want 4m", got)
	}
	var nilClaims *AccessClaims
	if nilClaims.ExpiresIn(epoch) != 0 {
		t.Error("nil claims ExpiresIn should be 0")
	}
}

func TestNewTokenProvider_RejectsMissingKeys(t *testing.T) {
	if _, err := NewTokenProvider(nil, nil, "i", "a", time.Minute, time.Hour); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
	if _, err := NewHMACTokenProvider(nil, "i", "a", time.Minute, time.Hour); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}
