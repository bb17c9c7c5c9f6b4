package domain

import "time"

// Family links every refresh token minted from one login. CurrentJTI is the only refresh
// jti the family still honors; presenting any other jti from the family is reuse.
type Family struct {
	ID         string
	UserID     string
	CurrentJTI string
	// TokenHash is the fingerprint of the current refresh token.
	TokenHash  string
	SessionIDs []string
	Revoked    bool
	CreatedAt  time.Time
	RotatedAt  time.Time
	ExpiresAt  time.Time
}
