package domain

import "time"

// Status is the lifecycle state of a session record.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// Session is the server-side record behind a login. Tokens carry its ID; the record
// decides whether those tokens are still honored.
type Session struct {
	ID           string
	UserID       string
	FamilyID     string
	IPAddress    string
	UserAgent    string
	Suspicious   bool
	Status       Status
	CreatedAt    time.Time
	LastAccessAt time.Time
	ExpiresAt    time.Time
}

// Active reports whether the record is usable at now.
func (s *Session) Active(now time.Time) bool {
	return s != nil && s.Status == StatusActive && now.Before(s.ExpiresAt)
}

// Patch is a field-level update; nil fields are left untouched.
type Patch struct {
	LastAccessAt *time.Time
	IPAddress    *string
	UserAgent    *string
	Suspicious   *bool
	Status       *Status
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.LastAccessAt == nil && p.IPAddress == nil && p.UserAgent == nil && p.Suspicious == nil && p.Status == nil
}

// Apply writes the patch's non-nil fields onto s.
func (p Patch) Apply(s *Session) {
	if p.LastAccessAt != nil {
		s.LastAccessAt = *p.LastAccessAt
	}
	if p.IPAddress != nil {
		s.IPAddress = *p.IPAddress
	}
	if p.UserAgent != nil {
		s.UserAgent = *p.UserAgent
	}
	if p.Suspicious != nil {
		s.Suspicious = *p.Suspicious
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
}
