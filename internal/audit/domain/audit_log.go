package domain

import "time"

// Session and token lifecycle actions.
const (
	ActionLogin         = "session.login"
	ActionLogout        = "session.logout"
	ActionRevoke        = "session.revoke"
	ActionRotate        = "token.rotate"
	ActionReuseDetected = "token.reuse_detected"
	ActionAnomaly       = "session.anomaly"
	ActionRateLimited   = "ratelimit.exceeded"
)

// AuditLog represents an audit event. UserID and SessionID are empty when unknown.
type AuditLog struct {
	ID        string
	UserID    string
	SessionID string
	Action    string
	IP        string
	Metadata  string // JSON
	CreatedAt time.Time
}
