package domain

import (
	"encoding/json"
	"time"
)

// Event types emitted by the session core.
const (
	EventSessionActivity = "session_activity"
	EventSlowRequest     = "slow_request"
	EventSessionAnomaly  = "session_anomaly"
)

// Event is one telemetry record. UserID and SessionID are empty for unauthenticated traffic.
type Event struct {
	UserID    string          `json:"user_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	EventType string          `json:"event_type"`
	Source    string          `json:"source,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
