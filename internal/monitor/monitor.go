// Package monitor compares an inbound request against the stored session record and reports
// anomalies. It never blocks a request.
package monitor

import (
	"strings"
	"time"

	"sessionguard/internal/session/domain"
)

// Flag names one anomaly.
type Flag string

const (
	FlagOriginChange  Flag = "origin_change"
	FlagDeviceChange  Flag = "device_change"
	FlagRapidRequests Flag = "rapid_requests"
)

// DefaultRapidThreshold is the minimum gap between requests on one session before they count as a burst.
const DefaultRapidThreshold = time.Second

// Observation is what the transport saw for the current request.
type Observation struct {
	IPAddress string
	UserAgent string
	At        time.Time
}

// Monitor holds the rapid-request threshold; it has no other state.
type Monitor struct {
	rapidThreshold time.Duration
}

// New returns a Monitor. A non-positive threshold uses DefaultRapidThreshold.
func New(rapidThreshold time.Duration) *Monitor {
	if rapidThreshold <= 0 {
		rapidThreshold = DefaultRapidThreshold
	}
	return &Monitor{rapidThreshold: rapidThreshold}
}

// Inspect returns the anomalies of obs against s in a stable order. Values the record does
// not know (empty IP or user agent, zero last access) are never flagged.
func (m *Monitor) Inspect(s *domain.Session, obs Observation) []Flag {
	if s == nil {
		return nil
	}
	var flags []Flag
	if s.IPAddress != "" && obs.IPAddress != "" && s.IPAddress != obs.IPAddress {
		flags = append(flags, FlagOriginChange)
	}
	if s.UserAgent != "" && obs.UserAgent != "" && s.UserAgent != obs.UserAgent {
		flags = append(flags, FlagDeviceChange)
	}
	if !s.LastAccessAt.IsZero() && !obs.At.IsZero() {
		if elapsed := obs.At.Sub(s.LastAccessAt); elapsed >= 0 && elapsed < m.rapidThreshold {
			flags = append(flags, FlagRapidRequests)
		}
	}
	return flags
}

// Join renders flags as a comma-separated list for response advisories.
func Join(flags []Flag) string {
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}
