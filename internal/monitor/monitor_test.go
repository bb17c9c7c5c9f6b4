package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"sessionguard/internal/session/domain"
)

func TestInspect(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	stored := &domain.Session{IPAddress: "10.0.0.1", UserAgent: "curl/8", LastAccessAt: base}

	tests := []struct {
		name string
		s    *domain.Session
		obs  Observation
		want []Flag
	}{
		{"unchanged", stored, Observation{"10.0.0.1", "curl/8", base.Add(5 * time.Second)}, nil},
		{"new ip", stored, Observation{"10.0.0.2", "curl/8", base.Add(5 * time.Second)}, []Flag{FlagOriginChange}},
		{"new device", stored, Observation{"10.0.0.1", "firefox", base.Add(5 * time.Second)}, []Flag{FlagDeviceChange}},
		{"burst", stored, Observation{"10.0.0.1", "curl/8", base.Add(200 * time.Millisecond)}, []Flag{FlagRapidRequests}},
		{"exactly at threshold", stored, Observation{"10.0.0.1", "curl/8", base.Add(time.Second)}, nil},
		{"everything", stored, Observation{"10.9.9.9", "wget", base}, []Flag{FlagOriginChange, FlagDeviceChange, FlagRapidRequests}},
		{"unknown stored values", &domain.Session{}, Observation{"10.0.0.1", "curl/8", base}, nil},
		{"unknown observed values", stored, Observation{At: base.Add(time.Minute)}, nil},
		{"nil session", nil, Observation{"10.0.0.1", "curl/8", base}, nil},
	}
	m := New(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Inspect(tt.s, tt.obs))
		})
	}
}

func TestInspect_CustomThreshold(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := New(5 * time.Second)
	got := m.Inspect(&domain.Session{LastAccessAt: base}, Observation{At: base.Add(3 * time.Second)})
	assert.Equal(t, []Flag{FlagRapidRequests}, got)
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "origin_change,rapid_requests", Join([]Flag{FlagOriginChange, FlagRapidRequests}))
	assert.Equal(t, "", Join(nil))
}
