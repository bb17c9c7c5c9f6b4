package authn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the validator's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	decisions  *prometheus.CounterVec
	anomalies  *prometheus.CounterVec
	rotations  prometheus.Counter
	reuse      prometheus.Counter
	rateLimits prometheus.Counter
	latency    prometheus.Histogram
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "auth_decisions_total",
			Help:      "Validated requests by outcome and failure code.",
		}, []string{"outcome", "code"}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "session_anomalies_total",
			Help:      "Anomalies flagged against stored sessions.",
		}, []string{"flag"}),
		rotations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "token_rotations_total",
			Help:      "Silent refresh rotations performed by the validator.",
		}),
		reuse: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "token_reuse_total",
			Help:      "Refresh token reuse events that revoked a family.",
		}),
		rateLimits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "ratelimit_rejections_total",
			Help:      "Requests rejected by the session rate limiter.",
		}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sessionguard",
			Name:      "auth_validate_seconds",
			Help:      "Time spent in the validation pipeline.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

func (m *Metrics) decision(outcome string, code Code, seconds float64) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome, string(code)).Inc()
	m.latency.Observe(seconds)
}

func (m *Metrics) anomaly(flag string) {
	if m != nil {
		m.anomalies.WithLabelValues(flag).Inc()
	}
}

func (m *Metrics) rotated() {
	if m != nil {
		m.rotations.Inc()
	}
}

func (m *Metrics) reused() {
	if m != nil {
		m.reuse.Inc()
	}
}

func (m *Metrics) rateLimited() {
	if m != nil {
		m.rateLimits.Inc()
	}
}
