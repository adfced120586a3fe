package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes recorded per dispatched request.
const (
	OutcomeProxied       = "proxied"
	OutcomeDenied        = "denied"
	OutcomeNoRoute       = "no_route"
	OutcomeUnavailable   = "unavailable"
	OutcomeUpstreamError = "upstream_error"
	OutcomeRejected      = "rejected"
)

// Token relay results.
const (
	RelayAttached  = "attached"
	RelayAnonymous = "anonymous"
	RelayNoClient  = "no_client"
	RelayUntrusted = "untrusted"
	RelayError     = "error"
)

// Metrics provides observability for request dispatch.
type Metrics struct {
	Requests      *prometheus.CounterVec
	Decisions     *prometheus.CounterVec
	Relays        *prometheus.CounterVec
	ProxyDuration *prometheus.HistogramVec
}

// NewMetrics registers gateway metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers gateway metrics on reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bffgate_gateway_requests_total",
			Help: "Dispatched requests by rule and outcome",
		}, []string{"rule", "outcome"}),

		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bffgate_policy_decisions_total",
			Help: "Policy decisions by effect and reason",
		}, []string{"effect", "reason"}),

		Relays: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bffgate_token_relay_total",
			Help: "Token relay attempts by result",
		}, []string{"result"}),

		ProxyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bffgate_gateway_proxy_duration_seconds",
			Help:    "Duration of proxied requests including the upstream round trip",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"rule"}),
	}
}

func (m *Metrics) IncRequest(rule, outcome string) {
	if m != nil {
		m.Requests.WithLabelValues(rule, outcome).Inc()
	}
}

func (m *Metrics) IncDecision(effect, reason string) {
	if m != nil {
		m.Decisions.WithLabelValues(effect, reason).Inc()
	}
}

func (m *Metrics) IncRelay(result string) {
	if m != nil {
		m.Relays.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveProxy(rule string, d time.Duration) {
	if m != nil {
		m.ProxyDuration.WithLabelValues(rule).Observe(d.Seconds())
	}
}
