package logout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"bffgate/pkg/platform/circuit"
)

// Revocation outcomes.
const (
	RevokeSucceeded      = "succeeded"
	RevokeFailed         = "failed"
	RevokeSkipped        = "skipped"
	RevokeShortCircuited = "short_circuited"
)

// Metrics provides observability for logout teardown.
type Metrics struct {
	Logouts      *prometheus.CounterVec
	Revocations  *prometheus.CounterVec
	BreakerState *prometheus.GaugeVec
	StepFailures *prometheus.CounterVec
}

// NewMetrics registers logout metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers logout metrics on reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Logouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bffgate_logout_total",
			Help: "Completed logouts by branch",
		}, []string{"branch"}),

		Revocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bffgate_token_revocations_total",
			Help: "Token revocation attempts by token type and outcome",
		}, []string{"token_type", "outcome"}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bffgate_circuit_breaker_open",
			Help: "1 while the named circuit breaker is open",
		}, []string{"breaker"}),

		StepFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bffgate_logout_step_failures_total",
			Help: "Absorbed failures of logout teardown steps",
		}, []string{"step"}),
	}
}

func (m *Metrics) IncLogout(branch Branch) {
	if m != nil {
		m.Logouts.WithLabelValues(string(branch)).Inc()
	}
}

func (m *Metrics) IncRevocation(tokenType, outcome string) {
	if m != nil {
		m.Revocations.WithLabelValues(tokenType, outcome).Inc()
	}
}

func (m *Metrics) IncStepFailure(step string) {
	if m != nil {
		m.StepFailures.WithLabelValues(step).Inc()
	}
}

func (m *Metrics) ObserveBreaker(name string, change circuit.StateChange) {
	if m == nil {
		return
	}
	switch {
	case change.Opened:
		m.BreakerState.WithLabelValues(name).Set(1)
	case change.Closed:
		m.BreakerState.WithLabelValues(name).Set(0)
	}
}
