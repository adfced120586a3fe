package oidc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for logins and token refresh.
type Metrics struct {
	Logins    *prometheus.CounterVec
	Refreshes *prometheus.CounterVec
}

// NewMetrics registers OIDC metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers OIDC metrics on reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Logins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bffgate_oidc_logins_total",
			Help: "Completed OIDC callbacks by registration and result",
		}, []string{"registration", "result"}),

		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bffgate_oidc_token_refresh_total",
			Help: "Access token refreshes by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) IncLogin(registration, result string) {
	if m != nil {
		m.Logins.WithLabelValues(registration, result).Inc()
	}
}

func (m *Metrics) IncRefresh(result string) {
	if m != nil {
		m.Refreshes.WithLabelValues(result).Inc()
	}
}
