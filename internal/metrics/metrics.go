// Package metrics holds the Prometheus collectors for claim settlement.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the claim engine.
type Metrics struct {
	// Claim outcomes by mode ("self", "external") and result
	Requests *prometheus.CounterVec

	// Time spent in the settlement pipeline
	SettleDuration *prometheus.HistogramVec

	// Nonce reservation attempts by ledger backend
	Reservations *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
// A nil reg leaves them unregistered, which tests rely on.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claim_requests_total",
			Help: "Total claim submissions by mode and result",
		}, []string{"mode", "result"}),

		SettleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claim_settle_duration_seconds",
			Help:    "Duration of the claim settlement pipeline",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"mode"}),

		Reservations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claim_nonce_reservations_total",
			Help: "Nonce reservation attempts by ledger backend and result",
		}, []string{"backend", "result"}),
	}
}

// IncrementRequest records a claim outcome.
func (m *Metrics) IncrementRequest(mode, result string) {
	if m != nil {
		m.Requests.WithLabelValues(mode, result).Inc()
	}
}

func (m *Metrics) ObserveSettle(mode string, d time.Duration) {
	if m != nil {
		m.SettleDuration.WithLabelValues(mode).Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementReservation(backend, result string) {
	if m != nil {
		m.Reservations.WithLabelValues(backend, result).Inc()
	}
}
