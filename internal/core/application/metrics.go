package application

import (
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tidal"

// Metrics are registered on a registry owned by the Swapper.
type Metrics struct {
	quotesRequested  *prometheus.CounterVec
	quotesRejected   *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	quoteRace        prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		quotesRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "quotes_requested_total",
			Help:      "Quote requests sent to intermediaries.",
		}, []string{"swap_type"}),
		quotesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "quotes_rejected_total",
			Help:      "Quotes discarded, by reason.",
		}, []string{"swap_type", "reason"}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "state_transitions_total",
			Help:      "Persisted swap states.",
		}, []string{"swap_type", "state"}),
		quoteRace: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "quote_race_seconds",
			Help:      "Duration of quote negotiation rounds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.quotesRequested, m.quotesRejected, m.stateTransitions, m.quoteRace)
	}
	return m
}

func (m *Metrics) quoteRequested(t domain.SwapType) {
	if m == nil {
		return
	}
	m.quotesRequested.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) quoteRejected(t domain.SwapType, err error) {
	if m == nil {
		return
	}
	m.quotesRejected.WithLabelValues(t.String(), reasonOf(err)).Inc()
}

func (m *Metrics) stateChanged(s domain.Swap) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(s.Type().String(), s.StateName()).Inc()
}

func (m *Metrics) raceFinished(start time.Time) {
	if m == nil {
		return
	}
	m.quoteRace.Observe(time.Since(start).Seconds())
}
