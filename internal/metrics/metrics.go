// Package metrics holds the prometheus collectors for offer admission,
// matching, expiry and connector health.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xtrntr/offerbook/internal/models"
)

const namespace = "offerbook"

type Metrics struct {
	OffersSubmitted  *prometheus.CounterVec
	OffersRejected   *prometheus.CounterVec
	TradesExecuted   *prometheus.CounterVec
	MatchesAbandoned *prometheus.CounterVec
	MatchDuration    *prometheus.HistogramVec
	OffersExpired    prometheus.Counter
	ConnectorHealthy *prometheus.GaugeVec
	ConnectorLatency *prometheus.GaugeVec
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OffersSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_submitted_total",
			Help:      "Offers admitted to the book",
		}, []string{"symbol", "side"}),
		OffersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_rejected_total",
			Help:      "Offers rejected at admission, by error kind",
		}, []string{"symbol", "kind"}),
		TradesExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_executed_total",
			Help:      "Trades committed by the matching loop",
		}, []string{"symbol"}),
		MatchesAbandoned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_abandoned_total",
			Help:      "Crossing pairs skipped because trade validation failed",
		}, []string{"symbol"}),
		MatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_duration_seconds",
			Help:      "Duration of one matching call",
			Buckets:   prometheus.DefBuckets,
		}, []string{"symbol"}),
		OffersExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_expired_total",
			Help:      "Offers transitioned to expired by the sweeper",
		}),
		ConnectorHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connector_healthy",
			Help:      "1 if the last health check passed",
		}, []string{"kind"}),
		ConnectorLatency: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connector_response_seconds",
			Help:      "Response time of the last health check",
		}, []string{"kind"}),
	}
}

// ObserveHealth records a connector health report.
func (m *Metrics) ObserveHealth(h models.Health) {
	v := 0.0
	if h.Healthy {
		v = 1
	}
	m.ConnectorHealthy.WithLabelValues(h.Kind).Set(v)
	m.ConnectorLatency.WithLabelValues(h.Kind).Set(h.ResponseTime.Seconds())
}

// Since observes the time elapsed since start on the match histogram.
func (m *Metrics) Since(symbol string, start time.Time) {
	m.MatchDuration.WithLabelValues(symbol).Observe(time.Since(start).Seconds())
}
