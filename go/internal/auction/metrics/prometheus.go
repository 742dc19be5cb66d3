// Package metrics provides Prometheus metrics for the auction server
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Bid metrics
	BidsTotal     *prometheus.CounterVec
	HighestAmount prometheus.Gauge

	// Session metrics
	ActiveSessions prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec

	// Delivery metrics
	BroadcastsTotal  prometheus.Counter
	DeliveryFailures *prometheus.CounterVec

	// Round metrics
	RoundsTotal   *prometheus.CounterVec
	RoundDuration prometheus.Histogram
}

// Bid results used as label values
const (
	BidAccepted  = "accepted"
	BidRejected  = "rejected"
	BidMalformed = "malformed"
	BidClosed    = "closed"
)

// NewMetrics creates and registers all metrics on a private registry so
// several servers (and tests) can coexist in one process.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "subasta"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		BidsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bids_total",
				Help:      "Total number of bids received, by result",
			},
			[]string{"result"},
		),
		HighestAmount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "highest_amount",
				Help:      "Highest bid amount in the current round",
			},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of connected bidder sessions",
			},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of bidder sessions, by transport and end reason",
			},
			[]string{"transport", "reason"},
		),
		BroadcastsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcasts_total",
				Help:      "Total number of periodic status broadcasts",
			},
		),
		DeliveryFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_failures_total",
				Help:      "Messages that could not be delivered to a session",
			},
			[]string{"kind"},
		),
		RoundsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rounds_total",
				Help:      "Total number of finalized rounds",
			},
			[]string{"outcome"},
		),
		RoundDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "round_duration_seconds",
				Help:      "Wall time from round activation to finalize",
				Buckets:   []float64{30, 60, 90, 120, 180, 300, 600},
			},
		),
	}

	m.registry.MustRegister(
		m.BidsTotal,
		m.HighestAmount,
		m.ActiveSessions,
		m.SessionsTotal,
		m.BroadcastsTotal,
		m.DeliveryFailures,
		m.RoundsTotal,
		m.RoundDuration,
	)

	return m
}

// Handler returns the HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordBid counts a bid by result
func (m *Metrics) RecordBid(result string) {
	m.BidsTotal.WithLabelValues(result).Inc()
}

// RecordDeliveryFailure counts a message that could not reach a session
func (m *Metrics) RecordDeliveryFailure(kind string) {
	m.DeliveryFailures.WithLabelValues(kind).Inc()
}

// RecordSessionEnd counts a finished session
func (m *Metrics) RecordSessionEnd(transport, reason string) {
	m.SessionsTotal.WithLabelValues(transport, reason).Inc()
}

// RecordRound counts a finalized round and its length
func (m *Metrics) RecordRound(hasWinner bool, seconds float64) {
	outcome := "no_winner"
	if hasWinner {
		outcome = "winner"
	}
	m.RoundsTotal.WithLabelValues(outcome).Inc()
	m.RoundDuration.Observe(seconds)
}
