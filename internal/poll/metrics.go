package poll

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the poll loop's prometheus collectors.
type Metrics struct {
	Requests            *prometheus.CounterVec
	Published           *prometheus.CounterVec
	Skipped             *prometheus.CounterVec
	PublishFailures     *prometheus.CounterVec
	LastValue           *prometheus.GaugeVec
	ConsecutiveFailures *prometheus.GaugeVec
	Cycles              prometheus.Counter
	CycleDuration       prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obd_requests_total",
			Help: "Service 01 requests sent",
		}, []string{"param"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obd_samples_published_total",
			Help: "Decoded samples handed to the sink",
		}, []string{"param"}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obd_skipped_total",
			Help: "Parameters skipped in a cycle, by reason",
		}, []string{"param", "reason"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obd_publish_failures_total",
			Help: "Samples dropped because the sink failed",
		}, []string{"param"}),
		LastValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "obd_last_value",
			Help: "Last decoded value per parameter",
		}, []string{"param", "unit"}),
		ConsecutiveFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "obd_consecutive_failures",
			Help: "Cycles in a row without a published sample, per parameter",
		}, []string{"param"}),
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obd_cycles_total",
			Help: "Completed passes over the full parameter set",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "obd_cycle_duration_seconds",
			Help:    "Time for one pass over the full parameter set",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Requests,
			m.Published,
			m.Skipped,
			m.PublishFailures,
			m.LastValue,
			m.ConsecutiveFailures,
			m.Cycles,
			m.CycleDuration,
		)
	}
	return m
}
