// Package metrics exposes call outcome counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "isip"

// Outcome labels for CallsTotal.
const (
	OutcomeEstablished = "established"
	OutcomeFailed      = "failed"
	OutcomeRejected    = "rejected" // refused by the call gate
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	CallsTotal     *prometheus.CounterVec
	ActiveCalls    prometheus.Gauge
	CallDuration   prometheus.Histogram
	Transcriptions *prometheus.CounterVec
}

// New registers the call collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Call attempts by outcome.",
		}, []string{"outcome"}),
		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Calls currently in progress.",
		}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Connected time of established calls.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		Transcriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Transcription attempts by result.",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		m.CallsTotal,
		m.ActiveCalls,
		m.CallDuration,
		m.Transcriptions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveCall records one finished call.
func (m *Metrics) ObserveCall(established bool, d time.Duration) {
	if established {
		m.CallsTotal.WithLabelValues(OutcomeEstablished).Inc()
		m.CallDuration.Observe(d.Seconds())
		return
	}
	m.CallsTotal.WithLabelValues(OutcomeFailed).Inc()
}

// ObserveTranscript records a transcription result: "ok", "failed" or
// "unconfigured". Empty transcripts are not counted.
func (m *Metrics) ObserveTranscript(result string) {
	if result == "" {
		return
	}
	m.Transcriptions.WithLabelValues(result).Inc()
}
