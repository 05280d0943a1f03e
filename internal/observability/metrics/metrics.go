// Package metrics registers Prometheus instruments for the transcoding
// engine and exposes them over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the engine.
type Metrics struct {
	registry             *prometheus.Registry
	activeSessions       prometheus.Gauge
	segmentsTotal        *prometheus.CounterVec
	workerFailuresTotal  *prometheus.CounterVec
	cadenceMissesTotal   prometheus.Counter
	quickTranscodeTotal  *prometheus.CounterVec
	sessionsEndedTotal   prometheus.Counter
	recoveredSessions    *prometheus.CounterVec
	ingestRejectionTotal *prometheus.CounterVec
}

// New creates and registers the engine metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftcast_active_sessions",
		Help: "Number of live sessions not in a terminal state",
	})
	segmentsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftcast_segments_total",
		Help: "Total number of segments produced, labelled by rendition height",
	}, []string{"rendition"})
	workerFailuresTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftcast_worker_failures_total",
		Help: "Worker process failures, labelled by phase (before_first_segment, after_segments)",
	}, []string{"phase"})
	cadenceMissesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftcast_segment_cadence_misses_total",
		Help: "Times a worker missed its segment cadence window",
	})
	quickTranscodeTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftcast_quick_transcode_decisions_total",
		Help: "Quick-transcode eligibility decisions, labelled by outcome",
	}, []string{"outcome"})
	sessionsEndedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftcast_sessions_ended_total",
		Help: "Total number of sessions that reached a terminal or waiting state",
	})
	recoveredSessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftcast_recovered_sessions_total",
		Help: "Sessions reconciled at startup, labelled by action (waiting, replay, cleanup)",
	}, []string{"action"})
	ingestRejectionTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftcast_ingest_rejections_total",
		Help: "Rejected ingest attempts, labelled by reason",
	}, []string{"reason"})

	registry.MustRegister(
		activeSessions,
		segmentsTotal,
		workerFailuresTotal,
		cadenceMissesTotal,
		quickTranscodeTotal,
		sessionsEndedTotal,
		recoveredSessions,
		ingestRejectionTotal,
	)

	return &Metrics{
		registry:             registry,
		activeSessions:       activeSessions,
		segmentsTotal:        segmentsTotal,
		workerFailuresTotal:  workerFailuresTotal,
		cadenceMissesTotal:   cadenceMissesTotal,
		quickTranscodeTotal:  quickTranscodeTotal,
		sessionsEndedTotal:   sessionsEndedTotal,
		recoveredSessions:    recoveredSessions,
		ingestRejectionTotal: ingestRejectionTotal,
	}
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// IncSegments increments the segment counter for the given rendition label.
func (m *Metrics) IncSegments(rendition string) {
	m.segmentsTotal.WithLabelValues(rendition).Inc()
}

// IncWorkerFailure increments the worker failure counter for the given phase.
func (m *Metrics) IncWorkerFailure(phase string) {
	m.workerFailuresTotal.WithLabelValues(phase).Inc()
}

// IncCadenceMiss increments the cadence miss counter.
func (m *Metrics) IncCadenceMiss() {
	m.cadenceMissesTotal.Inc()
}

// IncQuickTranscode records a quick-transcode decision outcome ("accepted" or
// the name of the rejecting rule).
func (m *Metrics) IncQuickTranscode(outcome string) {
	m.quickTranscodeTotal.WithLabelValues(outcome).Inc()
}

// IncSessionsEnded increments the ended sessions counter.
func (m *Metrics) IncSessionsEnded() {
	m.sessionsEndedTotal.Inc()
}

// IncRecovered records a startup reconciliation action.
func (m *Metrics) IncRecovered(action string) {
	m.recoveredSessions.WithLabelValues(action).Inc()
}

// IncIngestRejection records a rejected ingest attempt.
func (m *Metrics) IncIngestRejection(reason string) {
	m.ingestRejectionTotal.WithLabelValues(reason).Inc()
}

// Handler returns an http.Handler that serves the Prometheus scrape endpoint.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		inner.ServeHTTP(w, r)
	})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
