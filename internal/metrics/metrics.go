package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the steering service
type Metrics struct {
	// Prediction metrics
	PredictionsCreated    *prometheus.CounterVec
	PredictionTransitions *prometheus.CounterVec
	ActivePredictions     prometheus.Gauge
	ExecutionDuration     *prometheus.HistogramVec
	CountdownSeconds      *prometheus.HistogramVec
	CapacityWarnings      prometheus.Counter
	Redirects             *prometheus.CounterVec
	Blessings             *prometheus.CounterVec
	EmergencyAborts       prometheus.Counter

	// Adapter metrics
	SovereigntyLookups *prometheus.CounterVec
	ChatRequests       *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec

	// Watchdog metrics
	DependencyUp     *prometheus.GaugeVec
	StuckPredictions *prometheus.GaugeVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics. Later calls return
// the same instance.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			PredictionsCreated: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "steerloop_predictions_created_total",
					Help: "Total number of accepted requests by tier",
				},
				[]string{"tier"},
			),
			PredictionTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "steerloop_prediction_transitions_total",
					Help: "Total number of prediction status transitions",
				},
				[]string{"tier", "to_status"},
			),
			ActivePredictions: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "steerloop_active_predictions",
					Help: "Number of predictions currently pending",
				},
			),
			ExecutionDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "steerloop_execution_duration_seconds",
					Help:    "Duration of execute callbacks in seconds",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
				},
				[]string{"tier", "success"},
			),
			CountdownSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "steerloop_countdown_seconds",
					Help:    "Countdown length chosen for trusted-tier predictions",
					Buckets: []float64{1, 5, 10, 30, 60, 120},
				},
				[]string{"label"},
			),
			CapacityWarnings: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "steerloop_capacity_warnings_total",
					Help: "Requests accepted while at or above the soft concurrency cap",
				},
			),
			Redirects: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "steerloop_redirects_total",
					Help: "Redirect attempts by result",
				},
				[]string{"result"}, // redirected, none, grace_period
			),
			Blessings: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "steerloop_blessings_total",
					Help: "Admin blessing attempts by result",
				},
				[]string{"result"}, // blessed, unknown
			),
			EmergencyAborts: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "steerloop_emergency_aborted_predictions_total",
					Help: "Predictions aborted by abort-all",
				},
			),
			SovereigntyLookups: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "steerloop_sovereignty_lookups_total",
					Help: "Sovereignty score lookups by backend and result",
				},
				[]string{"backend", "result"},
			),
			ChatRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "steerloop_chat_requests_total",
					Help: "Chat gateway requests by operation and result",
				},
				[]string{"operation", "success"},
			),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "steerloop_events_published_total",
					Help: "Total number of events forwarded to the message bus",
				},
				[]string{"event_type"},
			),
			DependencyUp: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "steerloop_dependency_up",
					Help: "1 when the last health probe of a dependency succeeded",
				},
				[]string{"dependency"},
			),
			StuckPredictions: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "steerloop_stuck_predictions",
					Help: "Pending predictions flagged by the watchdog",
				},
				[]string{"kind"},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "steerloop_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "steerloop_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})

	return sharedMetrics
}

// RecordCreated records an accepted request
func (m *Metrics) RecordCreated(tier string) {
	if m == nil {
		return
	}
	m.PredictionsCreated.WithLabelValues(tier).Inc()
	m.ActivePredictions.Inc()
}

// RecordSettled records a pending -> completed/aborted transition
func (m *Metrics) RecordSettled(tier, status string) {
	if m == nil {
		return
	}
	m.PredictionTransitions.WithLabelValues(tier, status).Inc()
	m.ActivePredictions.Dec()
}

// RecordExecution records how long an execute callback took
func (m *Metrics) RecordExecution(tier string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionDuration.WithLabelValues(tier, strconv.FormatBool(success)).Observe(d.Seconds())
}

// RecordCountdown records the countdown chosen for a trusted-tier request
func (m *Metrics) RecordCountdown(label string, d time.Duration) {
	if m == nil {
		return
	}
	m.CountdownSeconds.WithLabelValues(label).Observe(d.Seconds())
}

// RecordCapacityWarning records a soft-cap breach
func (m *Metrics) RecordCapacityWarning() {
	if m == nil {
		return
	}
	m.CapacityWarnings.Inc()
}

// RecordRedirect records a redirect attempt
func (m *Metrics) RecordRedirect(result string) {
	if m == nil {
		return
	}
	m.Redirects.WithLabelValues(result).Inc()
}

// RecordBlessing records an admin blessing attempt
func (m *Metrics) RecordBlessing(result string) {
	if m == nil {
		return
	}
	m.Blessings.WithLabelValues(result).Inc()
}

// RecordEmergencyAbort records predictions aborted by abort-all
func (m *Metrics) RecordEmergencyAbort(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EmergencyAborts.Add(float64(n))
}

// RecordSovereigntyLookup records a score lookup against a backend
func (m *Metrics) RecordSovereigntyLookup(backend string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "fallback"
	}
	m.SovereigntyLookups.WithLabelValues(backend, result).Inc()
}

// RecordChatRequest records a chat gateway call
func (m *Metrics) RecordChatRequest(operation string, success bool) {
	if m == nil {
		return
	}
	m.ChatRequests.WithLabelValues(operation, strconv.FormatBool(success)).Inc()
}

// RecordEventPublished records an event forwarded to the message bus
func (m *Metrics) RecordEventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordDependencyUp records the outcome of a dependency probe
func (m *Metrics) RecordDependencyUp(dependency string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.DependencyUp.WithLabelValues(dependency).Set(v)
}

// SetStuckPredictions records how many pending predictions of a kind the watchdog flagged
func (m *Metrics) SetStuckPredictions(kind string, n int) {
	if m == nil {
		return
	}
	m.StuckPredictions.WithLabelValues(kind).Set(float64(n))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}
