package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the coaching service
type Metrics struct {
	registerer prometheus.Registerer

	// Capture metrics
	CaptureErrors *prometheus.CounterVec

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsStopped prometheus.Counter
	SessionDuration prometheus.Histogram

	// Audio buffering metrics
	BlocksProcessed prometheus.Counter
	SamplesEvicted  prometheus.Counter

	// VAD metrics
	VADDecisions *prometheus.CounterVec
	VADEnergy    prometheus.Histogram

	// Segment metrics
	SegmentsFlushed prometheus.Counter
	FlushDeferred   prometheus.Counter
	SegmentDuration prometheus.Histogram
	SegmentSize     prometheus.Histogram

	// Delivery metrics
	DeliveryAttempts prometheus.Counter
	DeliveryRetries  prometheus.Counter
	DeliveryResults  *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registerer: reg,

		// Capture metrics
		CaptureErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_capture_errors_total",
			Help: "Total number of capture acquisition failures",
		}, []string{"kind"}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coach_active_sessions",
			Help: "Current number of active coaching sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		SessionsStopped: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_sessions_stopped_total",
			Help: "Total number of sessions stopped",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coach_session_duration_seconds",
			Help:    "Duration of coaching sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 13), // 1s to ~68 minutes
		}),

		// Audio buffering metrics
		BlocksProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_audio_blocks_processed_total",
			Help: "Total number of duplex audio blocks processed",
		}),
		SamplesEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_audio_samples_evicted_total",
			Help: "Total number of per-channel samples dropped by the buffer bound",
		}),

		// VAD metrics
		VADDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_vad_decisions_total",
			Help: "Total number of VAD decisions by reason",
		}, []string{"reason"}),
		VADEnergy: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coach_vad_smoothed_energy",
			Help:    "Smoothed RMS energy of microphone blocks",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 0.001 to ~0.5
		}),

		// Segment metrics
		SegmentsFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_segments_flushed_total",
			Help: "Total number of segments handed to delivery",
		}),
		FlushDeferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_segments_flush_deferred_total",
			Help: "Total number of flush requests ignored while a segment was in flight",
		}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coach_segment_duration_seconds",
			Help:    "Audio duration of flushed segments",
			Buckets: prometheus.LinearBuckets(0.5, 0.5, 20), // 0.5s to 10s
		}),
		SegmentSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coach_segment_size_bytes",
			Help:    "Encoded size of both channels of a segment",
			Buckets: prometheus.ExponentialBuckets(16384, 2, 8), // 16KB to ~2MB
		}),

		// Delivery metrics
		DeliveryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_delivery_attempts_total",
			Help: "Total number of segment submissions including retries",
		}),
		DeliveryRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_delivery_retries_total",
			Help: "Total number of scheduled segment retries",
		}),
		DeliveryResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_delivery_results_total",
			Help: "Total number of dispatched results by kind",
		}, []string{"kind"}),
		DeliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_delivery_failures_total",
			Help: "Total number of failed attempts by error kind",
		}, []string{"kind"}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coach_delivery_duration_seconds",
			Help:    "Duration of single delivery attempts",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coach_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RegisterAgentGauge exposes the number of connected capture agents
func (m *Metrics) RegisterAgentGauge(count func() int) {
	promauto.With(m.registerer).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "coach_capture_agents_connected",
		Help: "Current number of connected capture agents",
	}, func() float64 {
		return float64(count())
	})
}

// RecordCaptureError increments the capture error counter for a kind
func (m *Metrics) RecordCaptureError(kind string) {
	m.CaptureErrors.WithLabelValues(kind).Inc()
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
}

// RecordSessionStopped increments the sessions stopped counter and records duration
func (m *Metrics) RecordSessionStopped(durationSeconds float64) {
	m.SessionsStopped.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordBlock records one processed block and any evicted samples
func (m *Metrics) RecordBlock(evicted int) {
	m.BlocksProcessed.Inc()
	if evicted > 0 {
		m.SamplesEvicted.Add(float64(evicted))
	}
}

// RecordVADDecision records a detector decision
func (m *Metrics) RecordVADDecision(reason string, smoothedEnergy float64) {
	m.VADDecisions.WithLabelValues(reason).Inc()
	m.VADEnergy.Observe(smoothedEnergy)
}

// RecordSegmentFlushed records a segment handed to delivery
func (m *Metrics) RecordSegmentFlushed(durationSeconds float64, sizeBytes int) {
	m.SegmentsFlushed.Inc()
	m.SegmentDuration.Observe(durationSeconds)
	m.SegmentSize.Observe(float64(sizeBytes))
}

// RecordFlushDeferred increments the deferred flush counter
func (m *Metrics) RecordFlushDeferred() {
	m.FlushDeferred.Inc()
}

// RecordDeliveryAttempt records one submission and its duration
func (m *Metrics) RecordDeliveryAttempt(durationSeconds float64) {
	m.DeliveryAttempts.Inc()
	m.DeliveryDuration.Observe(durationSeconds)
}

// RecordDeliveryRetry increments the retry counter
func (m *Metrics) RecordDeliveryRetry() {
	m.DeliveryRetries.Inc()
}

// RecordDeliveryFailure records a failed attempt by error kind
func (m *Metrics) RecordDeliveryFailure(kind string) {
	m.DeliveryFailures.WithLabelValues(kind).Inc()
}

// RecordDeliveryResult records a dispatched result by kind
func (m *Metrics) RecordDeliveryResult(kind string) {
	m.DeliveryResults.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
