package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "luna_tts_sessions_active",
		Help: "Number of synthesis sessions currently running",
	}, []string{"mode"})

	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "luna_tts_requests_total",
		Help: "Total number of synthesis sessions by outcome",
	}, []string{"mode", "status"})

	firstAudioLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "luna_tts_first_audio_seconds",
		Help:    "Time from session start to the first audio payload",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"mode"})

	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "luna_tts_session_duration_seconds",
		Help:    "Duration of synthesis sessions in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"mode"})

	// Audio metrics
	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "luna_tts_audio_bytes_total",
		Help: "Total PCM bytes received from the synthesis service",
	}, []string{"mode"})

	segmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "luna_tts_segments_total",
		Help: "Total number of audio segments opened; a chunked session opens exactly one",
	}, []string{"mode"})

	decodeWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "luna_tts_decode_warnings_total",
		Help: "Total number of malformed events skipped by the decoder",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "luna_tts_errors_total",
		Help: "Total number of session errors",
	}, []string{"type", "mode"})
)

// SessionMetrics tracks metrics for a single synthesis session
type SessionMetrics struct {
	mode       string
	startTime  time.Time
	firstAudio sync.Once
	endOnce    sync.Once
}

// NewSessionMetrics creates a metrics tracker and marks the session active
func NewSessionMetrics(mode string) *SessionMetrics {
	activeSessions.WithLabelValues(mode).Inc()
	return &SessionMetrics{
		mode:      mode,
		startTime: time.Now(),
	}
}

// RecordAudio records received PCM bytes and, once, the first-audio latency
func (m *SessionMetrics) RecordAudio(bytes int) {
	m.firstAudio.Do(func() {
		firstAudioLatency.WithLabelValues(m.mode).Observe(time.Since(m.startTime).Seconds())
	})
	audioBytes.WithLabelValues(m.mode).Add(float64(bytes))
}

// RecordSegment records a newly opened segment
func (m *SessionMetrics) RecordSegment() {
	segmentsTotal.WithLabelValues(m.mode).Inc()
}

// RecordDecodeWarning records a skipped malformed event
func (m *SessionMetrics) RecordDecodeWarning() {
	decodeWarnings.Inc()
}

// RecordError records an error by category
func (m *SessionMetrics) RecordError(errorType string) {
	errorsTotal.WithLabelValues(errorType, m.mode).Inc()
}

// RecordEnd records the end of the session. Subsequent calls are ignored.
func (m *SessionMetrics) RecordEnd(success bool) {
	m.endOnce.Do(func() {
		activeSessions.WithLabelValues(m.mode).Dec()
		sessionDuration.WithLabelValues(m.mode).Observe(time.Since(m.startTime).Seconds())

		status := "success"
		if !success {
			status = "error"
		}
		sessionsTotal.WithLabelValues(m.mode, status).Inc()
	})
}
