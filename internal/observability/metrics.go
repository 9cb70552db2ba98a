package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_agent_active_sessions",
		Help: "Number of connected voice sessions",
	})

	sessionStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_session_starts_total",
		Help: "Session start attempts by result",
	}, []string{"result"}) // result: "connected" or the failure stage

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_session_duration_seconds",
		Help:    "Duration of connected voice sessions in seconds",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})

	handshakeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_handshake_latency_seconds",
		Help:    "Time from Start to setup acknowledgment",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Token issuer metrics
	tokenRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_token_requests_total",
		Help: "Total number of token issuer requests",
	}, []string{"status"})

	tokenLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_token_latency_seconds",
		Help:    "Token issuer latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Audio pipeline metrics
	captureBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_capture_blocks_total",
		Help: "Captured audio blocks by outcome",
	}, []string{"result"}) // result: "sent" or "dropped"

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_audio_bytes_total",
		Help: "Total PCM bytes exchanged with the speech endpoint",
	}, []string{"direction"}) // direction: "in" or "out"

	playbackBuffers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_playback_buffers_total",
		Help: "Received audio buffers played to completion",
	})

	interruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_interruptions_total",
		Help: "Barge-in signals received from the speech endpoint",
	})

	transcriptEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_transcript_events_total",
		Help: "Transcript fragments forwarded to the sink",
	}, []string{"speaker"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_agent_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// Metrics tracks metrics for a single voice session
type Metrics struct {
	sessionID string

	mu          sync.Mutex
	startTime   time.Time
	connectedAt time.Time
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordConnected records a successful handshake
func (m *Metrics) RecordConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connectedAt = time.Now()
	handshakeLatency.Observe(m.connectedAt.Sub(m.startTime).Seconds())
	sessionStarts.WithLabelValues("connected").Inc()
	activeSessions.Inc()
}

// RecordStartFailure records a start attempt that never reached connected
func (m *Metrics) RecordStartFailure(stage string) {
	sessionStarts.WithLabelValues(stage).Inc()
}

// RecordSessionEnd records teardown of a session that had connected
func (m *Metrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connectedAt.IsZero() {
		return
	}
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.connectedAt).Seconds())
	m.connectedAt = time.Time{}
}

// RecordCaptureBlock records whether a captured block was sent or dropped
func (m *Metrics) RecordCaptureBlock(sent bool) {
	result := "sent"
	if !sent {
		result = "dropped"
	}
	captureBlocks.WithLabelValues(result).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordPlayback records a buffer played to completion
func (m *Metrics) RecordPlayback() {
	playbackBuffers.Inc()
}

// RecordInterruption records a barge-in
func (m *Metrics) RecordInterruption() {
	interruptions.Inc()
}

// RecordTranscript records a transcript fragment for a speaker
func (m *Metrics) RecordTranscript(speaker string) {
	transcriptEvents.WithLabelValues(speaker).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordTokenRequest records a token issuer round trip
func RecordTokenRequest(success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	tokenRequests.WithLabelValues(status).Inc()
	tokenLatency.Observe(latency.Seconds())
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
