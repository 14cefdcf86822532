package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	sessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "doctalk_session_state",
		Help: "Session state (0=idle, 1=connecting, 2=open, 3=closing, 4=closed)",
	})

	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doctalk_reconnect_attempts_total",
		Help: "Total number of automatic reconnect attempts",
	})

	connectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "doctalk_connection_duration_seconds",
		Help:    "Lifetime of open transport connections in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600},
	})

	// Message metrics
	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doctalk_messages_sent_total",
		Help: "Outbound messages written to the transport",
	}, []string{"kind"})

	messagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doctalk_messages_dropped_total",
		Help: "Outbound messages dropped because the session was not open",
	}, []string{"kind"})

	malformedInbound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doctalk_inbound_malformed_total",
		Help: "Inbound frames that could not be decoded",
	})

	// Audio metrics
	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doctalk_audio_bytes_total",
		Help: "Total PCM audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	captureLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "doctalk_capture_input_level",
		Help: "RMS level of the last flushed capture frame",
	})

	captureOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doctalk_capture_overflow_samples_total",
		Help: "Samples dropped because the capture accumulator was full",
	})

	playbackQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "doctalk_playback_queue_samples",
		Help: "Samples queued for playback",
	})

	playbackDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doctalk_playback_frames_dropped_total",
		Help: "Inbound audio frames dropped on decode or enqueue failure",
	})

	// Ingestion metrics
	ingestionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doctalk_ingestion_outcomes_total",
		Help: "Document ingestion outcomes",
	}, []string{"action", "result"})

	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "doctalk_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, []string{"name"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doctalk_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// ConnectionMetrics tracks metrics for a single transport connection
type ConnectionMetrics struct {
	connectionID string
	openedAt     time.Time
	mu           sync.Mutex
}

// NewConnectionMetrics creates a new metrics tracker for a connection
func NewConnectionMetrics(connectionID string) *ConnectionMetrics {
	return &ConnectionMetrics{connectionID: connectionID}
}

// RecordOpen marks the connection as open
func (m *ConnectionMetrics) RecordOpen() {
	m.mu.Lock()
	m.openedAt = time.Now()
	m.mu.Unlock()
}

// RecordClose observes the connection lifetime if it was ever opened
func (m *ConnectionMetrics) RecordClose() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openedAt.IsZero() {
		return
	}
	connectionDuration.Observe(time.Since(m.openedAt).Seconds())
	m.openedAt = time.Time{}
}

// SetSessionState publishes the numeric session state
func SetSessionState(state int) {
	sessionState.Set(float64(state))
}

// RecordReconnectAttempt counts one automatic reconnect attempt
func RecordReconnectAttempt() {
	reconnectAttempts.Inc()
}

// RecordMessageSent counts an outbound message by kind
func RecordMessageSent(kind string) {
	messagesSent.WithLabelValues(kind).Inc()
}

// RecordMessageDropped counts an outbound message dropped while not open
func RecordMessageDropped(kind string) {
	messagesDropped.WithLabelValues(kind).Inc()
}

// RecordMalformedInbound counts an undecodable inbound frame
func RecordMalformedInbound() {
	malformedInbound.Inc()
}

// RecordAudioBytes records audio bytes processed
func RecordAudioBytes(direction string, bytes int) {
	audioBytes.WithLabelValues(direction).Add(float64(bytes))
}

// SetCaptureLevel publishes the RMS of the last flushed frame
func SetCaptureLevel(rms float64) {
	captureLevel.Set(rms)
}

// RecordCaptureOverflow counts samples dropped from a full accumulator
func RecordCaptureOverflow(samples int) {
	captureOverflow.Add(float64(samples))
}

// SetPlaybackQueueDepth publishes the number of queued output samples
func SetPlaybackQueueDepth(samples int) {
	playbackQueueDepth.Set(float64(samples))
}

// RecordPlaybackDropped counts a dropped inbound audio frame
func RecordPlaybackDropped() {
	playbackDropped.Inc()
}

// RecordIngestion counts an ingestion outcome
func RecordIngestion(action, result string) {
	ingestionOutcomes.WithLabelValues(action, result).Inc()
}

// SetCircuitState publishes a circuit breaker state
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
