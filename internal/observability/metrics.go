package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	sessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_assistant_session_active",
		Help: "Whether a voice session is currently open (0 or 1)",
	})

	sessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_assistant_sessions_total",
		Help: "Total number of voice sessions opened",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_assistant_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	reconnectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_assistant_reconnects_scheduled_total",
		Help: "Total number of reconnection attempts scheduled",
	})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_assistant_frames_sent_total",
		Help: "Total microphone frames sent to the realtime endpoint",
	})

	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_assistant_frames_dropped_total",
		Help: "Total microphone frames dropped before reaching the endpoint",
	})

	// Playback metrics
	segmentsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_assistant_playback_segments_total",
		Help: "Total playback segments enqueued",
	})

	playbackFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_assistant_playback_flushes_total",
		Help: "Total playback flushes triggered by interruption or teardown",
	})

	// Transcript metrics
	transcriptEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_transcript_entries_total",
		Help: "Total transcript entries finalized",
	}, []string{"role"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_errors_total",
		Help: "Total number of errors",
	}, []string{"kind"})
)

// SessionMetrics tracks metrics for a single voice session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
	mu        sync.Mutex
	ended     bool
}

// NewSessionMetrics creates a metrics tracker for one session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionOpen records the session becoming open
func (m *SessionMetrics) RecordSessionOpen() {
	sessionActive.Set(1)
	sessionsTotal.Inc()
}

// RecordSessionEnd records the end of a session
func (m *SessionMetrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	sessionActive.Set(0)
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordAudioBytes records audio bytes processed
func RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordFrameSent records one microphone frame transmitted
func RecordFrameSent() {
	framesSent.Inc()
}

// RecordFramesDropped records microphone frames that never reached the endpoint
func RecordFramesDropped(n int) {
	framesDropped.Add(float64(n))
}

// RecordSegmentEnqueued records one playback segment scheduled
func RecordSegmentEnqueued() {
	segmentsEnqueued.Inc()
}

// RecordPlaybackFlush records a playback flush
func RecordPlaybackFlush() {
	playbackFlushes.Inc()
}

// RecordTranscriptEntry records one finalized transcript entry
func RecordTranscriptEntry(role string) {
	transcriptEntries.WithLabelValues(role).Inc()
}

// RecordReconnectScheduled records a scheduled reconnection attempt
func RecordReconnectScheduled() {
	reconnectsScheduled.Inc()
}

// RecordError records an error by taxonomy kind
func RecordError(kind string) {
	errorsTotal.WithLabelValues(kind).Inc()
}
