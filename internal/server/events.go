package server

import (
	"time"

	"github.com/lumenvoice/voice-assistant/internal/session"
	"github.com/lumenvoice/voice-assistant/internal/transcript"
)

const EventVersion = 1

// Event is the common envelope of every outbound UI event.
type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

// StateChangedEvent mirrors the session's visible state.
type StateChangedEvent struct {
	Event
	session.State
}

// TranscriptEntryEvent carries one newly finalized transcript line.
type TranscriptEntryEvent struct {
	Event
	Entry transcript.Entry `json:"entry"`
}

// LivePreviewEvent carries the in-progress text of the open turn.
type LivePreviewEvent struct {
	Event
	Preview transcript.Preview `json:"preview"`
}

// InputLevelEvent carries the RMS level of the latest microphone frame.
type InputLevelEvent struct {
	Event
	RMS float64 `json:"rms"`
}

// ErrorEvent surfaces a classified session error.
type ErrorEvent struct {
	Event
	Code      string `json:"code"`
	Message   string `json:"message"`
	NeedsAuth bool   `json:"needs_auth"`
}

// ErrorClearedEvent retracts the currently surfaced error.
type ErrorClearedEvent struct {
	Event
}

// Command is an inbound client request on the control socket.
type Command struct {
	Type string `json:"type"`
	Key  string `json:"key,omitempty"`
}

const (
	CommandStart  = "start"
	CommandStop   = "stop"
	CommandSetKey = "set_key"
)

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
