package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenvoice/voice-assistant/internal/observability"
	"github.com/lumenvoice/voice-assistant/internal/session"
	"github.com/lumenvoice/voice-assistant/internal/transcript"
)

// Hub fans session events out to every connected UI client. It implements
// session.Events and receives transcript changes through PublishTranscript,
// keeping the latest snapshot so late-joining clients catch up on connect.
type Hub struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	clients   map[chan []byte]struct{}
	seen      map[string]struct{}
	history   []transcript.Entry
	preview   transcript.Preview
	lastState session.State
	lastError *ErrorEvent
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[chan []byte]struct{}),
		seen:    make(map[string]struct{}),
	}
}

// Subscribe registers a client delivery channel.
func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a client delivery channel.
func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

// Broadcast delivers a raw payload to every client, dropping it for clients
// whose buffers are full.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// StateChanged implements session.Events.
func (h *Hub) StateChanged(state session.State) {
	h.mu.Lock()
	h.lastState = state
	h.mu.Unlock()

	h.broadcastEvent(StateChangedEvent{
		Event: newEvent("state_changed", time.Now().UTC()),
		State: state,
	})
}

// InputLevel implements session.Events.
func (h *Hub) InputLevel(rms float64) {
	h.broadcastEvent(InputLevelEvent{
		Event: newEvent("input_level", time.Now().UTC()),
		RMS:   rms,
	})
}

// ErrorSurfaced implements session.Events.
func (h *Hub) ErrorSurfaced(kind session.Kind, message string, needsAuth bool) {
	event := ErrorEvent{
		Event:     newEvent("error", time.Now().UTC()),
		Code:      string(kind),
		Message:   message,
		NeedsAuth: needsAuth,
	}

	h.mu.Lock()
	h.lastError = &event
	h.mu.Unlock()

	h.broadcastEvent(event)
}

// ErrorCleared implements session.Events.
func (h *Hub) ErrorCleared() {
	h.mu.Lock()
	h.lastError = nil
	h.mu.Unlock()

	h.broadcastEvent(ErrorClearedEvent{
		Event: newEvent("error_cleared", time.Now().UTC()),
	})
}

// PublishTranscript receives the aggregator's onChange callback. Entries not
// yet broadcast go out individually; the live preview goes out on every call.
func (h *Hub) PublishTranscript(entries []transcript.Entry, preview transcript.Preview) {
	var fresh []transcript.Entry

	h.mu.Lock()
	for _, entry := range entries {
		if _, ok := h.seen[entry.ID]; ok {
			continue
		}
		h.seen[entry.ID] = struct{}{}
		fresh = append(fresh, entry)
	}
	h.history = entries
	h.preview = preview
	h.mu.Unlock()

	for _, entry := range fresh {
		observability.RecordTranscriptEntry(string(entry.Role))
		h.broadcastEvent(TranscriptEntryEvent{
			Event: newEvent("transcript_entry", time.Now().UTC()),
			Entry: entry,
		})
	}

	h.broadcastEvent(LivePreviewEvent{
		Event:   newEvent("live_preview", time.Now().UTC()),
		Preview: preview,
	})
}

// snapshot returns the catch-up payloads for a newly connected client.
func (h *Hub) snapshot() [][]byte {
	h.mu.RLock()
	state := h.lastState
	history := make([]transcript.Entry, len(h.history))
	copy(history, h.history)
	preview := h.preview
	lastError := h.lastError
	h.mu.RUnlock()

	var payloads [][]byte
	appendEvent := func(event any) {
		payload, err := json.Marshal(event)
		if err != nil {
			h.logger.Error().Err(err).Msg("Snapshot event marshal failed")
			return
		}
		payloads = append(payloads, payload)
	}

	appendEvent(StateChangedEvent{Event: newEvent("state_changed", time.Now().UTC()), State: state})
	for _, entry := range history {
		appendEvent(TranscriptEntryEvent{Event: newEvent("transcript_entry", time.Now().UTC()), Entry: entry})
	}
	appendEvent(LivePreviewEvent{Event: newEvent("live_preview", time.Now().UTC()), Preview: preview})
	if lastError != nil {
		appendEvent(*lastError)
	}
	return payloads
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("Event marshal failed")
		return
	}
	h.Broadcast(payload)
}
