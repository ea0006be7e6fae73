package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lumenvoice/voice-assistant/internal/audio"
)

const (
	// DefaultHost serves the bidirectional generate-content websocket.
	DefaultHost = "generativelanguage.googleapis.com"

	bidiPath = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultHandshakeTimeout = 15 * time.Second
)

// ErrInvalidCredential indicates the endpoint rejected the API key. Callers
// must not schedule reconnection until the credential is re-provisioned.
var ErrInvalidCredential = errors.New("realtime endpoint rejected credential")

// Config fixes the session parameters sent in the setup frame.
type Config struct {
	Host         string
	APIKey       string
	Model        string
	Voice        string
	SystemPrompt string

	HandshakeTimeout time.Duration
}

// Dialer opens realtime sessions. Satisfied by DialSession; tests substitute
// a fake.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Conn, error)
}

// Conn is an open realtime session as seen by the session manager.
type Conn interface {
	Events() <-chan Event
	SendAudio(frame audio.Frame) error
	Close() error
}

// WebsocketDialer dials the real endpoint.
type WebsocketDialer struct {
	Logger zerolog.Logger
}

// Dial opens the websocket, sends the setup frame, and starts the read loop.
// The setup acknowledgment arrives as a SetupCompleteEvent on Events().
func (d WebsocketDialer) Dial(ctx context.Context, cfg Config) (Conn, error) {
	host := cfg.Host
	if host == "" {
		host = DefaultHost
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	endpoint := url.URL{
		Scheme:   "wss",
		Host:     host,
		Path:     bidiPath,
		RawQuery: "key=" + url.QueryEscape(cfg.APIKey),
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrInvalidCredential, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}

	s := &Session{
		conn:   conn,
		events: make(chan Event, 64),
		stop:   make(chan struct{}),
		logger: d.Logger,
	}

	if err := s.sendSetup(cfg); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send session setup: %w", err)
	}

	go s.readLoop()
	return s, nil
}

// Session is one open websocket session to the realtime endpoint.
type Session struct {
	conn   *websocket.Conn
	events chan Event
	logger zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	stop      chan struct{}
}

// Events yields inbound session events. The channel closes after a final
// ClosedEvent.
func (s *Session) Events() <-chan Event {
	return s.events
}

// SendAudio transmits one encoded microphone frame. Frames are written in
// call order; the websocket preserves delivery order on the wire.
func (s *Session) SendAudio(frame audio.Frame) error {
	if s.closed.Load() {
		return errors.New("realtime session is closed")
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MimeType: frame.MimeType, Data: frame.Data}},
		},
	}
	return s.writeJSON(msg)
}

// Close performs a graceful local close. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second),
		)
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}

func (s *Session) sendSetup(cfg Config) error {
	setup := setupPayload{
		Model: cfg.Model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if cfg.Voice != "" {
		setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.SystemPrompt != "" {
		setup.SystemInstruction = &contentValue{Parts: []part{{Text: cfg.SystemPrompt}}}
	}
	return s.writeJSON(setupMessage{Setup: setup})
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *Session) readLoop() {
	defer close(s.events)

	for {
		var msg serverMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.emitClosed(err)
			return
		}
		for _, event := range decodeServerMessage(msg) {
			if !s.emit(event) {
				return
			}
		}
	}
}

// decodeServerMessage expands one inbound frame into ordered events.
// turnComplete is emitted last so transcription fragments in the same frame
// land before the flush.
func decodeServerMessage(msg serverMessage) []Event {
	var events []Event

	if msg.SetupComplete != nil {
		events = append(events, SetupCompleteEvent{})
	}

	sc := msg.ServerContent
	if sc == nil {
		return events
	}

	if sc.Interrupted {
		events = append(events, InterruptedEvent{})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, InputTranscriptionEvent{Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, OutputTranscriptionEvent{Text: sc.OutputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				events = append(events, AudioEvent{
					MimeType: p.InlineData.MimeType,
					Data:     p.InlineData.Data,
				})
			}
		}
	}
	if sc.TurnComplete {
		events = append(events, TurnCompleteEvent{})
	}
	return events
}

func (s *Session) emit(event Event) bool {
	select {
	case s.events <- event:
		return true
	case <-s.stop:
		return false
	}
}

// emitClosed classifies the terminal read error and emits the final event.
func (s *Session) emitClosed(err error) {
	closed := ClosedEvent{}
	switch {
	case s.closed.Load():
		// Locally requested close; the read error is expected.
		closed.Clean = true
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		closed.Clean = true
	case isCredentialClose(err):
		closed.Err = fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	default:
		closed.Err = err
	}

	s.logger.Debug().Bool("clean", closed.Clean).AnErr("cause", closed.Err).Msg("Realtime session closed")

	select {
	case s.events <- closed:
	default:
	}

	// Release the connection; the close handshake already happened or the
	// transport failed underneath us.
	_ = s.Close()
}

// isCredentialClose reports whether the endpoint closed the session because
// the API key was rejected.
func isCredentialClose(err error) bool {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	if closeErr.Code == websocket.ClosePolicyViolation {
		return true
	}
	text := strings.ToLower(closeErr.Text)
	return strings.Contains(text, "api key") || strings.Contains(text, "unauthenticated")
}
