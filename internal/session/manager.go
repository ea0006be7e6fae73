package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenvoice/voice-assistant/internal/audio"
	"github.com/lumenvoice/voice-assistant/internal/credentials"
	"github.com/lumenvoice/voice-assistant/internal/device"
	"github.com/lumenvoice/voice-assistant/internal/observability"
	"github.com/lumenvoice/voice-assistant/internal/playback"
	"github.com/lumenvoice/voice-assistant/internal/realtime"
	"github.com/lumenvoice/voice-assistant/internal/resilience"
	"github.com/lumenvoice/voice-assistant/internal/transcript"
)

// DefaultWelcomeText is the synthetic assistant line appended when a session
// opens.
const DefaultWelcomeText = "Hi! I'm listening. How can I help?"

// Options fixes the tunables of a Manager.
type Options struct {
	// Realtime carries host, model, voice, system prompt and handshake
	// timeout. The API key is filled in from the credential store per dial.
	Realtime realtime.Config

	FrameSize         int
	PendingFrameLimit int
	ReconnectDelay    time.Duration
	ErrorTTL          time.Duration
	WelcomeText       string

	Logger zerolog.Logger
}

// Manager owns the session lifecycle: at most one realtime session, one
// microphone and one output device at a time. It routes inbound events to the
// transcript aggregator and the playback scheduler, surfaces classified
// errors, and schedules the single debounced reconnection attempt after an
// abnormal close.
type Manager struct {
	opts       Options
	dialer     realtime.Dialer
	devices    device.Opener
	creds      credentials.Store
	aggregator *transcript.Aggregator
	sink       Events
	reconnect  *resilience.Reconnector
	logger     zerolog.Logger

	mu          sync.Mutex
	state       State
	current     *sessionContext
	everStarted bool
	needsAuth   bool
	errTimer    *time.Timer
}

// sessionContext holds the resources of one connection attempt. Resources are
// registered as they are acquired so a concurrent Stop can release them.
type sessionContext struct {
	id      string
	pending *audio.FrameQueue
	metrics *observability.SessionMetrics
	open    atomic.Bool

	mu        sync.Mutex
	closed    bool
	mic       device.Microphone
	out       device.Output
	scheduler *playback.Scheduler
	conn      realtime.Conn
}

// NewManager wires a session manager. The aggregator is shared with the UI
// boundary, which observes it through its onChange callback.
func NewManager(opts Options, dialer realtime.Dialer, devices device.Opener, creds credentials.Store, aggregator *transcript.Aggregator, sink Events) *Manager {
	if opts.FrameSize <= 0 {
		opts.FrameSize = audio.InputSampleRate / 50 // 20 ms
	}
	if opts.PendingFrameLimit <= 0 {
		opts.PendingFrameLimit = 64
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.ErrorTTL <= 0 {
		opts.ErrorTTL = 8 * time.Second
	}
	if opts.WelcomeText == "" {
		opts.WelcomeText = DefaultWelcomeText
	}
	return &Manager{
		opts:       opts,
		dialer:     dialer,
		devices:    devices,
		creds:      creds,
		aggregator: aggregator,
		sink:       sink,
		reconnect:  resilience.NewReconnector(),
		logger:     opts.Logger,
	}
}

// Start opens a session. Idempotent while a session is active or connecting.
// Returns ErrMissingCredential when no API key is provisioned.
func (m *Manager) Start() error {
	m.reconnect.Cancel()

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return nil
	}

	key, ok := m.creds.Key()
	if !ok {
		m.needsAuth = true
		m.mu.Unlock()
		m.surfaceError(KindMissingCredential)
		return ErrMissingCredential
	}

	m.everStarted = true
	m.needsAuth = false

	id := observability.NewSessionID()
	ctx := &sessionContext{
		id:      id,
		pending: audio.NewFrameQueue(m.opts.PendingFrameLimit),
		metrics: observability.NewSessionMetrics(id),
	}
	m.current = ctx
	m.state = State{Connecting: true}
	state := m.state
	m.mu.Unlock()

	m.sink.StateChanged(state)
	m.logger.Info().Str("session_id", ctx.id).Msg("Starting voice session")

	go m.connect(ctx, key)
	return nil
}

// connect acquires devices and dials the realtime endpoint. Runs off the
// caller's goroutine; failures are surfaced through the error taxonomy.
func (m *Manager) connect(ctx *sessionContext, key string) {
	mic, err := m.devices.OpenMicrophone(audio.InputSampleRate, m.opts.FrameSize)
	if err != nil {
		m.abort(ctx, err)
		return
	}
	if !ctx.setMicrophone(mic) {
		_ = mic.Close()
		return
	}

	out, err := m.devices.OpenOutput(audio.OutputSampleRate, 1)
	if err != nil {
		m.abort(ctx, err)
		return
	}
	scheduler := playback.NewScheduler(out, func(speaking bool) { m.onSpeaking(ctx, speaking) }, m.logger)
	if !ctx.setOutput(out, scheduler) {
		_ = out.Close()
		return
	}

	cfg := m.opts.Realtime
	cfg.APIKey = key
	conn, err := m.dialer.Dial(context.Background(), cfg)
	if err != nil {
		m.abort(ctx, err)
		return
	}
	if !ctx.setConn(conn) {
		_ = conn.Close()
		return
	}

	go m.captureLoop(ctx, mic, conn)
	go m.eventLoop(ctx, conn)
}

// captureLoop encodes microphone frames and ships them to the endpoint.
// Frames captured before the setup ack are held in the pending queue and
// drained in capture order on open; a single sender goroutine keeps ordering.
func (m *Manager) captureLoop(ctx *sessionContext, mic device.Microphone, conn realtime.Conn) {
	for samples := range mic.Frames() {
		m.sink.InputLevel(audio.Level(samples))
		observability.RecordAudioBytes("in", int64(len(samples)*2))

		frame := audio.EncodeFrame(samples)
		if !ctx.open.Load() {
			if !ctx.pending.Push(frame) {
				observability.RecordFramesDropped(1)
			}
			continue
		}

		for _, buffered := range ctx.pending.Drain() {
			if err := conn.SendAudio(buffered); err != nil {
				return
			}
			observability.RecordFrameSent()
		}
		if err := conn.SendAudio(frame); err != nil {
			return
		}
		observability.RecordFrameSent()
	}
}

// eventLoop routes inbound session events until the channel closes.
func (m *Manager) eventLoop(ctx *sessionContext, conn realtime.Conn) {
	sawClosed := false

	for event := range conn.Events() {
		switch ev := event.(type) {
		case realtime.SetupCompleteEvent:
			m.onOpen(ctx)

		case realtime.AudioEvent:
			buf, err := audio.DecodePayload(ev.Data, audio.OutputSampleRate, 1)
			if err != nil {
				m.logger.Warn().Err(err).Msg("Dropping undecodable audio payload")
				continue
			}
			observability.RecordAudioBytes("out", int64(len(buf.Samples)*2))
			if scheduler := ctx.getScheduler(); scheduler != nil {
				if err := scheduler.Enqueue(buf); err != nil {
					m.logger.Warn().Err(err).Msg("Playback enqueue failed")
					continue
				}
				observability.RecordSegmentEnqueued()
			}

		case realtime.InputTranscriptionEvent:
			m.aggregator.AppendUserFragment(ev.Text)

		case realtime.OutputTranscriptionEvent:
			m.aggregator.AppendAssistantFragment(ev.Text)

		case realtime.TurnCompleteEvent:
			m.aggregator.CompleteTurn()

		case realtime.InterruptedEvent:
			if scheduler := ctx.getScheduler(); scheduler != nil {
				scheduler.Flush()
				observability.RecordPlaybackFlush()
			}

		case realtime.ClosedEvent:
			sawClosed = true
			m.onClosed(ctx, ev)
		}
	}

	if !sawClosed {
		// The final event got dropped; treat as an abnormal close.
		m.onClosed(ctx, realtime.ClosedEvent{Err: errors.New("session event stream ended unexpectedly")})
	}
}

// onOpen handles the endpoint's setup acknowledgment.
func (m *Manager) onOpen(ctx *sessionContext) {
	ctx.open.Store(true)
	ctx.metrics.RecordSessionOpen()

	m.mu.Lock()
	if m.current != ctx {
		m.mu.Unlock()
		return
	}
	m.state = State{Connected: true, Listening: true}
	state := m.state
	m.mu.Unlock()

	m.sink.StateChanged(state)
	m.aggregator.AppendEntry(transcript.RoleAssistant, m.opts.WelcomeText)
	m.logger.Info().Str("session_id", ctx.id).Msg("Voice session open")
}

// onSpeaking reacts to playback activity changes for the active session.
func (m *Manager) onSpeaking(ctx *sessionContext, speaking bool) {
	m.mu.Lock()
	if m.current != ctx {
		m.mu.Unlock()
		return
	}
	m.state.Speaking = speaking
	m.state.Listening = m.state.Connected && !speaking
	state := m.state
	m.mu.Unlock()

	m.sink.StateChanged(state)
}

// onClosed tears the session down and decides whether to reconnect.
func (m *Manager) onClosed(ctx *sessionContext, ev realtime.ClosedEvent) {
	ctx.teardown()
	ctx.metrics.RecordSessionEnd()

	m.mu.Lock()
	if m.current != ctx {
		// Stop already detached this context; nothing to publish.
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.state = State{}
	state := m.state
	everStarted := m.everStarted
	m.mu.Unlock()

	m.sink.StateChanged(state)
	m.aggregator.ClearPending()

	if ev.Clean {
		m.logger.Info().Str("session_id", ctx.id).Msg("Voice session closed")
		return
	}

	kind := Classify(ev.Err)
	observability.RecordError(string(kind))
	m.logger.Warn().Str("session_id", ctx.id).Err(ev.Err).Str("kind", string(kind)).Msg("Voice session closed abnormally")

	if kind.NeedsAuth() {
		m.mu.Lock()
		m.needsAuth = true
		m.mu.Unlock()
		if kind == KindInvalidCredential {
			m.creds.Clear()
		}
	}
	m.surfaceError(kind)

	if everStarted && !kind.NeedsAuth() && kind.Reconnectable() {
		m.scheduleReconnect()
	}
}

// abort handles a failed connection attempt before the session opened.
func (m *Manager) abort(ctx *sessionContext, err error) {
	ctx.teardown()
	ctx.metrics.RecordSessionEnd()

	m.mu.Lock()
	if m.current != ctx {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.state = State{}
	state := m.state
	everStarted := m.everStarted
	m.mu.Unlock()

	m.sink.StateChanged(state)

	kind := Classify(err)
	observability.RecordError(string(kind))
	m.logger.Warn().Str("session_id", ctx.id).Err(err).Str("kind", string(kind)).Msg("Voice session failed to open")

	if kind.NeedsAuth() {
		m.mu.Lock()
		m.needsAuth = true
		m.mu.Unlock()
		if kind == KindInvalidCredential {
			m.creds.Clear()
		}
	}
	m.surfaceError(kind)

	if everStarted && !kind.NeedsAuth() && kind.Reconnectable() {
		m.scheduleReconnect()
	}
}

// Stop closes the active session. Visible state clears synchronously; device
// and connection teardown completes in the background.
func (m *Manager) Stop() {
	m.reconnect.Cancel()

	m.mu.Lock()
	ctx := m.current
	m.current = nil
	m.state = State{}
	state := m.state
	if m.errTimer != nil {
		m.errTimer.Stop()
		m.errTimer = nil
	}
	m.mu.Unlock()

	m.sink.StateChanged(state)
	m.sink.ErrorCleared()
	m.aggregator.ClearPending()

	if ctx != nil {
		m.logger.Info().Str("session_id", ctx.id).Msg("Stopping voice session")
		go func() {
			ctx.teardown()
			ctx.metrics.RecordSessionEnd()
		}()
	}
}

// ProvisionKey stores a new API key and retries the session when the previous
// attempt failed on credentials.
func (m *Manager) ProvisionKey(key string) {
	m.creds.SetKey(key)

	m.mu.Lock()
	wasNeedsAuth := m.needsAuth
	m.needsAuth = false
	if m.errTimer != nil {
		m.errTimer.Stop()
		m.errTimer = nil
	}
	active := m.current != nil
	m.mu.Unlock()

	m.sink.ErrorCleared()

	if wasNeedsAuth && !active {
		_ = m.Start()
	}
}

// State returns the current visible state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active reports whether a session is open or connecting.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

func (m *Manager) scheduleReconnect() {
	observability.RecordReconnectScheduled()
	m.logger.Info().Dur("delay", m.opts.ReconnectDelay).Msg("Reconnect scheduled")
	m.reconnect.Schedule(m.opts.ReconnectDelay, func() {
		_ = m.Start()
	})
}

// surfaceError publishes a classified error and arms the auto-clear timer.
func (m *Manager) surfaceError(kind Kind) {
	m.sink.ErrorSurfaced(kind, kind.Message(), kind.NeedsAuth())

	m.mu.Lock()
	if m.errTimer != nil {
		m.errTimer.Stop()
	}
	m.errTimer = time.AfterFunc(m.opts.ErrorTTL, func() {
		m.mu.Lock()
		m.errTimer = nil
		m.mu.Unlock()
		m.sink.ErrorCleared()
	})
	m.mu.Unlock()
}

func (c *sessionContext) setMicrophone(mic device.Microphone) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.mic = mic
	return true
}

func (c *sessionContext) setOutput(out device.Output, scheduler *playback.Scheduler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.out = out
	c.scheduler = scheduler
	return true
}

func (c *sessionContext) setConn(conn realtime.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	return true
}

func (c *sessionContext) getScheduler() *playback.Scheduler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduler
}

// teardown releases every acquired resource exactly once.
func (c *sessionContext) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	mic := c.mic
	out := c.out
	scheduler := c.scheduler
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if mic != nil {
		_ = mic.Close()
	}
	if scheduler != nil {
		scheduler.Flush()
	}
	if out != nil {
		_ = out.Close()
	}
}
