package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenvoice/voice-assistant/internal/audio"
	"github.com/lumenvoice/voice-assistant/internal/credentials"
	"github.com/lumenvoice/voice-assistant/internal/device"
	"github.com/lumenvoice/voice-assistant/internal/realtime"
	"github.com/lumenvoice/voice-assistant/internal/transcript"
)

type fakeConn struct {
	events chan realtime.Event

	mu     sync.Mutex
	sent   []audio.Frame
	closed bool
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan realtime.Event, 64)}
}

func (c *fakeConn) Events() <-chan realtime.Event { return c.events }

func (c *fakeConn) SendAudio(f audio.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() {
		c.events <- realtime.ClosedEvent{Clean: true}
		close(c.events)
	})
	return nil
}

// fail emits an abnormal close and ends the event stream.
func (c *fakeConn) fail(err error) {
	c.once.Do(func() {
		c.events <- realtime.ClosedEvent{Err: err}
		close(c.events)
	})
}

func (c *fakeConn) sentFrames() []audio.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dialErr error
	keys    []string
}

func (d *fakeDialer) Dial(_ context.Context, cfg realtime.Config) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = append(d.keys, cfg.APIKey)
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type fakeMic struct {
	frames chan []float32
	once   sync.Once
}

func newFakeMic() *fakeMic {
	return &fakeMic{frames: make(chan []float32, 16)}
}

func (m *fakeMic) Frames() <-chan []float32 { return m.frames }

func (m *fakeMic) Close() error {
	m.once.Do(func() { close(m.frames) })
	return nil
}

func (m *fakeMic) emit(samples []float32) { m.frames <- samples }

type fakePlaying struct{ done chan struct{} }

func (p *fakePlaying) Done() <-chan struct{} { return p.done }

type fakeOutput struct {
	mu      sync.Mutex
	playing []*fakePlaying
}

func (o *fakeOutput) Clock() time.Duration { return 0 }

func (o *fakeOutput) PlayAt(_ audio.PCMBuffer, _ time.Duration) (device.Playing, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := &fakePlaying{done: make(chan struct{})}
	o.playing = append(o.playing, p)
	return p, nil
}

func (o *fakeOutput) StopAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.playing {
		select {
		case <-p.done:
		default:
			close(p.done)
		}
	}
	o.playing = nil
}

func (o *fakeOutput) Close() error {
	o.StopAll()
	return nil
}

type fakeOpener struct {
	mu     sync.Mutex
	mics   []*fakeMic
	micErr error
	outErr error
}

func (f *fakeOpener) OpenMicrophone(_, _ int) (device.Microphone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.micErr != nil {
		return nil, f.micErr
	}
	mic := newFakeMic()
	f.mics = append(f.mics, mic)
	return mic, nil
}

func (f *fakeOpener) OpenOutput(_, _ int) (device.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outErr != nil {
		return nil, f.outErr
	}
	return &fakeOutput{}, nil
}

func (f *fakeOpener) mic(i int) *fakeMic {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.mics) {
		return nil
	}
	return f.mics[i]
}

type surfaced struct {
	kind      Kind
	needsAuth bool
}

type fakeSink struct {
	mu      sync.Mutex
	states  []State
	errs    []surfaced
	cleared int
}

func (s *fakeSink) StateChanged(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
}

func (s *fakeSink) InputLevel(float64) {}

func (s *fakeSink) ErrorSurfaced(kind Kind, _ string, needsAuth bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, surfaced{kind: kind, needsAuth: needsAuth})
}

func (s *fakeSink) ErrorCleared() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
}

func (s *fakeSink) lastState() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return State{}, false
	}
	return s.states[len(s.states)-1], true
}

func (s *fakeSink) lastError() (surfaced, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) == 0 {
		return surfaced{}, false
	}
	return s.errs[len(s.errs)-1], true
}

func (s *fakeSink) clearedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleared
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type harness struct {
	manager    *Manager
	dialer     *fakeDialer
	opener     *fakeOpener
	sink       *fakeSink
	creds      *credentials.MemoryStore
	aggregator *transcript.Aggregator
}

func newHarness(t *testing.T, key string) *harness {
	t.Helper()
	h := &harness{
		dialer: &fakeDialer{},
		opener: &fakeOpener{},
		sink:   &fakeSink{},
		creds:  credentials.NewMemoryStore(key),
	}
	h.aggregator = transcript.NewAggregator(6, nil)
	h.manager = NewManager(Options{
		FrameSize:         320,
		PendingFrameLimit: 8,
		ReconnectDelay:    15 * time.Millisecond,
		ErrorTTL:          time.Minute,
		Logger:            zerolog.Nop(),
	}, h.dialer, h.opener, h.creds, h.aggregator, h.sink)
	return h
}

// openSession starts the manager and walks it to the open state.
func (h *harness) openSession(t *testing.T) *fakeConn {
	t.Helper()
	if err := h.manager.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return h.dialer.conn(0) != nil })
	conn := h.dialer.conn(0)
	conn.events <- realtime.SetupCompleteEvent{}
	waitFor(t, time.Second, func() bool {
		st := h.manager.State()
		return st.Connected && st.Listening
	})
	return conn
}

func TestManager_StartToOpen(t *testing.T) {
	h := newHarness(t, "valid-key")
	h.openSession(t)

	history := h.aggregator.History()
	if len(history) != 1 {
		t.Fatalf("Expected exactly 1 welcome entry, got %d", len(history))
	}
	if history[0].Role != transcript.RoleAssistant {
		t.Errorf("Expected assistant welcome entry, got role %q", history[0].Role)
	}
	if history[0].Text != DefaultWelcomeText {
		t.Errorf("Expected welcome text %q, got %q", DefaultWelcomeText, history[0].Text)
	}

	st, ok := h.sink.lastState()
	if !ok || !st.Connected || !st.Listening || st.Connecting || st.Speaking {
		t.Errorf("Expected connected+listening state, got %+v", st)
	}
}

func TestManager_StartIsIdempotent(t *testing.T) {
	h := newHarness(t, "valid-key")
	h.openSession(t)

	if err := h.manager.Start(); err != nil {
		t.Fatalf("Second Start() failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if got := h.dialer.attempts(); got != 1 {
		t.Errorf("Expected 1 dial attempt, got %d", got)
	}
}

func TestManager_PendingFramesFlushInOrder(t *testing.T) {
	h := newHarness(t, "valid-key")
	if err := h.manager.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return h.dialer.conn(0) != nil && h.opener.mic(0) != nil })

	conn := h.dialer.conn(0)
	mic := h.opener.mic(0)

	frameA := []float32{0.1, 0.1}
	frameB := []float32{0.2, 0.2}
	frameC := []float32{0.3, 0.3}

	// Captured before the setup ack: buffered, not sent.
	mic.emit(frameA)
	mic.emit(frameB)
	time.Sleep(20 * time.Millisecond)
	if got := len(conn.sentFrames()); got != 0 {
		t.Fatalf("Expected no frames sent before open, got %d", got)
	}

	conn.events <- realtime.SetupCompleteEvent{}
	waitFor(t, time.Second, func() bool { return h.manager.State().Connected })

	mic.emit(frameC)
	waitFor(t, time.Second, func() bool { return len(conn.sentFrames()) == 3 })

	sent := conn.sentFrames()
	want := []audio.Frame{
		audio.EncodeFrame(frameA),
		audio.EncodeFrame(frameB),
		audio.EncodeFrame(frameC),
	}
	for i := range want {
		if sent[i].Data != want[i].Data {
			t.Errorf("Frame %d out of order", i)
		}
	}
}

func TestManager_MissingCredential(t *testing.T) {
	h := newHarness(t, "")

	err := h.manager.Start()
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("Expected ErrMissingCredential, got %v", err)
	}

	e, ok := h.sink.lastError()
	if !ok || e.kind != KindMissingCredential || !e.needsAuth {
		t.Errorf("Expected surfaced missing_credential needing auth, got %+v (ok=%v)", e, ok)
	}
	if got := h.dialer.attempts(); got != 0 {
		t.Errorf("Expected no dial attempts, got %d", got)
	}
}

func TestManager_PermissionDeniedNoReconnect(t *testing.T) {
	h := newHarness(t, "valid-key")
	h.opener.micErr = fmt.Errorf("open capture stream: %w", device.ErrUnavailable)

	if err := h.manager.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		e, ok := h.sink.lastError()
		return ok && e.kind == KindPermissionDenied
	})

	time.Sleep(60 * time.Millisecond)
	if got := h.dialer.attempts(); got != 0 {
		t.Errorf("Expected no reconnect after permission denial, got %d attempts", got)
	}
	if st := h.manager.State(); st.Connecting || st.Connected {
		t.Errorf("Expected idle state after denial, got %+v", st)
	}
}

func TestManager_ReconnectAfterAbnormalClose(t *testing.T) {
	h := newHarness(t, "valid-key")
	conn := h.openSession(t)

	conn.fail(errors.New("stream reset"))

	waitFor(t, time.Second, func() bool { return h.dialer.attempts() == 2 })

	e, ok := h.sink.lastError()
	if !ok || e.needsAuth {
		t.Errorf("Expected non-auth error surfaced, got %+v (ok=%v)", e, ok)
	}

	// Exactly one reconnect attempt for one close.
	time.Sleep(60 * time.Millisecond)
	if got := h.dialer.attempts(); got != 2 {
		t.Errorf("Expected 2 total dial attempts, got %d", got)
	}
}

func TestManager_InvalidCredentialNoReconnect(t *testing.T) {
	h := newHarness(t, "rejected-key")
	conn := h.openSession(t)

	conn.fail(fmt.Errorf("%w: close 1008", realtime.ErrInvalidCredential))

	waitFor(t, time.Second, func() bool {
		e, ok := h.sink.lastError()
		return ok && e.kind == KindInvalidCredential && e.needsAuth
	})

	if _, ok := h.creds.Key(); ok {
		t.Error("Expected rejected credential to be cleared")
	}

	time.Sleep(60 * time.Millisecond)
	if got := h.dialer.attempts(); got != 1 {
		t.Errorf("Expected no reconnect after credential rejection, got %d attempts", got)
	}
}

func TestManager_ProvisionKeyRetriesAfterRejection(t *testing.T) {
	h := newHarness(t, "rejected-key")
	conn := h.openSession(t)

	conn.fail(fmt.Errorf("%w: close 1008", realtime.ErrInvalidCredential))
	waitFor(t, time.Second, func() bool {
		e, ok := h.sink.lastError()
		return ok && e.kind == KindInvalidCredential
	})

	h.manager.ProvisionKey("fresh-key")

	waitFor(t, time.Second, func() bool { return h.dialer.attempts() == 2 })
	h.dialer.mu.Lock()
	lastKey := h.dialer.keys[len(h.dialer.keys)-1]
	h.dialer.mu.Unlock()
	if lastKey != "fresh-key" {
		t.Errorf("Expected retry with fresh key, dialed with %q", lastKey)
	}
}

func TestManager_StopClearsStateSynchronously(t *testing.T) {
	h := newHarness(t, "valid-key")
	h.openSession(t)

	h.manager.Stop()

	if st := h.manager.State(); st.Connected || st.Connecting || st.Listening || st.Speaking {
		t.Errorf("Expected cleared state immediately after Stop, got %+v", st)
	}

	// The clean close must not schedule a reconnect.
	time.Sleep(60 * time.Millisecond)
	if got := h.dialer.attempts(); got != 1 {
		t.Errorf("Expected no reconnect after Stop, got %d attempts", got)
	}
}

func TestManager_ErrorAutoClears(t *testing.T) {
	h := newHarness(t, "")
	h.manager.opts.ErrorTTL = 20 * time.Millisecond

	_ = h.manager.Start()

	waitFor(t, time.Second, func() bool { return h.sink.clearedCount() >= 1 })
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"missing credential", ErrMissingCredential, KindMissingCredential},
		{"wrapped missing credential", fmt.Errorf("start: %w", ErrMissingCredential), KindMissingCredential},
		{"invalid credential", realtime.ErrInvalidCredential, KindInvalidCredential},
		{"device unavailable", device.ErrUnavailable, KindPermissionDenied},
		{"generic", errors.New("boom"), KindUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}
