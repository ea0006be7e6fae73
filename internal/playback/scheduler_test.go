package playback

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenvoice/voice-assistant/internal/audio"
	"github.com/lumenvoice/voice-assistant/internal/device"
)

// fakeOutput is a playback device with a manually advanced clock.
type fakeOutput struct {
	mu      sync.Mutex
	clock   time.Duration
	starts  []time.Duration
	playing []*fakePlaying
	stopped int
}

type fakePlaying struct {
	done chan struct{}
	once sync.Once
}

func (p *fakePlaying) Done() <-chan struct{} { return p.done }
func (p *fakePlaying) finish()               { p.once.Do(func() { close(p.done) }) }

func newFakeOutput() *fakeOutput {
	return &fakeOutput{}
}

func (f *fakeOutput) Clock() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

func (f *fakeOutput) PlayAt(buf audio.PCMBuffer, start time.Duration) (device.Playing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, start)
	p := &fakePlaying{done: make(chan struct{})}
	f.playing = append(f.playing, p)
	return p, nil
}

func (f *fakeOutput) StopAll() {
	f.mu.Lock()
	playing := f.playing
	f.playing = nil
	f.stopped += len(playing)
	f.mu.Unlock()
	for _, p := range playing {
		p.finish()
	}
}

func (f *fakeOutput) Close() error { return nil }

func (f *fakeOutput) advance(d time.Duration) {
	f.mu.Lock()
	f.clock += d
	f.mu.Unlock()
}

func (f *fakeOutput) finishAll() {
	f.mu.Lock()
	playing := f.playing
	f.playing = nil
	f.mu.Unlock()
	for _, p := range playing {
		p.finish()
	}
}

func halfSecondBuffer() audio.PCMBuffer {
	return audio.PCMBuffer{
		Samples:    make([]float32, audio.OutputSampleRate/2),
		SampleRate: audio.OutputSampleRate,
		Channels:   1,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func TestEnqueue_BackToBack(t *testing.T) {
	out := newFakeOutput()
	s := NewScheduler(out, nil, zerolog.Nop())

	// Two 0.5s segments enqueued in immediate succession must chain:
	// second starts exactly where the first ends.
	if err := s.Enqueue(halfSecondBuffer()); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := s.Enqueue(halfSecondBuffer()); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if len(out.starts) != 2 {
		t.Fatalf("Expected 2 scheduled segments, got %d", len(out.starts))
	}
	if out.starts[0] != 0 {
		t.Errorf("Expected first segment at 0, got %v", out.starts[0])
	}
	if want := 500 * time.Millisecond; out.starts[1] != want {
		t.Errorf("Expected second segment at %v, got %v", want, out.starts[1])
	}
	if want := time.Second; s.Cursor() != want {
		t.Errorf("Expected cursor %v, got %v", want, s.Cursor())
	}
}

func TestEnqueue_StartsAtDeviceClockWhenCursorBehind(t *testing.T) {
	out := newFakeOutput()
	s := NewScheduler(out, nil, zerolog.Nop())

	out.advance(3 * time.Second)
	if err := s.Enqueue(halfSecondBuffer()); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if out.starts[0] != 3*time.Second {
		t.Errorf("Expected segment to start at device clock 3s, got %v", out.starts[0])
	}
}

func TestEnqueue_MonotonicStarts(t *testing.T) {
	out := newFakeOutput()
	s := NewScheduler(out, nil, zerolog.Nop())

	durations := []time.Duration{
		100 * time.Millisecond,
		250 * time.Millisecond,
		50 * time.Millisecond,
		500 * time.Millisecond,
	}
	for _, d := range durations {
		samples := int(time.Duration(audio.OutputSampleRate) * d / time.Second)
		buf := audio.PCMBuffer{Samples: make([]float32, samples), SampleRate: audio.OutputSampleRate, Channels: 1}
		if err := s.Enqueue(buf); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	expected := time.Duration(0)
	for i, start := range out.starts {
		if start != expected {
			t.Errorf("Segment %d: expected start %v, got %v", i, expected, start)
		}
		expected += durations[i]
	}
}

func TestEnqueue_EmptyBufferIsNoop(t *testing.T) {
	out := newFakeOutput()
	s := NewScheduler(out, nil, zerolog.Nop())

	if err := s.Enqueue(audio.PCMBuffer{SampleRate: audio.OutputSampleRate, Channels: 1}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if len(out.starts) != 0 {
		t.Errorf("Expected no scheduled segments for empty buffer, got %d", len(out.starts))
	}
	if s.Speaking() {
		t.Error("Expected not speaking after empty enqueue")
	}
}

func TestSpeakingTransitions(t *testing.T) {
	out := newFakeOutput()

	var mu sync.Mutex
	var transitions []bool
	s := NewScheduler(out, func(speaking bool) {
		mu.Lock()
		transitions = append(transitions, speaking)
		mu.Unlock()
	}, zerolog.Nop())

	if err := s.Enqueue(halfSecondBuffer()); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !s.Speaking() {
		t.Error("Expected speaking after enqueue")
	}

	out.finishAll()
	waitFor(t, func() bool { return !s.Speaking() })
	waitFor(t, func() bool { return s.ActiveCount() == 0 })

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || transitions[0] != true || transitions[1] != false {
		t.Errorf("Expected speaking transitions [true false], got %v", transitions)
	}
}

func TestFlush(t *testing.T) {
	out := newFakeOutput()
	s := NewScheduler(out, nil, zerolog.Nop())

	if err := s.Enqueue(halfSecondBuffer()); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := s.Enqueue(halfSecondBuffer()); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if s.ActiveCount() != 2 {
		t.Fatalf("Expected 2 active segments, got %d", s.ActiveCount())
	}

	s.Flush()

	if s.ActiveCount() != 0 {
		t.Errorf("Expected 0 active segments after flush, got %d", s.ActiveCount())
	}
	if s.Speaking() {
		t.Error("Expected not speaking after flush")
	}
	if s.Cursor() != 0 {
		t.Errorf("Expected cursor reset to 0, got %v", s.Cursor())
	}
	if out.stopped != 2 {
		t.Errorf("Expected 2 segments stopped on device, got %d", out.stopped)
	}
}

func TestFlush_TwiceIsSafe(t *testing.T) {
	out := newFakeOutput()
	s := NewScheduler(out, nil, zerolog.Nop())

	s.Flush()
	s.Flush()

	if s.ActiveCount() != 0 || s.Speaking() || s.Cursor() != 0 {
		t.Error("Expected flush on idle scheduler to be a no-op")
	}
}

func TestEnqueueAfterFlush_ResyncsToDeviceClock(t *testing.T) {
	out := newFakeOutput()
	s := NewScheduler(out, nil, zerolog.Nop())

	if err := s.Enqueue(halfSecondBuffer()); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	out.advance(200 * time.Millisecond)
	s.Flush()

	// Cursor was reset to zero; the next segment must start at or after
	// the current device clock, not at zero.
	if err := s.Enqueue(halfSecondBuffer()); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	last := out.starts[len(out.starts)-1]
	if last < 200*time.Millisecond {
		t.Errorf("Expected post-flush segment to start at or after device clock 200ms, got %v", last)
	}
}
