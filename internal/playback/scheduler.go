package playback

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenvoice/voice-assistant/internal/audio"
	"github.com/lumenvoice/voice-assistant/internal/device"
)

// Scheduler chains decoded output segments onto the playback device so they
// render in arrival order, back-to-back, with no gap and no overlap. A single
// timeline cursor tracks the next free start time; Flush discards everything
// in flight on interruption.
type Scheduler struct {
	out    device.Output
	logger zerolog.Logger

	// onSpeaking is invoked outside the lock whenever the speaking state
	// derived from the active set changes.
	onSpeaking func(bool)

	mu       sync.Mutex
	cursor   time.Duration
	active   map[device.Playing]struct{}
	gen      uint64
	speaking bool
}

// NewScheduler creates a scheduler rendering to the given output device.
// onSpeaking may be nil.
func NewScheduler(out device.Output, onSpeaking func(bool), logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		out:        out,
		logger:     logger,
		onSpeaking: onSpeaking,
		active:     make(map[device.Playing]struct{}),
	}
}

// Enqueue schedules a segment to start at max(device clock, timeline cursor)
// and advances the cursor by the segment's duration.
func (s *Scheduler) Enqueue(buf audio.PCMBuffer) error {
	if len(buf.Samples) == 0 {
		return nil
	}

	s.mu.Lock()
	start := s.out.Clock()
	if s.cursor > start {
		start = s.cursor
	}

	playing, err := s.out.PlayAt(buf, start)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.cursor = start + buf.Duration()
	s.active[playing] = struct{}{}
	gen := s.gen
	notify := s.setSpeakingLocked(true)
	s.mu.Unlock()

	if notify != nil {
		notify()
	}

	s.logger.Debug().
		Dur("start", start).
		Dur("duration", buf.Duration()).
		Msg("Playback segment scheduled")

	go s.watch(playing, gen)
	return nil
}

// watch removes a segment from the active set when it finishes rendering.
func (s *Scheduler) watch(playing device.Playing, gen uint64) {
	<-playing.Done()

	s.mu.Lock()
	if s.gen != gen {
		// Flushed since this segment was scheduled; Flush already
		// settled the state.
		s.mu.Unlock()
		return
	}
	delete(s.active, playing)
	var notify func()
	if len(s.active) == 0 {
		notify = s.setSpeakingLocked(false)
	}
	s.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Flush immediately stops every active and scheduled segment, clears the
// active set, and resets the timeline cursor. The next enqueue re-syncs
// against the device clock via the max() start policy. Safe to call with
// nothing active.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	s.gen++
	s.active = make(map[device.Playing]struct{})
	s.cursor = 0
	notify := s.setSpeakingLocked(false)
	s.mu.Unlock()

	s.out.StopAll()

	if notify != nil {
		notify()
	}
	s.logger.Debug().Msg("Playback flushed")
}

// ActiveCount returns the number of segments scheduled or rendering.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Speaking reports whether any segment is scheduled or rendering.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Cursor returns the next free start time on the output timeline.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// setSpeakingLocked updates the speaking flag and returns the pending
// notification, to be run after the lock is released.
func (s *Scheduler) setSpeakingLocked(speaking bool) func() {
	if s.speaking == speaking {
		return nil
	}
	s.speaking = speaking
	if s.onSpeaking == nil {
		return nil
	}
	cb := s.onSpeaking
	return func() { cb(speaking) }
}
