package device

import (
	"errors"
	"time"

	"github.com/lumenvoice/voice-assistant/internal/audio"
)

// ErrUnavailable indicates a capture or playback device could not be opened,
// typically because permission was denied or no device is present.
var ErrUnavailable = errors.New("audio device unavailable")

// Microphone is an open capture stream delivering fixed-size sample frames.
type Microphone interface {
	// Frames yields normalized mono frames in capture order. The channel is
	// closed when the microphone is closed or the capture stream fails.
	Frames() <-chan []float32

	// Close stops capture and releases the device.
	Close() error
}

// Playing tracks one scheduled playback segment.
type Playing interface {
	// Done is closed when the segment has fully rendered or was flushed.
	Done() <-chan struct{}
}

// Output is a playback device with a monotonic sample clock.
type Output interface {
	// Clock returns the device playback position. It advances in real time
	// while the device is open and never goes backwards.
	Clock() time.Duration

	// PlayAt schedules a buffer to begin rendering at the given clock
	// position. Callers are expected to pass start >= Clock(); earlier
	// starts snap forward to the first free position.
	PlayAt(buf audio.PCMBuffer, start time.Duration) (Playing, error)

	// StopAll discards everything queued or rendering and completes all
	// outstanding Playing handles.
	StopAll()

	// Close stops rendering and releases the device.
	Close() error
}

// Opener acquires audio devices for a session. The session manager holds at
// most one microphone and one output open at a time.
type Opener interface {
	OpenMicrophone(sampleRate, frameSize int) (Microphone, error)
	OpenOutput(sampleRate, channels int) (Output, error)
}
