package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/lumenvoice/voice-assistant/internal/audio"
)

// PortAudio opens host audio devices through the PortAudio library.
// Initialize must have been called before any device is opened.
type PortAudio struct{}

// Initialize starts the PortAudio host API. Call once at process start.
func Initialize() error {
	return portaudio.Initialize()
}

// Terminate releases the PortAudio host API. Call once at process exit.
func Terminate() error {
	return portaudio.Terminate()
}

// OpenMicrophone opens the default capture device at the given rate and
// starts delivering frames of frameSize samples.
func (PortAudio) OpenMicrophone(sampleRate, frameSize int) (Microphone, error) {
	buf := make([]int16, frameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), frameSize, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: open capture stream: %v", ErrUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: start capture stream: %v", ErrUnavailable, err)
	}

	m := &paMicrophone{
		stream: stream,
		buf:    buf,
		frames: make(chan []float32, 16),
		done:   make(chan struct{}),
	}
	go m.captureLoop()
	return m, nil
}

type paMicrophone struct {
	stream *portaudio.Stream
	buf    []int16
	frames chan []float32

	closeOnce sync.Once
	done      chan struct{}
}

func (m *paMicrophone) Frames() <-chan []float32 {
	return m.frames
}

func (m *paMicrophone) captureLoop() {
	defer close(m.frames)

	for {
		select {
		case <-m.done:
			return
		default:
		}

		if err := m.stream.Read(); err != nil {
			return
		}

		frame := make([]float32, len(m.buf))
		for i, s := range m.buf {
			frame[i] = float32(s) / 32768.0
		}

		select {
		case m.frames <- frame:
		case <-m.done:
			return
		default:
			// Consumer is behind; drop the frame rather than stall capture.
		}
	}
}

func (m *paMicrophone) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		_ = m.stream.Stop()
		err = m.stream.Close()
	})
	return err
}

// OpenOutput opens the default playback device. Rendering is pulled by the
// PortAudio callback from an internal sample queue, so queued segments play
// back-to-back without gaps.
func (PortAudio) OpenOutput(sampleRate, channels int) (Output, error) {
	o := &paOutput{
		rate:     sampleRate,
		channels: channels,
	}

	stream, err := portaudio.OpenDefaultStream(0, channels, float64(sampleRate), 0, o.render)
	if err != nil {
		return nil, fmt.Errorf("%w: open playback stream: %v", ErrUnavailable, err)
	}
	o.stream = stream

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: start playback stream: %v", ErrUnavailable, err)
	}
	return o, nil
}

type paOutput struct {
	stream   *portaudio.Stream
	rate     int
	channels int

	mu sync.Mutex
	// head is the absolute sample index of the next sample the device will
	// render. queue holds samples for positions [head, head+len(queue)).
	head    int64
	queue   []float32
	playing []*paPlaying

	closed bool
}

type paPlaying struct {
	end  int64 // absolute sample index one past the segment's last sample
	done chan struct{}
}

func (p *paPlaying) Done() <-chan struct{} { return p.done }

func (o *paOutput) Clock() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.samplesToDuration(o.head)
}

func (o *paOutput) PlayAt(buf audio.PCMBuffer, start time.Duration) (Playing, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, fmt.Errorf("%w: playback device closed", ErrUnavailable)
	}

	startSample := o.durationToSamples(start)
	queueEnd := o.head + int64(len(o.queue))
	if startSample < queueEnd {
		// No overlap: snap to the first free position.
		startSample = queueEnd
	}

	// Pad silence up to the requested start, then append the segment.
	if pad := startSample - queueEnd; pad > 0 {
		o.queue = append(o.queue, make([]float32, pad)...)
	}
	o.queue = append(o.queue, buf.Samples...)

	p := &paPlaying{
		end:  startSample + int64(len(buf.Samples)),
		done: make(chan struct{}),
	}
	o.playing = append(o.playing, p)
	return p, nil
}

func (o *paOutput) StopAll() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.queue = nil
	for _, p := range o.playing {
		close(p.done)
	}
	o.playing = nil
}

// render is the PortAudio stream callback.
func (o *paOutput) render(out []float32) {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := copy(out, o.queue)
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	o.queue = o.queue[n:]
	o.head += int64(len(out))

	// Complete segments the clock has passed.
	remaining := o.playing[:0]
	for _, p := range o.playing {
		if p.end <= o.head {
			close(p.done)
			continue
		}
		remaining = append(remaining, p)
	}
	o.playing = remaining
}

func (o *paOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.queue = nil
	for _, p := range o.playing {
		close(p.done)
	}
	o.playing = nil
	o.mu.Unlock()

	_ = o.stream.Stop()
	return o.stream.Close()
}

func (o *paOutput) samplesToDuration(n int64) time.Duration {
	return time.Duration(n/int64(o.channels)) * time.Second / time.Duration(o.rate)
}

func (o *paOutput) durationToSamples(d time.Duration) int64 {
	return int64(d*time.Duration(o.rate)/time.Second) * int64(o.channels)
}
