package audio

import (
	"encoding/base64"
	"fmt"
	"math"
	"time"
)

// Fixed session rates: the remote endpoint expects 16 kHz mono capture and
// returns 24 kHz mono playback audio.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000

	InputMimeType = "audio/pcm;rate=16000"
)

// Frame is one encoded microphone frame ready to send on the wire.
type Frame struct {
	MimeType string
	Data     string // base64-encoded PCM16-LE
}

// PCMBuffer holds decoded output audio ready for the playback device.
type PCMBuffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Duration returns the playback duration of the buffer.
func (b PCMBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 || b.Channels <= 0 {
		return 0
	}
	frames := len(b.Samples) / b.Channels
	return time.Duration(frames) * time.Second / time.Duration(b.SampleRate)
}

// EncodeFrame converts float samples in [-1, 1] to 16-bit signed little-endian
// PCM and wraps the bytes in the base64 transport envelope. Samples outside
// [-1, 1] are clamped.
func EncodeFrame(samples []float32) Frame {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		n := int16(math.Round(float64(s) * 32767))
		pcm[i*2] = byte(n)
		pcm[i*2+1] = byte(n >> 8)
	}
	return Frame{
		MimeType: InputMimeType,
		Data:     base64.StdEncoding.EncodeToString(pcm),
	}
}

// DecodePayload reverses the base64 envelope, reinterprets the bytes as
// 16-bit little-endian signed samples, and normalizes them to [-1, 1].
// An empty payload decodes to a zero-length buffer rather than an error.
func DecodePayload(payload string, sampleRate, channels int) (PCMBuffer, error) {
	buf := PCMBuffer{SampleRate: sampleRate, Channels: channels}

	if payload == "" {
		buf.Samples = []float32{}
		return buf, nil
	}

	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return PCMBuffer{}, fmt.Errorf("decode audio payload: %w", err)
	}
	if len(pcm)%2 != 0 {
		return PCMBuffer{}, fmt.Errorf("audio payload length must be even (16-bit samples), got %d bytes", len(pcm))
	}

	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		// Little-endian 16-bit signed integer
		n := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		samples[i] = float32(n) / 32768.0
	}

	buf.Samples = samples
	return buf, nil
}

// DecodePCM16 converts raw 16-bit little-endian PCM bytes to float samples.
// Used when a payload arrives already base64-decoded.
func DecodePCM16(pcm []byte, sampleRate, channels int) (PCMBuffer, error) {
	if len(pcm)%2 != 0 {
		return PCMBuffer{}, fmt.Errorf("PCM data length must be even (16-bit samples), got %d bytes", len(pcm))
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		n := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		samples[i] = float32(n) / 32768.0
	}
	return PCMBuffer{Samples: samples, SampleRate: sampleRate, Channels: channels}, nil
}

// Level calculates the root mean square of a sample frame.
// Used for the input level reported to the presentation layer.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
