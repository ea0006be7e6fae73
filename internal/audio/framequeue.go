package audio

import (
	"sync"
)

// FrameQueue is a thread-safe bounded FIFO for encoded microphone frames.
// The session manager fills it while the remote session is still connecting
// and drains it in capture order once the session is open. When full, the
// oldest frame is dropped first so the buffered audio stays current.
type FrameQueue struct {
	mu      sync.Mutex
	frames  []Frame
	limit   int
	dropped int
}

// NewFrameQueue creates a frame queue holding at most limit frames.
func NewFrameQueue(limit int) *FrameQueue {
	if limit < 1 {
		limit = 1
	}
	return &FrameQueue{limit: limit}
}

// Push appends a frame, evicting the oldest frame if the queue is full.
// Returns false when an eviction happened.
func (q *FrameQueue) Push(f Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) >= q.limit {
		q.frames = q.frames[1:]
		q.dropped++
		q.frames = append(q.frames, f)
		return false
	}
	q.frames = append(q.frames, f)
	return true
}

// Drain removes and returns all buffered frames in capture order.
func (q *FrameQueue) Drain() []Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	frames := q.frames
	q.frames = nil
	return frames
}

// Len returns the number of buffered frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns how many frames were evicted since creation.
func (q *FrameQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
