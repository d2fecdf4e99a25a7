// Package ringbuffer implements the per-layer, fixed-capacity circular
// store of frame.Frame values that backs one recording layer. It is the
// boundary between the capture thread (the sole writer, while a layer is
// Capturing) and any number of playback cursors (readers, once sealed).
package ringbuffer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/loopengine/internal/frame"
)

// ErrInvalidCapacity is returned by New when capacity is zero.
var ErrInvalidCapacity = errors.New("ringbuffer: capacity must be greater than zero")

// defaultFrameDuration is substituted for a frame's duration when the
// source didn't supply one: one frame at 30fps.
const defaultFrameDuration = 33*time.Millisecond + 333*time.Microsecond

// WriteOutcome reports what Write actually did with a frame.
type WriteOutcome int

const (
	// Stored means the frame was appended without discarding anything.
	Stored WriteOutcome = iota
	// Overflowed means the buffer was at capacity and the oldest held
	// frame was dropped to make room for the new one.
	Overflowed
	// CapsMismatch means the frame's caps didn't match the buffer's
	// negotiated caps; the frame was dropped and not stored.
	CapsMismatch
	// Sealed means the buffer is immutable; the frame was dropped.
	Sealed
)

// RingBuffer is a bounded circular store of frames for a single
// recording layer (0..49). Once Seal is called it becomes read-only and
// safe for concurrent reads by any number of PalindromeCursors; reads
// share the buffer's read lock.
type RingBuffer struct {
	layer    int
	capacity int
	caps     frame.Caps
	hasCaps  bool

	mu          sync.RWMutex
	slots       []frame.Frame
	writeIndex  int
	count       int
	overflowed  bool // true once the buffer has wrapped at least once
	cumulative  time.Duration
	sealed      atomic.Bool

	overflowCount     atomic.Uint64
	totalWritten      atomic.Uint64
	framesDroppedCaps atomic.Uint64
}

// New creates an empty RingBuffer for layer with room for capacity
// frames. caps is advisory until the first successful Write fixes it.
func New(layer, capacity int, caps frame.Caps) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &RingBuffer{
		layer:    layer,
		capacity: capacity,
		caps:     caps,
		slots:    make([]frame.Frame, capacity),
	}, nil
}

// Layer returns the layer index this buffer is assigned to.
func (rb *RingBuffer) Layer() int { return rb.layer }

// Capacity returns the fixed slot count.
func (rb *RingBuffer) Capacity() int { return rb.capacity }

// Write stores f, applying the drop-oldest overflow policy. Write is not
// safe to call concurrently with another Write (the capture thread is
// the single writer); it is safe to call concurrently with Read and
// with Seal racing in to finalize the buffer.
func (rb *RingBuffer) Write(f frame.Frame) WriteOutcome {
	if rb.sealed.Load() {
		return Sealed
	}

	rb.totalWritten.Add(1)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.hasCaps {
		rb.caps = f.Caps()
		rb.hasCaps = true
	} else if !rb.caps.Equal(f.Caps()) {
		rb.framesDroppedCaps.Add(1)
		return CapsMismatch
	}

	d := time.Duration(f.Duration())
	if d <= 0 {
		d = defaultFrameDuration
	}

	outcome := Stored
	if rb.count == rb.capacity {
		oldest := rb.slots[rb.writeIndex]
		oldest.Release()
		rb.overflowCount.Add(1)
		rb.overflowed = true
		outcome = Overflowed

		oldDuration := time.Duration(oldest.Duration())
		if oldDuration <= 0 {
			oldDuration = defaultFrameDuration
		}
		rb.cumulative -= oldDuration
	} else {
		rb.count++
	}

	rb.slots[rb.writeIndex] = f
	rb.writeIndex = (rb.writeIndex + 1) % rb.capacity
	rb.cumulative += d

	return outcome
}

// Read returns a clone of the frame at logical position index (0 =
// oldest held frame). The caller owns the returned Frame and should
// Release it once done. Out-of-range index returns the zero Frame and
// false; it does not mutate state.
func (rb *RingBuffer) Read(index int) (frame.Frame, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if index < 0 || index >= rb.count {
		return frame.Frame{}, false
	}
	return rb.slots[rb.physicalIndex(index)].Clone(), true
}

// physicalIndex maps logical index k to its physical slot. Caller must
// hold rb.mu.
func (rb *RingBuffer) physicalIndex(k int) int {
	if !rb.overflowed {
		return k
	}
	return (rb.writeIndex + k) % rb.capacity
}

// Seal transitions the buffer to immutable. Subsequent Writes return
// Sealed and are dropped. Safe to call more than once.
func (rb *RingBuffer) Seal() {
	rb.sealed.Store(true)
}

// IsSealed reports whether Seal has been called.
func (rb *RingBuffer) IsSealed() bool { return rb.sealed.Load() }

// Count returns the number of frames currently held.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Duration returns the cumulative duration of frames currently held.
func (rb *RingBuffer) Duration() time.Duration {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.cumulative
}

// Caps returns the caps fixed by the first successful write, or the
// zero Caps if nothing has been written yet.
func (rb *RingBuffer) Caps() frame.Caps {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.caps
}

// OverflowCount returns the number of writes that discarded the oldest
// held frame. Advisory; stale reads under concurrent writes are fine.
func (rb *RingBuffer) OverflowCount() uint64 { return rb.overflowCount.Load() }

// TotalWritten returns the number of Write calls made before Seal,
// including overflowed and caps-mismatched ones. Writes rejected as
// Sealed are not counted.
func (rb *RingBuffer) TotalWritten() uint64 { return rb.totalWritten.Load() }

// FramesDroppedCaps returns the number of frames rejected for a caps
// mismatch against the buffer's negotiated format.
func (rb *RingBuffer) FramesDroppedCaps() uint64 { return rb.framesDroppedCaps.Load() }

// Release drops every frame currently held, for use when a sealed buffer
// is discarded after being replaced by a newer capture on the same
// layer. Safe to call once all playback cursors over this buffer have
// been detached.
func (rb *RingBuffer) Release() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for i := range rb.slots {
		rb.slots[i].Release()
		rb.slots[i] = frame.Frame{}
	}
	rb.count = 0
}
