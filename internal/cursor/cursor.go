// Package cursor implements palindrome playback over a sealed
// ringbuffer.RingBuffer: an infinite forward/reverse walk of the stored
// frames that reverses direction at each endpoint instead of wrapping,
// producing the back-and-forth "loop" effect.
package cursor

import (
	"errors"
	"time"

	"github.com/breeze-rmm/loopengine/internal/frame"
	"github.com/breeze-rmm/loopengine/internal/ringbuffer"
)

// ErrNotSealed is returned by New when the supplied buffer has not been
// sealed yet; playback only ever reads from immutable content.
var ErrNotSealed = errors.New("cursor: ring buffer is not sealed")

// ErrEmpty is returned by New when the buffer holds no frames.
var ErrEmpty = errors.New("cursor: ring buffer is empty")

// Direction is the cursor's current direction of travel.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// PalindromeCursor walks a sealed RingBuffer forward then backward,
// forever. A buffer with N frames produces the sequence
// 0,1,...,N-1,N-2,...,1,0,1,...; each endpoint is visited exactly once
// per half-cycle, so no frame repeats back-to-back when N >= 2.
type PalindromeCursor struct {
	buf   *ringbuffer.RingBuffer
	index int
	dir   Direction

	pts      int64 // next PTS to stamp on an emitted frame, monotonic
	frameDur int64 // nanoseconds per advance step, from config default
}

// New creates a cursor over buf, which must already be sealed and hold
// at least one frame. startPTS is the PTS to stamp on the first emitted
// frame; frameDur is the nanosecond step added to PTS on every Advance.
func New(buf *ringbuffer.RingBuffer, startPTS, frameDur int64) (*PalindromeCursor, error) {
	if !buf.IsSealed() {
		return nil, ErrNotSealed
	}
	if buf.Count() == 0 {
		return nil, ErrEmpty
	}
	return &PalindromeCursor{
		buf:      buf,
		index:    0,
		dir:      Forward,
		pts:      startPTS,
		frameDur: frameDur,
	}, nil
}

// Peek returns the frame at the cursor's current position, retimestamped
// to the cursor's next PTS, without advancing. The caller owns the
// returned Frame and must Release it.
func (c *PalindromeCursor) Peek() frame.Frame {
	f, ok := c.buf.Read(c.index)
	if !ok {
		// Buffer shrank under us (should not happen once sealed); hold
		// position at the last valid index.
		c.index = c.buf.Count() - 1
		f, _ = c.buf.Read(c.index)
	}
	out := f.WithPTS(c.pts)
	f.Release()
	return out
}

// Advance moves the cursor one step in its current direction, flipping
// direction at either endpoint, and bumps the PTS clock by frameDur.
// A single-frame buffer (N=1) stays parked at index 0 forever.
func (c *PalindromeCursor) Advance() {
	c.pts += c.frameDur

	n := c.buf.Count()
	if n <= 1 {
		return
	}

	switch c.dir {
	case Forward:
		if c.index == n-1 {
			c.dir = Reverse
			c.index--
		} else {
			c.index++
		}
	case Reverse:
		if c.index == 0 {
			c.dir = Forward
			c.index++
		} else {
			c.index--
		}
	}
}

// Direction returns the cursor's current direction of travel.
func (c *PalindromeCursor) Direction() Direction { return c.dir }

// IsActive reports whether the cursor has frames to yield. New rejects
// empty buffers, so a constructed cursor is always active; this exists
// for callers holding a cursor past its buffer's replacement.
func (c *PalindromeCursor) IsActive() bool { return c.buf.Count() > 0 }

// Index returns the cursor's current logical position in the buffer.
func (c *PalindromeCursor) Index() int { return c.index }

// NextPTS returns the PTS that will be stamped on the next Peek result.
func (c *PalindromeCursor) NextPTS() int64 { return c.pts }

// FrameInterval returns the configured step duration between frames.
func (c *PalindromeCursor) FrameInterval() time.Duration {
	return time.Duration(c.frameDur)
}
