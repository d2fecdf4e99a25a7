// Package frame defines the value type that flows through the media
// graph: an immutable, reference-counted video buffer plus the
// presentation metadata (PTS, duration, caps) the rest of the engine
// needs to move, store, and replay it cheaply.
package frame

import (
	"sync/atomic"
)

// PixelFormat identifies the layout of a Frame's pixel buffer. The engine
// itself never interprets pixel bytes, so this is an opaque tag threaded
// through for caps-compatibility checks.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatRGBA
	PixelFormatBGRA
	PixelFormatNV12
	PixelFormatI420
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatRGBA:
		return "RGBA"
	case PixelFormatBGRA:
		return "BGRA"
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatI420:
		return "I420"
	default:
		return "unknown"
	}
}

// Caps describes the negotiated format of a media stream: pixel layout,
// resolution, and framerate. Two Caps are caps-compatible when Equal
// returns true.
type Caps struct {
	Format      PixelFormat
	Width       int
	Height      int
	FramerateN  int // framerate numerator, e.g. 30
	FramerateD  int // framerate denominator, e.g. 1
}

// Equal reports whether two Caps describe the same negotiated format.
func (c Caps) Equal(o Caps) bool {
	return c.Format == o.Format && c.Width == o.Width && c.Height == o.Height &&
		c.FramerateN == o.FramerateN && c.FramerateD == o.FramerateD
}

// buffer is the shared, refcounted backing store for one or more Frame
// values. It is never mutated after the frame that owns it is produced.
type buffer struct {
	data     []byte
	refcount atomic.Int32
}

func newBuffer(data []byte) *buffer {
	b := &buffer{data: data}
	b.refcount.Store(1)
	return b
}

func (b *buffer) retain() {
	b.refcount.Add(1)
}

// release decrements the refcount and returns true when this was the
// last holder, meaning the underlying data may be reclaimed by a pool.
func (b *buffer) release() bool {
	return b.refcount.Add(-1) == 0
}

// Frame is a cheap-to-clone handle to an immutable video buffer plus its
// presentation metadata. The zero Frame is not valid; use New.
type Frame struct {
	buf      *buffer
	pts      int64 // nanoseconds, producer clock
	dts      int64 // nanoseconds; equal to pts for raw frames
	duration int64 // nanoseconds
	caps     Caps
}

// New constructs a Frame around data, which the Frame takes ownership of.
// Construction never fails: an empty or nil data slice simply yields a
// zero-size frame.
func New(data []byte, pts int64, duration int64, caps Caps) Frame {
	return Frame{
		buf:      newBuffer(data),
		pts:      pts,
		dts:      pts,
		duration: duration,
		caps:     caps,
	}
}

// IsZero reports whether f is the unconstructed zero value.
func (f Frame) IsZero() bool { return f.buf == nil }

// Clone returns a cheap copy of f that shares the same underlying buffer.
// The clone must be Released independently of the original.
func (f Frame) Clone() Frame {
	if f.buf != nil {
		f.buf.retain()
	}
	return f
}

// Release drops this holder's reference to the underlying buffer. Callers
// that only ever read through RingBuffer.Read/PalindromeCursor.Peek get a
// Clone back and are expected to Release it once done; the RingBuffer
// itself holds the frames it stores until they are overwritten or the
// buffer is discarded.
func (f Frame) Release() {
	if f.buf == nil {
		return
	}
	if f.buf.release() {
		f.buf.data = nil
	}
}

// PTS returns the frame's presentation timestamp in nanoseconds.
func (f Frame) PTS() int64 { return f.pts }

// DTS returns the frame's decode timestamp in nanoseconds.
func (f Frame) DTS() int64 { return f.dts }

// Duration returns the frame's duration in nanoseconds.
func (f Frame) Duration() int64 { return f.duration }

// Caps returns the frame's negotiated format descriptor.
func (f Frame) Caps() Caps { return f.caps }

// SizeBytes returns the size of the underlying pixel buffer.
func (f Frame) SizeBytes() int {
	if f.buf == nil {
		return 0
	}
	return len(f.buf.data)
}

// Data returns the frame's raw pixel bytes. Callers must not mutate the
// returned slice: frames are immutable once constructed and may be
// shared by many holders.
func (f Frame) Data() []byte {
	if f.buf == nil {
		return nil
	}
	return f.buf.data
}

// WithPTS returns a clone of f retimestamped to pts, sharing the same
// underlying buffer. Used by the playback branch to retime emitted
// frames without touching the buffer stored in the ring buffer.
func (f Frame) WithPTS(pts int64) Frame {
	c := f.Clone()
	c.pts = pts
	c.dts = pts
	return c
}
