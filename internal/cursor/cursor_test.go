package cursor

import (
	"testing"

	"github.com/breeze-rmm/loopengine/internal/frame"
	"github.com/breeze-rmm/loopengine/internal/ringbuffer"
)

func testCaps() frame.Caps {
	return frame.Caps{Format: frame.PixelFormatRGBA, Width: 2, Height: 2, FramerateN: 30, FramerateD: 1}
}

func sealedBuffer(t *testing.T, n int) *ringbuffer.RingBuffer {
	t.Helper()
	rb, err := ringbuffer.New(0, n, testCaps())
	if err != nil {
		t.Fatalf("ringbuffer.New: %v", err)
	}
	for i := 0; i < n; i++ {
		rb.Write(frame.New([]byte{byte(i)}, int64(i), 1_000_000, testCaps()))
	}
	rb.Seal()
	return rb
}

func TestNewRejectsUnsealedBuffer(t *testing.T) {
	rb, _ := ringbuffer.New(0, 2, testCaps())
	rb.Write(frame.New([]byte{0}, 0, 1_000_000, testCaps()))

	if _, err := New(rb, 0, 1_000_000); err != ErrNotSealed {
		t.Fatalf("expected ErrNotSealed, got %v", err)
	}
}

func TestNewRejectsEmptyBuffer(t *testing.T) {
	rb, _ := ringbuffer.New(0, 2, testCaps())
	rb.Seal()

	if _, err := New(rb, 0, 1_000_000); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestSingleFrameBufferStaysParked(t *testing.T) {
	rb := sealedBuffer(t, 1)
	c, err := New(rb, 0, 1_000_000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 5; i++ {
		if c.Index() != 0 {
			t.Fatalf("expected index to stay at 0, got %d at step %d", c.Index(), i)
		}
		c.Advance()
	}
}

// TestPalindromeNeverRepeatsConsecutiveFrames walks many cycles of a
// multi-frame buffer and asserts no two consecutive emissions land on the
// same logical index — the defining invariant of palindrome playback.
func TestPalindromeNeverRepeatsConsecutiveFrames(t *testing.T) {
	rb := sealedBuffer(t, 5)
	c, err := New(rb, 0, 1_000_000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	prev := c.Index()
	for i := 0; i < 100; i++ {
		c.Advance()
		if c.Index() == prev {
			t.Fatalf("step %d: index repeated at %d", i, c.Index())
		}
		prev = c.Index()
	}
}

func TestPalindromeSequenceMatchesExpectedShape(t *testing.T) {
	rb := sealedBuffer(t, 3) // expect 0,1,2,1,0,1,2,1,0,...
	c, err := New(rb, 0, 1_000_000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := []int{0, 1, 2, 1, 0, 1, 2, 1, 0}
	got := make([]int, 0, len(want))
	got = append(got, c.Index())
	for i := 1; i < len(want); i++ {
		c.Advance()
		got = append(got, c.Index())
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence mismatch at step %d: want %v, got %v", i, want, got)
		}
	}
}

func TestDirectionFlipsAtEndpoints(t *testing.T) {
	rb := sealedBuffer(t, 3)
	c, _ := New(rb, 0, 1_000_000)

	if c.Direction() != Forward {
		t.Fatalf("expected initial direction Forward, got %v", c.Direction())
	}
	c.Advance() // -> 1
	c.Advance() // -> 2 (last index; still Forward until the next Advance)
	c.Advance() // -> 1, flips to Reverse
	if c.Direction() != Reverse {
		t.Fatalf("expected Reverse after stepping off the last index, got %v", c.Direction())
	}
	c.Advance() // -> 0
	c.Advance() // -> 1, flips to Forward
	if c.Direction() != Forward {
		t.Fatalf("expected Forward after stepping off the first index, got %v", c.Direction())
	}
}

func TestPeekRetimestampsMonotonically(t *testing.T) {
	rb := sealedBuffer(t, 3)
	c, _ := New(rb, 1000, 500)

	f1 := c.Peek()
	pts1 := f1.PTS()
	f1.Release()

	c.Advance()
	f2 := c.Peek()
	pts2 := f2.PTS()
	f2.Release()

	if pts2 <= pts1 {
		t.Fatalf("expected monotonically increasing PTS, got %d then %d", pts1, pts2)
	}
	if pts2-pts1 != 500 {
		t.Fatalf("expected PTS to advance by frame interval 500, got delta %d", pts2-pts1)
	}
}
