package mediagraph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/loopengine/internal/config"
	"github.com/breeze-rmm/loopengine/internal/frame"
	"github.com/breeze-rmm/loopengine/internal/ringbuffer"
)

type captureSink struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (s *captureSink) WriteFrame(f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f.Clone())
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Grid.OutputWidth = 16
	cfg.Grid.OutputHeight = 16
	cfg.OutputFramerate = 200 // fast tick for tests
	return cfg
}

func testCaps() frame.Caps {
	return frame.Caps{Format: frame.PixelFormatRGBA, Width: 16, Height: 16, FramerateN: 30, FramerateD: 1}
}

func sealedBuffer(t *testing.T, n int) *ringbuffer.RingBuffer {
	t.Helper()
	rb, err := ringbuffer.New(0, n, testCaps())
	if err != nil {
		t.Fatalf("ringbuffer.New: %v", err)
	}
	data := make([]byte, 16*16*4)
	for i := 0; i < n; i++ {
		rb.Write(frame.New(data, int64(i), 1_000_000, testCaps()))
	}
	rb.Seal()
	return rb
}

func TestInitializeRejectsDoubleCall(t *testing.T) {
	ctrl := New(testConfig(), &captureSink{})
	ctx := context.Background()

	if err := ctrl.Initialize(ctx, SourceSpec{Caps: testCaps()}); err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	if err := ctrl.Initialize(ctx, SourceSpec{Caps: testCaps()}); err != ErrAlreadyInitialized {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}

	ctrl.Shutdown(ctx)
}

func TestOperationsBeforeInitializeFail(t *testing.T) {
	ctrl := New(testConfig(), &captureSink{})
	rb, _ := ringbuffer.New(0, 4, testCaps())

	if err := ctrl.AttachRecordBranch(0, rb); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestAttachDetachRecordBranchLifecycle(t *testing.T) {
	ctrl := New(testConfig(), &captureSink{})
	ctx := context.Background()
	ctrl.Initialize(ctx, SourceSpec{Caps: testCaps()})
	defer ctrl.Shutdown(ctx)

	rb, _ := ringbuffer.New(2, 4, testCaps())
	if err := ctrl.AttachRecordBranch(2, rb); err != nil {
		t.Fatalf("AttachRecordBranch: %v", err)
	}

	active := ctrl.ActiveRecordBranches()
	if len(active) != 1 || active[0] != 2 {
		t.Fatalf("expected layer 2 active, got %v", active)
	}

	if err := ctrl.DetachRecordBranch(2); err != nil {
		t.Fatalf("DetachRecordBranch: %v", err)
	}
	if active := ctrl.ActiveRecordBranches(); len(active) != 0 {
		t.Fatalf("expected no active record branches after detach, got %v", active)
	}
}

func TestPushFrameRoutesOnlyToActiveRecordBranches(t *testing.T) {
	ctrl := New(testConfig(), &captureSink{})
	ctx := context.Background()
	ctrl.Initialize(ctx, SourceSpec{Caps: testCaps()})
	defer ctrl.Shutdown(ctx)

	rb, _ := ringbuffer.New(5, 10, testCaps())
	ctrl.AttachRecordBranch(5, rb)

	data := make([]byte, 16*16*4)
	for i := 0; i < 3; i++ {
		ctrl.PushFrame(frame.New(data, int64(i), 1_000_000, testCaps()))
	}

	if rb.Count() != 3 {
		t.Fatalf("expected 3 frames routed to layer 5's buffer, got %d", rb.Count())
	}
}

func TestReplacePlaybackBranchIsAtomicNoMissingFrame(t *testing.T) {
	ctrl := New(testConfig(), &captureSink{})
	ctx := context.Background()
	ctrl.Initialize(ctx, SourceSpec{Caps: testCaps()})
	defer ctrl.Shutdown(ctx)

	rbA := sealedBuffer(t, 60)
	if err := ctrl.AttachOrReplacePlaybackBranch(3, rbA); err != nil {
		t.Fatalf("attach A: %v", err)
	}

	var seenNilTick bool
	var mu sync.Mutex
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b := ctrl.playbackBranch[3].Load()
				mu.Lock()
				if b == nil {
					seenNilTick = true
				}
				mu.Unlock()
			}
		}
	}()

	rbB := sealedBuffer(t, 20)
	if err := ctrl.AttachOrReplacePlaybackBranch(3, rbB); err != nil {
		t.Fatalf("attach B: %v", err)
	}
	close(stop)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if seenNilTick {
		t.Fatalf("observed a nil playback branch during swap: compositor would render neither old nor new")
	}

	active := ctrl.playbackBranch[3].Load()
	if active == nil || active.ring != rbB {
		t.Fatalf("expected layer 3 to be reading from B after replace")
	}
}

func TestAttachPlaybackBranchRejectsEmptyBuffer(t *testing.T) {
	ctrl := New(testConfig(), &captureSink{})
	ctx := context.Background()
	ctrl.Initialize(ctx, SourceSpec{Caps: testCaps()})
	defer ctrl.Shutdown(ctx)

	rb, _ := ringbuffer.New(0, 4, testCaps())
	rb.Seal()

	if err := ctrl.AttachOrReplacePlaybackBranch(0, rb); err == nil {
		t.Fatalf("expected error attaching playback branch over an empty buffer")
	}
}

// TestPlaybackAdvancesAtSourceRateNotOutputRate pins the sample-and-hold
// pacing: with a 200Hz output tick over a ~30fps loop, the cursor must
// advance roughly every seventh tick, not on every tick.
func TestPlaybackAdvancesAtSourceRateNotOutputRate(t *testing.T) {
	ctrl := New(testConfig(), &captureSink{})
	ctx := context.Background()
	ctrl.Initialize(ctx, SourceSpec{Caps: testCaps()})
	defer ctrl.Shutdown(ctx)

	rb := sealedBuffer(t, 5)
	if err := ctrl.AttachOrReplacePlaybackBranch(0, rb); err != nil {
		t.Fatalf("attach: %v", err)
	}

	time.Sleep(120 * time.Millisecond)

	b := ctrl.playbackBranch[0].Load()
	if b == nil {
		t.Fatalf("expected an active playback branch")
	}
	// Stop the compositor before reading cursor state so the read is
	// ordered after its final advance.
	if err := ctrl.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	frameDur := b.cursor.FrameInterval().Nanoseconds()
	advances := b.cursor.NextPTS() / frameDur

	// ~120ms of output time over a 33.3ms frame interval is ~3-4
	// advances; advancing once per 5ms output tick would be ~24.
	if advances < 1 {
		t.Fatalf("expected the cursor to advance at least once, got %d", advances)
	}
	if advances > 10 {
		t.Fatalf("cursor advanced %d times in ~120ms: playback is running at output rate, not source rate", advances)
	}
}

func TestWaitForCompositorHandoff(t *testing.T) {
	ctrl := New(testConfig(), &captureSink{})

	// Even sequence: no tick in flight, handoff is immediate.
	if !ctrl.waitForCompositorHandoff(10 * time.Millisecond) {
		t.Fatalf("expected immediate handoff with no tick in flight")
	}

	ctrl.tickSeq.Add(1) // simulate a tick in flight
	if ctrl.waitForCompositorHandoff(20 * time.Millisecond) {
		t.Fatalf("expected handoff to time out while a tick is in flight")
	}

	done := make(chan bool, 1)
	go func() { done <- ctrl.waitForCompositorHandoff(time.Second) }()
	time.Sleep(5 * time.Millisecond)
	ctrl.tickSeq.Add(1) // tick completes
	if !<-done {
		t.Fatalf("expected handoff once the in-flight tick completed")
	}
}

func TestCompositorProducesOutputFrames(t *testing.T) {
	sink := &captureSink{}
	ctrl := New(testConfig(), sink)
	ctx := context.Background()
	ctrl.Initialize(ctx, SourceSpec{Caps: testCaps()})
	defer ctrl.Shutdown(ctx)

	rb := sealedBuffer(t, 5)
	ctrl.AttachOrReplacePlaybackBranch(0, rb)

	time.Sleep(50 * time.Millisecond)

	if sink.count() == 0 {
		t.Fatalf("expected compositor to have written at least one frame")
	}
}
