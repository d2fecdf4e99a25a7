// Package mediagraph builds, mutates, and tears down the engine's
// dataflow graph: source -> tee -> {live, record sinks, playback
// sources} -> compositor -> sink. It is the single owner of graph
// topology and the only component permitted to add or remove branches,
// always from the control thread, always under the
// block-mutate-align-unblock protocol.
package mediagraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/loopengine/internal/config"
	"github.com/breeze-rmm/loopengine/internal/cursor"
	"github.com/breeze-rmm/loopengine/internal/frame"
	"github.com/breeze-rmm/loopengine/internal/logging"
	"github.com/breeze-rmm/loopengine/internal/ringbuffer"
)

// NumLayers mirrors recording.NumLayers; kept independent to avoid a
// package-level dependency in either direction.
const NumLayers = 50

// BranchState is the lifecycle of one record or playback branch.
type BranchState int

const (
	Allocating BranchState = iota
	Linking
	Playing
	Draining
	Detached
)

func (s BranchState) String() string {
	switch s {
	case Linking:
		return "linking"
	case Playing:
		return "playing"
	case Draining:
		return "draining"
	case Detached:
		return "detached"
	default:
		return "allocating"
	}
}

// SourceSpec describes the negotiated caps of the camera source, fixed
// for the lifetime of the graph.
type SourceSpec struct {
	Caps frame.Caps
}

// OutputSink is the external collaborator that consumes one composited
// stream. The core never assumes anything about its internals beyond
// this contract.
type OutputSink interface {
	WriteFrame(f frame.Frame) error
}

var (
	// ErrNotInitialized is returned by any operation attempted before
	// Initialize has completed.
	ErrNotInitialized = errors.New("mediagraph: controller not initialized")
	// ErrAlreadyInitialized guards against a second Initialize call.
	ErrAlreadyInitialized = errors.New("mediagraph: already initialized")
	// ErrLayerOutOfRange guards layer-addressed operations.
	ErrLayerOutOfRange = errors.New("mediagraph: layer out of range")
)

// recordBranch is the state for one active capture-to-ringbuffer sink.
type recordBranch struct {
	layer int
	state atomic.Int32 // BranchState
	ring  *ringbuffer.RingBuffer
}

func (b *recordBranch) setState(s BranchState) { b.state.Store(int32(s)) }
func (b *recordBranch) getState() BranchState  { return BranchState(b.state.Load()) }

// playbackBranch is the state for one active loop-cell playback source.
type playbackBranch struct {
	layer  int
	state  atomic.Int32
	cursor *cursor.PalindromeCursor
	ring   *ringbuffer.RingBuffer

	// elapsedNS accumulates output time since the last cursor advance so
	// the loop plays at source rate regardless of the output framerate.
	// Touched only by the compositor goroutine.
	elapsedNS int64
}

func (b *playbackBranch) setState(s BranchState) { b.state.Store(int32(s)) }
func (b *playbackBranch) getState() BranchState  { return BranchState(b.state.Load()) }

// Controller owns the media graph: the permanent live branch, the
// dynamic sets of record and playback branches, and the compositor.
// Every mutating method must be called from the single control thread
// (see internal/dispatch); the capture and compositor goroutines only
// ever read through atomic pointers installed here.
type Controller struct {
	// mu serializes graph mutations (block-mutate-align-unblock). It is
	// never held across the compositor's per-frame pull.
	mu sync.Mutex

	initialized atomic.Bool
	running     atomic.Bool

	sourceCaps frame.Caps
	grid       config.GridLayout
	sink       OutputSink

	liveFrame atomic.Pointer[frame.Frame]

	recordBranches [NumLayers]atomic.Pointer[recordBranch]

	playbackMu     sync.Mutex // guards compare-and-swap sequencing on replace
	playbackBranch [NumLayers]atomic.Pointer[playbackBranch]

	// tickSeq is odd while a composite tick is in flight and even
	// between ticks. Detach paths use it to wait out any tick that may
	// have loaded a branch pointer before a swap.
	tickSeq atomic.Uint64

	outputFramerate int
	frameDurationNS int64

	compositor *compositor

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New constructs an uninitialized Controller. Call Initialize before
// any other method.
func New(cfg *config.Config, sink OutputSink) *Controller {
	return &Controller{
		grid:            cfg.Grid,
		sink:            sink,
		outputFramerate: cfg.OutputFramerate,
		frameDurationNS: cfg.DefaultFrameDurationNS,
		done:            make(chan struct{}),
	}
}

// Initialize builds source -> tee -> compositor -> sink and the
// permanent live branch, then starts the compositor's refresh loop.
func (c *Controller) Initialize(ctx context.Context, spec SourceSpec) error {
	if !c.initialized.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}

	c.sourceCaps = spec.Caps
	c.compositor = newCompositor(c.grid, c.sink, c.outputFramerate)

	c.running.Store(true)
	c.wg.Add(1)
	go c.compositor.run(c.done, &c.wg, c)

	logging.L("mediagraph").Info("media graph initialized",
		"outputWidth", c.grid.OutputWidth, "outputHeight", c.grid.OutputHeight,
		"outputFramerate", c.outputFramerate)
	return nil
}

// PushFrame is called by the capture thread for every frame the source
// produces. It updates the live branch's latest frame and fans the
// frame out to every currently attached record branch, in source-PTS
// order (the caller is the only writer, so no reordering is possible).
func (c *Controller) PushFrame(f frame.Frame) {
	if !c.running.Load() {
		f.Release()
		return
	}

	live := f.Clone()
	old := c.liveFrame.Swap(&live)
	if old != nil {
		old.Release()
	}

	for layer := 0; layer < NumLayers; layer++ {
		rb := c.recordBranches[layer].Load()
		if rb == nil || rb.getState() != Playing {
			continue
		}
		outcome := rb.ring.Write(f.Clone())
		if outcome == ringbuffer.CapsMismatch {
			logging.L("mediagraph").Warn("frame dropped: caps mismatch", logging.KeyLayer, layer)
		}
	}

	f.Release()
}

// AttachRecordBranch implements the block-mutate-align-unblock protocol
// for adding a capture sink on layer, writing arriving frames into rb.
func (c *Controller) AttachRecordBranch(layer int, rb *ringbuffer.RingBuffer) error {
	if err := c.checkReady(layer); err != nil {
		return err
	}

	c.mu.Lock() // block: serialize against any other topology mutation
	defer c.mu.Unlock()

	branch := &recordBranch{layer: layer, ring: rb}
	branch.setState(Allocating)
	branch.setState(Linking) // mutate: element created, nothing to link here
	branch.setState(Playing) // state-align: matches pipeline's Playing state

	c.recordBranches[layer].Store(branch) // unblock
	return nil
}

// DetachRecordBranch stops routing frames to layer's record sink and
// releases the branch. The ring buffer itself is owned by the caller
// (recording.Machine), which seals it independently.
func (c *Controller) DetachRecordBranch(layer int) error {
	if err := c.checkReady(layer); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	branch := c.recordBranches[layer].Load()
	if branch == nil {
		return nil
	}
	branch.setState(Draining)
	c.recordBranches[layer].Store(nil) // unblock: no further frames routed
	branch.setState(Detached)
	return nil
}

// AttachOrReplacePlaybackBranch constructs a PalindromeCursor over rb
// and links it to cell layer, atomically replacing any existing
// playback branch on that layer. The compositor observes either the
// old or the new branch on every composite tick, never both, never
// neither.
func (c *Controller) AttachOrReplacePlaybackBranch(layer int, rb *ringbuffer.RingBuffer) error {
	if err := c.checkReady(layer); err != nil {
		return err
	}
	if rb.Count() == 0 {
		return fmt.Errorf("mediagraph: layer %d: ring buffer has no frames", layer)
	}

	cur, err := cursor.New(rb, 0, c.frameDurationNS)
	if err != nil {
		return fmt.Errorf("mediagraph: layer %d: %w", layer, err)
	}

	newBranch := &playbackBranch{layer: layer, cursor: cur, ring: rb}
	newBranch.setState(Allocating)
	newBranch.setState(Linking)
	newBranch.setState(Playing)

	c.playbackMu.Lock()
	old := c.playbackBranch[layer].Swap(newBranch) // the atomic swap itself IS the unblock step
	c.playbackMu.Unlock()

	if old != nil {
		old.setState(Draining)
		if !c.waitForCompositorHandoff(drainTimeout) {
			logging.L("mediagraph").Warn("drain timeout waiting for compositor handoff",
				logging.KeyLayer, layer)
		}
		old.setState(Detached)
		old.ring.Release()
	}
	return nil
}

// drainTimeout bounds how long a detach path waits for the compositor
// to finish a tick that may still reference the outgoing branch.
const drainTimeout = 500 * time.Millisecond

// waitForCompositorHandoff blocks until any composite tick that was in
// flight when it was called has completed, so a branch pointer swapped
// out before the call is provably no longer being read. Returns false
// if the tick did not finish within timeout.
func (c *Controller) waitForCompositorHandoff(timeout time.Duration) bool {
	seq := c.tickSeq.Load()
	if seq%2 == 0 {
		return true // no tick in flight; future ticks see the new pointer
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.tickSeq.Load() != seq {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// checkReady validates layer range and initialization state shared by
// every branch-mutating operation.
func (c *Controller) checkReady(layer int) error {
	if !c.initialized.Load() {
		return ErrNotInitialized
	}
	if layer < 0 || layer >= NumLayers {
		return ErrLayerOutOfRange
	}
	return nil
}

// ActiveRecordBranches reports which layers currently have a Playing
// record branch, for diagnostics and tests.
func (c *Controller) ActiveRecordBranches() []int {
	var layers []int
	for i := 0; i < NumLayers; i++ {
		if b := c.recordBranches[i].Load(); b != nil && b.getState() == Playing {
			layers = append(layers, i)
		}
	}
	return layers
}

// ActivePlaybackBranches reports which layers currently have a Playing
// playback branch.
func (c *Controller) ActivePlaybackBranches() []int {
	var layers []int
	for i := 0; i < NumLayers; i++ {
		if b := c.playbackBranch[i].Load(); b != nil && b.getState() == Playing {
			layers = append(layers, i)
		}
	}
	return layers
}

// Shutdown stops the compositor loop, detaches every branch (record and
// playback) concurrently via errgroup, and releases resources. The live
// branch has nothing to detach; removing it is never attempted.
func (c *Controller) Shutdown(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}

	c.stopOnce.Do(func() { close(c.done) })

	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < NumLayers; i++ {
		layer := i
		g.Go(func() error {
			return c.DetachRecordBranch(layer)
		})
	}
	for i := 0; i < NumLayers; i++ {
		layer := i
		g.Go(func() error {
			if b := c.playbackBranch[layer].Swap(nil); b != nil {
				b.setState(Draining)
				c.waitForCompositorHandoff(drainTimeout)
				b.setState(Detached)
				b.ring.Release()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("mediagraph: shutdown: %w", err)
	}

	waitDone := make(chan struct{})
	go func() { c.wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return errors.New("mediagraph: compositor did not stop within grace period")
	}

	logging.L("mediagraph").Info("media graph shut down")
	return nil
}
