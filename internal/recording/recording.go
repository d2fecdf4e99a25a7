// Package recording implements the per-layer recording state machine:
// fifty independent Idle/Capturing/Finalizing substates driven by key
// events, plus the debounce, minimum-hold-duration, and circular
// layer-allocation policies that sit above the media graph.
package recording

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/loopengine/internal/frame"
	"github.com/breeze-rmm/loopengine/internal/logging"
	"github.com/breeze-rmm/loopengine/internal/ringbuffer"
)

// NumLayers is the fixed number of recording layers: ten physical keys
// times five modifier tiers.
const NumLayers = 50

// State identifies which substate a layer currently occupies.
type State int

const (
	Idle State = iota
	Capturing
	Finalizing
)

func (s State) String() string {
	switch s {
	case Capturing:
		return "capturing"
	case Finalizing:
		return "finalizing"
	default:
		return "idle"
	}
}

// GraphController is the subset of MediaGraphController the state
// machine drives. Defined here (consumer side) to keep the recording
// package free of a dependency on mediagraph's concrete type.
type GraphController interface {
	AttachRecordBranch(layer int, ringBuf *ringbuffer.RingBuffer) error
	DetachRecordBranch(layer int) error
	AttachOrReplacePlaybackBranch(layer int, ringBuf *ringbuffer.RingBuffer) error
}

// layerState holds the per-layer tagged-variant state. Only one of the
// three branches is meaningful at a time, selected by state.
type layerState struct {
	state        State
	startTime    time.Time
	ringBuf      *ringbuffer.RingBuffer
	lastDuration time.Duration
}

// Machine is the recording state machine for all 50 layers. It is owned
// by the control thread: every exported method must be called from that
// single goroutine (see internal/dispatch), never concurrently.
type Machine struct {
	graph GraphController
	caps  frame.Caps

	ringCapacity  int
	minHoldNS     int64
	frameDuration int64

	mu     sync.Mutex // guards layers against diagnostic readers only
	layers [NumLayers]layerState

	nextAssignable int
}

// New constructs a Machine bound to graph, with ring buffers created
// using ringCapacity slots and caps, min-hold floor minHoldNS, and
// frameDuration used as the fallback per-frame duration.
func New(graph GraphController, caps frame.Caps, ringCapacity int, minHoldNS, frameDuration int64) *Machine {
	return &Machine{
		graph:         graph,
		caps:          caps,
		ringCapacity:  ringCapacity,
		minHoldNS:     minHoldNS,
		frameDuration: frameDuration,
	}
}

// OnKeyDown handles a key-down event for layer at time now. Idempotent
// while the key is held: a second key-down on an already-Capturing
// layer is a debounced no-op.
func (m *Machine) OnKeyDown(layer int, now time.Time) error {
	if err := checkLayer(layer); err != nil {
		return err
	}

	ls := &m.layers[layer]
	if ls.state != Idle {
		return nil // debounce: re-press during hold
	}

	opID := uuid.NewString()
	logger := logging.WithOperation(logging.L("recording"), opID, layer)

	rb, err := ringbuffer.New(layer, m.ringCapacity, m.caps)
	if err != nil {
		logger.Warn("failed to allocate ring buffer, press dropped", logging.KeyError, err.Error())
		return nil
	}

	if err := m.graph.AttachRecordBranch(layer, rb); err != nil {
		logger.Warn("attach_record_branch failed, rolling back to idle",
			logging.KeyError, err.Error())
		return nil
	}

	m.mu.Lock()
	ls.state = Capturing
	ls.startTime = now
	ls.ringBuf = rb
	m.mu.Unlock()

	logger.Info("capture started")
	return nil
}

// OnKeyUp handles a key-up event for layer at time now. Idempotent for
// a stale release (a layer not currently Capturing is a no-op).
func (m *Machine) OnKeyUp(layer int, now time.Time) error {
	if err := checkLayer(layer); err != nil {
		return err
	}

	ls := &m.layers[layer]
	if ls.state != Capturing {
		return nil // stale release
	}

	opID := uuid.NewString()
	logger := logging.WithOperation(logging.L("recording"), opID, layer)

	held := now.Sub(ls.startTime)
	floor := time.Duration(m.minHoldNS)
	duration := held
	if duration < floor {
		duration = floor
	}

	m.mu.Lock()
	ls.state = Finalizing
	rb := ls.ringBuf
	m.mu.Unlock()

	rb.Seal()
	frames := rb.Count()

	if err := m.graph.DetachRecordBranch(layer); err != nil {
		logger.Warn("detach_record_branch failed", logging.KeyError, err.Error())
	}

	if frames >= 1 {
		if err := m.graph.AttachOrReplacePlaybackBranch(layer, rb); err != nil {
			logger.Warn("attach_or_replace_playback_branch failed, sealed buffer dropped",
				logging.KeyError, err.Error())
			rb.Release()
		}
	} else {
		logger.Info("sub-frame hold captured no frames, no playback branch attached")
	}

	m.mu.Lock()
	ls.lastDuration = duration
	ls.ringBuf = nil
	ls.state = Idle
	m.mu.Unlock()

	logger.Info("capture finalized", "durationMs", duration.Milliseconds(), "frames", frames)
	return nil
}

// IsCapturing reports whether layer is currently in the Capturing state.
func (m *Machine) IsCapturing(layer int) bool {
	if layer < 0 || layer >= NumLayers {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layers[layer].state == Capturing
}

// State returns the current substate of layer.
func (m *Machine) State(layer int) State {
	if layer < 0 || layer >= NumLayers {
		return Idle
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layers[layer].state
}

// LastDuration returns the duration recorded by the most recently
// completed capture on layer, clamped to min_hold_duration.
func (m *Machine) LastDuration(layer int) time.Duration {
	if layer < 0 || layer >= NumLayers {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layers[layer].lastDuration
}

// AllocateNextLayer returns the next layer for automatic placement and
// advances the circular allocator. Direct layer addressing (the normal
// path) bypasses this entirely.
func (m *Machine) AllocateNextLayer() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	layer := m.nextAssignable
	m.nextAssignable = (m.nextAssignable + 1) % NumLayers
	return layer
}

func checkLayer(layer int) error {
	if layer < 0 || layer >= NumLayers {
		return fmt.Errorf("recording: layer %d out of range [0,%d)", layer, NumLayers)
	}
	return nil
}
