// Package dispatch implements the key-to-layer dispatcher: the single
// control-thread channel that serializes key-down/key-up/quit events
// into deterministic calls against the recording state machine.
package dispatch

import (
	"context"
	"time"

	"github.com/breeze-rmm/loopengine/internal/logging"
)

// Recorder is the subset of recording.Machine the dispatcher drives.
// Declared here, consumer-side, so this package has no dependency on
// the concrete recording.Machine type.
type Recorder interface {
	OnKeyDown(layer int, now time.Time) error
	OnKeyUp(layer int, now time.Time) error
}

type eventKind int

const (
	eventKeyDown eventKind = iota
	eventKeyUp
	eventQuit
)

type event struct {
	kind  eventKind
	layer int
	at    time.Time
	done  chan struct{} // closed once the event has been fully processed
}

// Dispatcher owns the single control channel. All calls from the input
// layer (possibly from many goroutines) enqueue onto this channel; only
// the dispatcher's own goroutine ever calls into Recorder, guaranteeing
// same-layer ordering and that no two mutations race against the media
// graph.
type Dispatcher struct {
	recorder Recorder
	events   chan event
	quit     chan struct{}
	done     chan struct{}

	onQuit func()
}

// New constructs a Dispatcher bound to recorder. queueSize bounds the
// number of in-flight events (config's op_queue_size); a full queue
// applies backpressure to callers via a blocking send rather than
// silently dropping a key event.
func New(recorder Recorder, queueSize int, onQuit func()) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Dispatcher{
		recorder: recorder,
		events:   make(chan event, queueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		onQuit:   onQuit,
	}
}

// Run processes events until request_quit or ctx is cancelled. It is
// the dispatcher's single control-thread goroutine; callers should run
// it in its own goroutine and wait on Done.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	logger := logging.L("dispatch")

	for {
		select {
		case <-ctx.Done():
			logger.Info("dispatcher stopping: context cancelled")
			return
		case <-d.quit:
			logger.Info("dispatcher stopping: request_quit")
			if d.onQuit != nil {
				d.onQuit()
			}
			return
		case ev := <-d.events:
			d.handle(ev)
			if ev.done != nil {
				close(ev.done)
			}
		}
	}
}

func (d *Dispatcher) handle(ev event) {
	logger := logging.L("dispatch")
	switch ev.kind {
	case eventKeyDown:
		if err := d.recorder.OnKeyDown(ev.layer, ev.at); err != nil {
			logger.Warn("on_key_down failed", logging.KeyLayer, ev.layer, logging.KeyError, err.Error())
		}
	case eventKeyUp:
		if err := d.recorder.OnKeyUp(ev.layer, ev.at); err != nil {
			logger.Warn("on_key_up failed", logging.KeyLayer, ev.layer, logging.KeyError, err.Error())
		}
	}
}

// OnKeyDown enqueues a key-down for layer at time now and blocks until
// it has been fully processed by the control thread, so a later event
// on the same layer always observes this one's effects.
func (d *Dispatcher) OnKeyDown(layer int, now time.Time) {
	d.enqueue(event{kind: eventKeyDown, layer: layer, at: now})
}

// OnKeyUp enqueues a key-up for layer at time now, waiting for it to
// complete before returning.
func (d *Dispatcher) OnKeyUp(layer int, now time.Time) {
	d.enqueue(event{kind: eventKeyUp, layer: layer, at: now})
}

func (d *Dispatcher) enqueue(ev event) {
	ev.done = make(chan struct{})
	select {
	case d.events <- ev:
	case <-d.done:
		return
	}
	select {
	case <-ev.done:
	case <-d.done:
	}
}

// RequestQuit initiates orderly shutdown of the dispatcher.
func (d *Dispatcher) RequestQuit() {
	select {
	case <-d.quit:
	default:
		close(d.quit)
	}
}

// Done returns a channel closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }
