package mediagraph

import (
	"context"

	"github.com/breeze-rmm/loopengine/internal/recovery"
	"github.com/breeze-rmm/loopengine/internal/ringbuffer"
)

// graphOps is the slice of Controller the supervisor wraps: the three
// topology mutations a key event can request.
type graphOps interface {
	AttachRecordBranch(layer int, rb *ringbuffer.RingBuffer) error
	DetachRecordBranch(layer int) error
	AttachOrReplacePlaybackBranch(layer int, rb *ringbuffer.RingBuffer) error
}

// Supervised wraps a Controller so every topology mutation runs under
// the error recovery controller's bounded-timeout watchdog. A mutation
// that deadlocks past the configured timeout is abandoned: the recovery
// ladder puts the pipeline back into a defined state and the caller
// still sees an error, so the recording state machine rolls back. Fast
// per-operation failures (bad layer, pad link) pass through untouched.
type Supervised struct {
	graph graphOps
	rec   *recovery.Controller
}

// NewSupervised wraps graph with rec's state-change watchdog.
func NewSupervised(graph graphOps, rec *recovery.Controller) *Supervised {
	return &Supervised{graph: graph, rec: rec}
}

func (s *Supervised) AttachRecordBranch(layer int, rb *ringbuffer.RingBuffer) error {
	return s.rec.WatchStateChange(context.Background(), func(context.Context) error {
		return s.graph.AttachRecordBranch(layer, rb)
	})
}

func (s *Supervised) DetachRecordBranch(layer int) error {
	return s.rec.WatchStateChange(context.Background(), func(context.Context) error {
		return s.graph.DetachRecordBranch(layer)
	})
}

func (s *Supervised) AttachOrReplacePlaybackBranch(layer int, rb *ringbuffer.RingBuffer) error {
	return s.rec.WatchStateChange(context.Background(), func(context.Context) error {
		return s.graph.AttachOrReplacePlaybackBranch(layer, rb)
	})
}
