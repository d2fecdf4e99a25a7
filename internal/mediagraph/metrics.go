package mediagraph

import (
	"sync/atomic"
	"time"
)

// StreamMetrics holds advisory, lock-free counters describing the
// compositor's recent behavior. Stale reads under concurrent updates
// are acceptable; these counters are diagnostic only.
type StreamMetrics struct {
	framesComposited atomic.Uint64
	lastTickNS       atomic.Int64
	maxTickNS        atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of StreamMetrics suitable for
// logging or exposing to an operator-facing status command.
type MetricsSnapshot struct {
	FramesComposited uint64
	LastTick         time.Duration
	MaxTick          time.Duration
}

func (m *StreamMetrics) incComposited() {
	m.framesComposited.Add(1)
}

func (m *StreamMetrics) recordTick(d time.Duration) {
	m.lastTickNS.Store(int64(d))
	for {
		cur := m.maxTickNS.Load()
		if int64(d) <= cur {
			break
		}
		if m.maxTickNS.CompareAndSwap(cur, int64(d)) {
			break
		}
	}
}

// Snapshot returns a consistent-enough copy of the current counters.
func (m *StreamMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		FramesComposited: m.framesComposited.Load(),
		LastTick:         time.Duration(m.lastTickNS.Load()),
		MaxTick:          time.Duration(m.maxTickNS.Load()),
	}
}

// Metrics exposes the compositor's current stream metrics snapshot.
func (c *Controller) Metrics() MetricsSnapshot {
	if c.compositor == nil {
		return MetricsSnapshot{}
	}
	return c.compositor.metrics.Snapshot()
}
