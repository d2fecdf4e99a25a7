package mediagraph

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/breeze-rmm/loopengine/internal/config"
	"github.com/breeze-rmm/loopengine/internal/frame"
	"github.com/breeze-rmm/loopengine/internal/logging"
	"github.com/breeze-rmm/loopengine/internal/workerpool"
)

// bytesPerPixel assumes a packed 4-byte format (RGBA/BGRA); NV12/I420
// sources are expected to be converted upstream before reaching a cell.
const bytesPerPixel = 4

// blendQueueSize bounds the number of in-flight strip-blend tasks per
// tick; at most 51 cells can each split into a handful of strips.
const blendQueueSize = 512

// compositor mixes the live cell and up to 50 playback cells into one
// output frame per tick, in z-order, and hands it to the OutputSink.
// Strip tasks run on a bounded workerpool.Pool rather than one
// goroutine per strip, so a 50-cell composite tick can't spawn an
// unbounded goroutine burst.
type compositor struct {
	grid     config.GridLayout
	sink     OutputSink
	interval time.Duration
	canvas   []byte
	metrics  StreamMetrics
	pool     *workerpool.Pool
}

func newCompositor(grid config.GridLayout, sink OutputSink, framerate int) *compositor {
	if framerate <= 0 {
		framerate = 120
	}
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	return &compositor{
		grid:     grid,
		sink:     sink,
		interval: time.Second / time.Duration(framerate),
		canvas:   make([]byte, grid.OutputWidth*grid.OutputHeight*bytesPerPixel),
		pool:     workerpool.New(workers, blendQueueSize),
	}
}

// run is the compositor's refresh loop. It ticks at the configured
// output framerate, independent of the source framerate (typically
// 120fps output over a 30fps input).
func (cm *compositor) run(done <-chan struct{}, wg *sync.WaitGroup, ctrl *Controller) {
	defer wg.Done()
	defer func() {
		cm.pool.StopAccepting()
		cm.pool.Drain(context.Background())
	}()

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	metricsEvery := time.NewTicker(30 * time.Second)
	defer metricsEvery.Stop()

	pts := int64(0)
	frameDur := cm.interval.Nanoseconds()

	for {
		select {
		case <-done:
			return
		case <-metricsEvery.C:
			snap := cm.metrics.Snapshot()
			logging.L("mediagraph").Info("compositor metrics",
				"framesComposited", snap.FramesComposited,
				"lastTickMs", snap.LastTick.Milliseconds(),
				"maxTickMs", snap.MaxTick.Milliseconds())
		case <-ticker.C:
			start := time.Now()
			ctrl.tickSeq.Add(1) // odd: tick in flight
			cm.compositeTick(ctrl, pts)
			ctrl.tickSeq.Add(1) // even: branch pointers loaded this tick are released
			pts += frameDur
			cm.metrics.recordTick(time.Since(start))
		}
	}
}

// compositeTick clears the canvas, blends the live cell, then every
// active playback cell in z-order, and writes the result to the sink.
func (cm *compositor) compositeTick(ctrl *Controller, pts int64) {
	clear(cm.canvas)

	type cellSource struct {
		rect config.CellRect
		data []byte
		w, h int
	}
	var sources []cellSource

	if live := ctrl.liveFrame.Load(); live != nil && !live.IsZero() {
		caps := live.Caps()
		sources = append(sources, cellSource{rect: cm.grid.Live, data: live.Data(), w: caps.Width, h: caps.Height})
	}

	for layer := 0; layer < NumLayers; layer++ {
		b := ctrl.playbackBranch[layer].Load()
		if b == nil || b.getState() != Playing {
			continue
		}
		if layer >= len(cm.grid.Loop) {
			continue
		}

		f := b.cursor.Peek()

		// Advance at source rate, not output rate: hold the current
		// frame until a full cursor interval of output time has
		// elapsed, the same sample-and-hold the live cell gets through
		// liveFrame. At 120Hz output over a 30fps loop that is one
		// advance every four ticks.
		b.elapsedNS += cm.interval.Nanoseconds()
		if step := b.cursor.FrameInterval().Nanoseconds(); step > 0 {
			for b.elapsedNS >= step {
				b.elapsedNS -= step
				b.cursor.Advance()
			}
		}

		caps := f.Caps()
		sources = append(sources, cellSource{rect: cm.grid.Loop[layer], data: f.Data(), w: caps.Width, h: caps.Height})
		f.Release()
	}

	// Stable z-order: insertion sort by ZOrder, lowest first so higher
	// z-order cells paint last (on top).
	for i := 1; i < len(sources); i++ {
		for j := i; j > 0 && sources[j].rect.ZOrder < sources[j-1].rect.ZOrder; j-- {
			sources[j], sources[j-1] = sources[j-1], sources[j]
		}
	}

	for _, s := range sources {
		cm.blendCell(s.rect, s.data, s.w, s.h)
	}

	cm.metrics.incComposited()

	out := frame.New(append([]byte(nil), cm.canvas...), pts, cm.interval.Nanoseconds(),
		frame.Caps{Format: frame.PixelFormatRGBA, Width: cm.grid.OutputWidth, Height: cm.grid.OutputHeight})
	if cm.sink != nil {
		if err := cm.sink.WriteFrame(out); err != nil {
			logging.L("mediagraph").Warn("output sink write failed", logging.KeyError, err.Error())
		}
	}
	out.Release()
}

// blendCell copies src (assumed rect.Width x rect.Height already; any
// scale/convert stage is the playback or live branch's job) into the
// canvas at rect's position,
// honoring per-cell alpha. Rows are blended independently; for cells
// taller than stripRows the work is split into strips submitted to the
// compositor's bounded workerpool.Pool rather than spawned directly,
// so a full 51-cell tick can't burst past the pool's worker count.
func (cm *compositor) blendCell(rect config.CellRect, src []byte, srcW, srcH int) {
	if len(src) == 0 || srcW <= 0 || srcH <= 0 {
		return
	}
	if rect.Width <= 0 || rect.Height <= 0 {
		return
	}

	const stripRows = 64
	h := min(rect.Height, srcH)
	if h <= stripRows {
		cm.blendRows(rect, src, srcW, 0, h)
		return
	}

	var wg sync.WaitGroup
	for y0 := 0; y0 < h; y0 += stripRows {
		y1 := min(y0+stripRows, h)
		wg.Add(1)
		startY, endY := y0, y1
		submitted := cm.pool.Submit(func() {
			defer wg.Done()
			cm.blendRows(rect, src, srcW, startY, endY)
		})
		if !submitted {
			// Pool queue is saturated; blend this strip inline rather
			// than drop it, trading latency for correctness.
			wg.Done()
			cm.blendRows(rect, src, srcW, startY, endY)
		}
	}
	wg.Wait()
}

func (cm *compositor) blendRows(rect config.CellRect, src []byte, srcW, startY, endY int) {
	w := min(rect.Width, srcW)
	srcRowBytes := srcW * bytesPerPixel
	dstRowBytes := cm.grid.OutputWidth * bytesPerPixel

	alpha := rect.Alpha
	opaque := alpha >= 0.999

	for y := startY; y < endY; y++ {
		dstY := rect.Y + y
		if dstY < 0 || dstY >= cm.grid.OutputHeight {
			continue
		}
		srcOff := y * srcRowBytes
		dstOff := dstY*dstRowBytes + rect.X*bytesPerPixel
		if srcOff+w*bytesPerPixel > len(src) || dstOff+w*bytesPerPixel > len(cm.canvas) {
			continue
		}

		if opaque {
			copy(cm.canvas[dstOff:dstOff+w*bytesPerPixel], src[srcOff:srcOff+w*bytesPerPixel])
			continue
		}
		for x := 0; x < w; x++ {
			si := srcOff + x*bytesPerPixel
			di := dstOff + x*bytesPerPixel
			for ch := 0; ch < bytesPerPixel; ch++ {
				s := float64(src[si+ch])
				d := float64(cm.canvas[di+ch])
				cm.canvas[di+ch] = byte(s*alpha + d*(1-alpha))
			}
		}
	}
}
