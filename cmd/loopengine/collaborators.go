package main

import (
	"sync"
	"time"

	"github.com/breeze-rmm/loopengine/internal/frame"
	"github.com/breeze-rmm/loopengine/internal/logging"
)

// pushTarget is the subset of mediagraph.Controller the camera source
// needs: one method to feed arriving frames into the tee.
type pushTarget interface {
	PushFrame(f frame.Frame)
}

// cameraSource is the engine's narrow camera-source collaborator: it
// delivers frames at a negotiated format and framerate and nothing
// more. Real deployments replace this with a
// platform capture backend; this implementation ticks out solid frames
// at the negotiated caps so the rest of the engine is exercisable
// end-to-end without a physical camera attached.
type cameraSource struct {
	caps     frame.Caps
	target   pushTarget
	interval time.Duration

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

func newCameraSource(caps frame.Caps, target pushTarget, defaultFrameDuration time.Duration) *cameraSource {
	interval := time.Second * time.Duration(caps.FramerateD) / time.Duration(max(caps.FramerateN, 1))
	if interval <= 0 {
		interval = defaultFrameDuration
	}
	return &cameraSource{
		caps:     caps,
		target:   target,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (s *cameraSource) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *cameraSource) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	size := s.caps.Width * s.caps.Height * 4
	pts := int64(0)
	durNS := s.interval.Nanoseconds()

	logger := logging.L("camerasource")
	logger.Info("camera source started", "width", s.caps.Width, "height", s.caps.Height, "interval", s.interval)

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			buf := make([]byte, size)
			s.target.PushFrame(frame.New(buf, pts, durNS, s.caps))
			pts += durNS
		}
	}
}

func (s *cameraSource) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// windowSink is the narrow window/video-sink collaborator: it consumes
// one composited stream. This
// implementation just counts throughput (the compositor releases each
// frame after WriteFrame returns); a real build swaps this for a
// platform video sink.
type windowSink struct {
	mu     sync.Mutex
	count  uint64
	logger *loggerOnce
}

type loggerOnce struct {
	once sync.Once
}

func newWindowSink() *windowSink {
	return &windowSink{logger: &loggerOnce{}}
}

func (w *windowSink) WriteFrame(f frame.Frame) error {
	w.mu.Lock()
	w.count++
	n := w.count
	w.mu.Unlock()

	w.logger.once.Do(func() {
		logging.L("windowsink").Info("composited output stream started",
			"width", f.Caps().Width, "height", f.Caps().Height)
	})

	if n%600 == 0 { // ~every 5s at 120fps
		logging.L("windowsink").Debug("composited frames delivered", "count", n)
	}
	return nil
}
