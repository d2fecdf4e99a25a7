package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingCalls struct {
	mu    sync.Mutex
	order []string
}

func (r *recordingCalls) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, s)
}

func (r *recordingCalls) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

type fakeRecorder struct {
	calls *recordingCalls
}

func (f *fakeRecorder) OnKeyDown(layer int, now time.Time) error {
	f.calls.add("down")
	return nil
}

func (f *fakeRecorder) OnKeyUp(layer int, now time.Time) error {
	f.calls.add("up")
	return nil
}

func TestDispatcherProcessesEventsInOrder(t *testing.T) {
	calls := &recordingCalls{}
	d := New(&fakeRecorder{calls: calls}, 8, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	d.OnKeyDown(0, time.Now())
	d.OnKeyUp(0, time.Now())

	got := calls.snapshot()
	if len(got) != 2 || got[0] != "down" || got[1] != "up" {
		t.Fatalf("expected [down up] in order, got %v", got)
	}

	cancel()
	<-d.Done()
}

func TestDispatcherModifierLayerFanOut(t *testing.T) {
	calls := &recordingCalls{}
	d := New(&fakeRecorder{calls: calls}, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	layers := []int{0, 10, 20, 30, 40} // key "1" across all five modifier tiers
	var wg sync.WaitGroup
	for _, l := range layers {
		wg.Add(1)
		go func(layer int) {
			defer wg.Done()
			d.OnKeyDown(layer, time.Now())
		}(l)
	}
	wg.Wait()

	got := calls.snapshot()
	if len(got) != 5 {
		t.Fatalf("expected 5 key-down calls for the fan-out, got %d", len(got))
	}
}

func TestRequestQuitStopsRun(t *testing.T) {
	calls := &recordingCalls{}
	var quitCalled bool
	d := New(&fakeRecorder{calls: calls}, 4, func() { quitCalled = true })

	go d.Run(context.Background())

	d.RequestQuit()

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected dispatcher to stop after RequestQuit")
	}
	if !quitCalled {
		t.Fatalf("expected onQuit callback to run")
	}
}

func TestRequestQuitIsIdempotent(t *testing.T) {
	d := New(&fakeRecorder{calls: &recordingCalls{}}, 4, nil)
	d.RequestQuit()
	d.RequestQuit() // must not panic on double-close
}
