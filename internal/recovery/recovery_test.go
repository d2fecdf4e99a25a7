package recovery

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCategorizeMapsKnownTriggers(t *testing.T) {
	cases := map[string]Category{
		"element not found in registry":      CategoryElementMissing,
		"pad is not available":               CategoryElementMissing,
		"caps negotiation failed":            CategoryNegotiation,
		"failed to allocate resource":        CategoryResource,
		"out of memory":                      CategoryResource,
		"something unrelated went sideways": CategoryBusError,
	}
	for msg, want := range cases {
		if got := Categorize(msg); got != want {
			t.Errorf("Categorize(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestWatchSucceedsWithoutTimeout(t *testing.T) {
	c := New(50*time.Millisecond, Callbacks{})

	err := c.Watch(context.Background(), func(ctx context.Context) error {
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("expected no error for a fast successful op, got %v", err)
	}
}

func TestWatchAppliesRevertOnFailure(t *testing.T) {
	var reverted bool
	c := New(50*time.Millisecond, Callbacks{
		Revert: func(ctx context.Context) error {
			reverted = true
			return nil
		},
	})

	err := c.Watch(context.Background(), func(ctx context.Context) error {
		return errors.New("state change failed: resource allocation error")
	}, nil)

	if err != nil {
		t.Fatalf("expected revert to succeed and swallow the error, got %v", err)
	}
	if !reverted {
		t.Fatalf("expected Revert to be called")
	}
}

func TestWatchDeadlockTriggersStrategyLadder(t *testing.T) {
	var timedOut bool
	var strategiesTried []RecoveryStrategy

	c := New(20*time.Millisecond, Callbacks{
		Revert: func(ctx context.Context) error {
			strategiesTried = append(strategiesTried, StrategyRevert)
			return errors.New("revert also failed")
		},
		ForceReady: func(ctx context.Context) error {
			strategiesTried = append(strategiesTried, StrategyForceReady)
			return nil
		},
	})

	blocked := make(chan struct{})
	err := c.Watch(context.Background(), func(ctx context.Context) error {
		<-blocked // never completes on its own; relies on the watchdog
		return nil
	}, func() { timedOut = true })
	close(blocked)

	if err != nil {
		t.Fatalf("expected ForceReady to recover cleanly, got %v", err)
	}
	if !timedOut {
		t.Fatalf("expected the watchdog timeout callback to fire")
	}
	if len(strategiesTried) != 2 || strategiesTried[0] != StrategyRevert || strategiesTried[1] != StrategyForceReady {
		t.Fatalf("expected revert then force-ready, got %v", strategiesTried)
	}
}

func TestAllStrategiesExhaustedReturnsFatal(t *testing.T) {
	var outcomes []Outcome
	c := New(10*time.Millisecond, Callbacks{
		Revert:     func(ctx context.Context) error { return errors.New("fail") },
		ForceReady: func(ctx context.Context) error { return errors.New("fail") },
		ForceNull:  func(ctx context.Context) error { return errors.New("fail") },
		OnOutcome:  func(o Outcome) { outcomes = append(outcomes, o) },
	})

	err := c.HandleBusError(context.Background(), "bus error: unknown condition")
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("expected ErrFatal, got %v", err)
	}
	if c.FatalCount() != 1 {
		t.Fatalf("expected fatal count 1, got %d", c.FatalCount())
	}

	last := outcomes[len(outcomes)-1]
	if !last.FatalAfterAll {
		t.Fatalf("expected final outcome to report FatalAfterAll")
	}
}
