// Package recovery implements the error recovery controller: bus-error
// categorization, a bounded-timeout watchdog around every state change,
// and the progressive three-strategy recovery ladder (revert -> Ready
// -> Null).
package recovery

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"

	"github.com/breeze-rmm/loopengine/internal/logging"
)

// Category classifies a bus-delivered error message.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryElementMissing
	CategoryNegotiation
	CategoryResource
	CategoryStateChangeDeadlock
	CategoryBusError
)

func (c Category) String() string {
	switch c {
	case CategoryElementMissing:
		return "ElementMissing"
	case CategoryNegotiation:
		return "Negotiation"
	case CategoryResource:
		return "Resource"
	case CategoryStateChangeDeadlock:
		return "StateChangeDeadlock"
	case CategoryBusError:
		return "BusError"
	default:
		return "Unknown"
	}
}

// Categorize classifies a bus error message by its text.
// StateChangeDeadlock is never produced here; it is assigned directly
// by Watch when the watchdog timer expires.
func Categorize(message string) Category {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "not found") || strings.Contains(m, "not available"):
		return CategoryElementMissing
	case strings.Contains(m, "negotiation") || strings.Contains(m, "caps"):
		return CategoryNegotiation
	case strings.Contains(m, "resource") || strings.Contains(m, "memory") || strings.Contains(m, "allocation"):
		return CategoryResource
	default:
		return CategoryBusError
	}
}

// RecoveryStrategy identifies which rung of the ladder succeeded.
type RecoveryStrategy int

const (
	StrategyRevert RecoveryStrategy = iota + 1
	StrategyForceReady
	StrategyForceNull
)

func (s RecoveryStrategy) String() string {
	switch s {
	case StrategyRevert:
		return "revert"
	case StrategyForceReady:
		return "force-ready"
	case StrategyForceNull:
		return "force-null"
	default:
		return "none"
	}
}

// Outcome is delivered to the registered recovery callback after a
// failed state change has been handled.
type Outcome struct {
	Category     Category
	Strategy     RecoveryStrategy
	Succeeded    bool
	FatalAfterAll bool
	MemoryUsedPct float64
}

// ErrFatal is returned by Watch when all three recovery strategies have
// been exhausted; the caller is expected to shut down.
var ErrFatal = errors.New("recovery: all strategies exhausted, unrecoverable")

// RevertFunc reverts the pipeline element(s) to the state held before
// the failed transition.
type RevertFunc func(ctx context.Context) error

// ForceStateFunc forces the pipeline to a named terminal state (Ready
// or Null).
type ForceStateFunc func(ctx context.Context) error

// Callbacks wires the controller's three-strategy ladder to the
// media graph's actual state-manipulation operations.
type Callbacks struct {
	Revert     RevertFunc
	ForceReady ForceStateFunc
	ForceNull  ForceStateFunc
	OnOutcome  func(Outcome)
}

// Controller watches state changes for timeout and drives the recovery
// ladder when a change fails or deadlocks.
type Controller struct {
	timeout  time.Duration
	cb       Callbacks
	limiter  *rate.Limiter
	fatalCnt atomic.Uint64
}

// New constructs a Controller with the given state-change timeout
// (default 10s) and recovery callbacks. Bus-error and bus-message log
// lines share one limiter: at most one line per 2 seconds across all
// categories, to avoid flooding logs under a sustained fault.
func New(timeout time.Duration, cb Callbacks) *Controller {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Controller{
		timeout: timeout,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Watch wraps a state-change operation with the bounded timeout
// watchdog. If op does not return before the timeout, its context is
// cancelled, the error is categorized as StateChangeDeadlock, and the
// recovery ladder runs. onTimeout, if non-nil, is invoked synchronously
// right after the deadline fires (used by tests to observe the exact
// moment of expiry).
func (c *Controller) Watch(ctx context.Context, op func(context.Context) error, onTimeout func()) error {
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- op(opCtx)
	}()

	select {
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return c.handle(ctx, Categorize(err.Error()), err)
	case <-opCtx.Done():
		if onTimeout != nil {
			onTimeout()
		}
		return c.handle(ctx, CategoryStateChangeDeadlock, opCtx.Err())
	}
}

// WatchStateChange wraps a single graph mutation with the watchdog.
// Unlike Watch, an error returned by op is handed straight back to the
// caller: per-operation failures (element creation, pad linking) are
// the caller's to roll back and never run the ladder. Only a watchdog
// expiry runs the recovery ladder, and the deadline error is still
// returned afterward so the caller observes the abandoned mutation.
func (c *Controller) WatchStateChange(ctx context.Context, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- op(opCtx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-opCtx.Done():
		if rerr := c.handle(ctx, CategoryStateChangeDeadlock, opCtx.Err()); rerr != nil {
			return rerr
		}
		return opCtx.Err()
	}
}

// HandleBusError categorizes and logs a bus-delivered error message,
// applying the recovery ladder for anything beyond informational
// chatter. Warning/info/state-changed/EOS messages are classified but
// never trigger recovery — callers should not route them here.
func (c *Controller) HandleBusError(ctx context.Context, message string) error {
	cat := Categorize(message)
	return c.handle(ctx, cat, errors.New(message))
}

// HandleBusMessage logs a non-error bus message (warning, info,
// state-changed, element, EOS) with its classification. These are never
// acted on beyond logging, and the log line is throttled alongside the
// bus-error lines.
func (c *Controller) HandleBusMessage(kind, message string) {
	if c.limiter.Allow() {
		logging.L("recovery").Info("bus message",
			"kind", kind,
			logging.KeyCategory, Categorize(message).String(),
			"message", message)
	}
}

func (c *Controller) handle(ctx context.Context, cat Category, cause error) error {
	logger := logging.L("recovery")
	if c.limiter.Allow() {
		logger.Warn("bus error observed", logging.KeyCategory, cat.String(), logging.KeyError, cause.Error())
	}

	strategies := []struct {
		name RecoveryStrategy
		run  func(context.Context) error
	}{
		{StrategyRevert, c.cb.Revert},
		{StrategyForceReady, c.cb.ForceReady},
		{StrategyForceNull, c.cb.ForceNull},
	}

	for _, s := range strategies {
		if s.run == nil {
			continue
		}
		runErr := s.run(ctx)
		succeeded := runErr == nil
		outcome := Outcome{Category: cat, Strategy: s.name, Succeeded: succeeded}
		if cat == CategoryResource {
			outcome.MemoryUsedPct = memoryUsedPercent()
		}

		if succeeded {
			logger.Info("recovery strategy succeeded", "strategy", s.name.String(), logging.KeyCategory, cat.String())
			if c.cb.OnOutcome != nil {
				c.cb.OnOutcome(outcome)
			}
			return nil
		}
		logger.Warn("recovery strategy failed", "strategy", s.name.String(), logging.KeyCategory, cat.String())
		if c.cb.OnOutcome != nil {
			c.cb.OnOutcome(outcome)
		}
	}

	c.fatalCnt.Add(1)
	logger.Error("all recovery strategies exhausted", logging.KeyCategory, cat.String())
	if c.cb.OnOutcome != nil {
		c.cb.OnOutcome(Outcome{Category: cat, FatalAfterAll: true})
	}
	return ErrFatal
}

// FatalCount reports how many times the ladder has been fully
// exhausted since construction. Advisory, for diagnostics.
func (c *Controller) FatalCount() uint64 { return c.fatalCnt.Load() }

// memoryUsedPercent enriches Resource-category outcomes with current
// system memory pressure, grounded on the same gopsutil/v3/mem call the
// host's own metrics collector uses.
func memoryUsedPercent() float64 {
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vmem.UsedPercent
}
