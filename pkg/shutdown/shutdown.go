package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Priority orders component shutdown: lower values run first.
const (
	PriorityHighest = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityLowest
)

// Timeout presets for ShutdownManager components and signal handling.
const (
	TimeoutQuick      = 2 * time.Second
	TimeoutCache      = 3 * time.Second
	TimeoutStandard   = 5 * time.Second
	TimeoutCompletion = 10 * time.Second

	// TimeoutForceShutdownWindow is how long HandleSignalsWithManager waits
	// after the first shutdown signal before it acts on a second one; a
	// second signal received during or after the window then forces
	// ShutdownNow.
	TimeoutForceShutdownWindow = 200 * time.Millisecond

	TimeoutTestVeryFast = 10 * time.Millisecond
	TimeoutTestFast      = 50 * time.Millisecond
	TimeoutTestStandard  = 200 * time.Millisecond
)

// ShutdownCallback performs one component's teardown, respecting ctx's
// deadline.
type ShutdownCallback func(ctx context.Context) error

type component struct {
	name     string
	priority int
	timeout  time.Duration
	callback ShutdownCallback
}

// ShutdownManager runs registered components in priority order (lowest
// first), each under its own timeout, recovering panics and collecting
// every error rather than aborting on the first.
type ShutdownManager struct {
	log *logrus.Logger

	mu         sync.Mutex
	components []component

	failFastEnabled bool
	failFastCancel  context.CancelFunc
}

// NewShutdownManager returns an empty manager logging through log.
func NewShutdownManager(log *logrus.Logger) *ShutdownManager {
	return &ShutdownManager{log: log}
}

// Register adds a component to be torn down during Shutdown.
func (sm *ShutdownManager) Register(name string, priority int, timeout time.Duration, cb ShutdownCallback) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.components = append(sm.components, component{name: name, priority: priority, timeout: timeout, callback: cb})
}

// EnableFailFast arms TriggerFailFast to call cancel on the first reported
// failure, typically wired to the process's root context.
func (sm *ShutdownManager) EnableFailFast(cancel context.CancelFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.failFastEnabled = true
	sm.failFastCancel = cancel
}

// TriggerFailFast cancels the fail-fast context if armed, logging which
// component reported the failure.
func (sm *ShutdownManager) TriggerFailFast(name string, err error) {
	sm.mu.Lock()
	enabled, cancel := sm.failFastEnabled, sm.failFastCancel
	sm.mu.Unlock()
	if !enabled || cancel == nil {
		return
	}
	if sm.log != nil {
		sm.log.WithField("component", name).WithError(err).Warn("fail-fast triggered")
	}
	cancel()
}

// Shutdown runs every registered component in priority order, each with
// its own per-component timeout derived from ctx. A component panic is
// recovered and reported as an error rather than crashing the process.
// Every component always runs; Shutdown aggregates and returns every
// failure rather than stopping at the first.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	ordered := append([]component(nil), sm.components...)
	sm.mu.Unlock()

	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].priority < ordered[j].priority })

	var errs []string
	for _, c := range ordered {
		if err := sm.runComponent(ctx, c); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("shutdown completed with %d error(s): %v", len(errs), errs)
}

// ShutdownNow runs every component with ctx passed through unwrapped,
// skipping each component's individual timeout. Used when a second
// shutdown signal arrives while the graceful shutdown is still running
// (see HandleSignalsWithManager): components get no extra grace period.
func (sm *ShutdownManager) ShutdownNow(ctx context.Context) error {
	sm.mu.Lock()
	ordered := append([]component(nil), sm.components...)
	sm.mu.Unlock()
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].priority < ordered[j].priority })

	var errs []string
	for _, c := range ordered {
		if err := sm.runComponent(ctx, component{name: c.name, priority: c.priority, timeout: 0, callback: c.callback}); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("shutdown completed with %d error(s): %v", len(errs), errs)
}

func (sm *ShutdownManager) runComponent(ctx context.Context, c component) (err error) {
	if sm.log != nil {
		sm.log.WithField("component", c.name).Info("Starting component shutdown")
	}

	componentCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		componentCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("component %s panicked: %v", c.name, r)
		}
	}()

	if err = c.callback(componentCtx); err != nil {
		sm.TriggerFailFast(c.name, err)
		return err
	}
	if sm.log != nil {
		sm.log.WithField("component", c.name).Info("Component shutdown completed successfully")
	}
	return nil
}
