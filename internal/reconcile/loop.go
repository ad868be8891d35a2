// Package reconcile drives the daemon's core cycle: observe runtime state,
// compile the policy against it, apply the result. Event bursts are
// debounced so that N rapid container changes produce one apply.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"dockwall.dev/dockwall/internal/backend"
	"dockwall.dev/dockwall/internal/clock"
	"dockwall.dev/dockwall/internal/compile"
	"dockwall.dev/dockwall/internal/config"
	"dockwall.dev/dockwall/internal/events"
	"dockwall.dev/dockwall/internal/logging"
	"dockwall.dev/dockwall/internal/metrics"
	"dockwall.dev/dockwall/internal/runtime"
)

// State is the loop's externally visible phase.
type State int32

const (
	StateIdle State = iota
	StateDebouncing
	StateCompiling
	StateApplying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateCompiling:
		return "compiling"
	case StateApplying:
		return "applying"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// DefaultDebounce is the quiet period after a runtime event before a cycle
// starts. Each further event within the window restarts it.
const DefaultDebounce = 500 * time.Millisecond

// Config wires a Loop.
type Config struct {
	Policy     *config.PolicyConfig
	PolicyPath string
	Resolver   *runtime.Resolver
	Applier    *backend.Applier
	Hub        *events.Hub
	Debounce   time.Duration
	Logger     *logging.Logger
}

// Loop is the reconciliation loop. Cycles are single-flight: a new trigger
// during a running cycle queues exactly one follow-up.
type Loop struct {
	resolver *runtime.Resolver
	applier  *backend.Applier
	hub      *events.Hub
	debounce time.Duration
	log      *logging.Logger

	policyMu   sync.RWMutex
	policy     *config.PolicyConfig
	policyPath string

	state   atomic.Int32
	trigger chan struct{}
	reload  chan struct{}
}

// New creates a Loop from cfg.
func New(cfg Config) *Loop {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("reconcile")
	}
	return &Loop{
		resolver:   cfg.Resolver,
		applier:    cfg.Applier,
		hub:        cfg.Hub,
		debounce:   cfg.Debounce,
		log:        cfg.Logger,
		policy:     cfg.Policy,
		policyPath: cfg.PolicyPath,
		trigger:    make(chan struct{}, 1),
		reload:     make(chan struct{}, 1),
	}
}

// State returns the loop's current phase.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Policy returns the active policy.
func (l *Loop) Policy() *config.PolicyConfig {
	l.policyMu.RLock()
	defer l.policyMu.RUnlock()
	return l.policy
}

// Trigger requests a cycle outside the event stream, e.g. from a signal
// handler. Coalesces with any pending trigger.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Reload requests a policy reload from PolicyPath followed by a cycle.
func (l *Loop) Reload() {
	select {
	case l.reload <- struct{}{}:
	default:
	}
}

// Run executes the loop until ctx is cancelled. The first cycle runs
// immediately and its failure is fatal: a daemon that cannot install its
// initial ruleset must not keep running as if it had. After that, cycles
// follow runtime events, explicit triggers and reload requests, and their
// failures leave the previous ruleset in place. An in-flight apply always
// completes, cancellation is only observed between cycles.
func (l *Loop) Run(ctx context.Context) error {
	sub := l.hub.Subscribe(64, events.RuntimeEventTypes()...)
	defer l.hub.Unsubscribe(sub)

	if err := l.runCycle(ctx); err != nil {
		return fmt.Errorf("initial reconciliation failed: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub:
			l.debounceThenCycle(ctx, sub)
		case <-l.trigger:
			l.debounceThenCycle(ctx, sub)
		case <-l.reload:
			l.reloadPolicy()
			if err := l.runCycle(ctx); err != nil {
				l.log.Error("post-reload reconciliation failed", "error", err)
			}
		}
	}
}

// debounceThenCycle waits for the event burst to settle. Every further
// event restarts the quiet period.
func (l *Loop) debounceThenCycle(ctx context.Context, sub <-chan events.Event) {
	l.state.Store(int32(StateDebouncing))

	timer := time.NewTimer(l.debounce)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.state.Store(int32(StateIdle))
			return
		case <-sub:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(l.debounce)
		case <-l.trigger:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(l.debounce)
		case <-timer.C:
			if err := l.runCycle(ctx); err != nil {
				l.log.Error("reconciliation failed", "error", err)
			}
			return
		}
	}
}

// runCycle performs one observe-compile-apply pass. A failure at any stage
// leaves the previously applied ruleset in place.
func (l *Loop) runCycle(ctx context.Context) error {
	cycleID := uuid.NewString()[:8]
	start := clock.Now()
	m := metrics.Get()
	log := l.log.WithFields(map[string]any{"cycle": cycleID})

	if err := l.resolver.Refresh(ctx); err != nil {
		return l.cycleFailed(cycleID, start, "runtime_error", err)
	}
	snap := l.resolver.Current()
	m.ContainersTracked.Set(float64(snap.ContainerCount()))
	m.NetworksTracked.Set(float64(snap.NetworkCount()))

	l.state.Store(int32(StateCompiling))
	compileStart := clock.Now()
	rs, err := compile.Compile(l.Policy(), snap)
	m.CompileDuration.Observe(clock.Since(compileStart).Seconds())
	if err != nil {
		return l.cycleFailed(cycleID, start, "compile_error", err)
	}

	l.state.Store(int32(StateApplying))
	applyStart := clock.Now()
	// Shutdown must not abandon a half-committed apply.
	err = l.applier.Apply(context.WithoutCancel(ctx), rs)
	m.ApplyDuration.Observe(clock.Since(applyStart).Seconds())
	if err != nil {
		return l.cycleFailed(cycleID, start, "apply_error", err)
	}

	duration := clock.Since(start)
	m.ReconcileCycles.WithLabelValues("success").Inc()
	m.LastSuccessfulApply.Set(float64(clock.Now().Unix()))
	m.RulesetRules.Set(float64(rs.Len()))

	l.hub.Publish(events.Event{
		Type:   events.EventCycleCompleted,
		Source: "reconcile",
		Data:   events.CycleData{CycleID: cycleID, Rules: rs.Len(), Duration: duration},
	})
	log.Info("reconciliation cycle completed",
		"rules", rs.Len(),
		"containers", snap.ContainerCount(),
		"networks", snap.NetworkCount(),
		"duration", duration)

	l.state.Store(int32(StateIdle))
	return nil
}

func (l *Loop) cycleFailed(cycleID string, start time.Time, result string, err error) error {
	l.state.Store(int32(StateFailed))
	metrics.Get().ReconcileCycles.WithLabelValues(result).Inc()
	l.hub.Publish(events.Event{
		Type:   events.EventCycleFailed,
		Source: "reconcile",
		Data: events.CycleData{
			CycleID:  cycleID,
			Duration: clock.Since(start),
			Err:      err.Error(),
		},
	})
	// Once reported, the failure leaves no residue: the loop waits idle
	// for the next trigger with the previous ruleset still active.
	l.state.Store(int32(StateIdle))
	return err
}

// reloadPolicy swaps in a freshly loaded policy, all or nothing: a policy
// that fails to load or validate leaves the active one untouched.
func (l *Loop) reloadPolicy() {
	if l.policyPath == "" {
		return
	}
	m := metrics.Get()

	cfg, err := config.Load(l.policyPath)
	if err != nil {
		m.PolicyReloads.WithLabelValues("error").Inc()
		l.log.Error("policy reload failed, keeping active policy",
			"path", l.policyPath, "error", err)
		return
	}

	l.policyMu.Lock()
	l.policy = cfg
	l.policyMu.Unlock()

	m.PolicyReloads.WithLabelValues("success").Inc()
	l.hub.EmitPolicyReloaded(l.policyPath)
	l.log.Info("policy reloaded", "path", l.policyPath)
}
