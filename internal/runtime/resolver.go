package runtime

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"dockwall.dev/dockwall/internal/clock"
	"dockwall.dev/dockwall/internal/events"
	"dockwall.dev/dockwall/internal/logging"
	"dockwall.dev/dockwall/internal/metrics"
)

// Reconnect backoff bounds for the event stream.
const (
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 30 * time.Second
	reconnectFactor       = 2.0
)

// Resolver maintains the current runtime snapshot and republishes runtime
// lifecycle events on the hub. It is the single consumer of the runtime's
// event stream; a dropped stream is reconnected with capped exponential
// backoff rather than crashing the daemon.
type Resolver struct {
	rt  Runtime
	hub *events.Hub
	log *logging.Logger

	mu   sync.RWMutex
	snap *Snapshot

	reconnects uint64
}

// NewResolver creates a resolver over the given runtime.
func NewResolver(rt Runtime, hub *events.Hub) *Resolver {
	return &Resolver{
		rt:   rt,
		hub:  hub,
		log:  logging.WithComponent("resolver"),
		snap: NewSnapshot(clock.Now(), nil, nil),
	}
}

// Current returns the latest fully-built snapshot. It never returns a
// partially updated view.
func (r *Resolver) Current() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Refresh rebuilds the snapshot from a fresh runtime listing and swaps it
// in. The old snapshot remains valid for readers that already hold it.
func (r *Resolver) Refresh(ctx context.Context) error {
	containers, networks, err := r.rt.List(ctx)
	if err != nil {
		return err
	}
	snap := NewSnapshot(clock.Now(), containers, networks)

	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()

	r.log.Debug("snapshot rebuilt",
		"containers", snap.ContainerCount(),
		"networks", snap.NetworkCount())
	return nil
}

// Reconnects returns how many times the event stream had to be
// re-established.
func (r *Resolver) Reconnects() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reconnects
}

// Run consumes the runtime event stream until ctx is cancelled. Each event
// triggers a snapshot rebuild before the event is republished, so hub
// subscribers always observe a snapshot at least as new as the event.
func (r *Resolver) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		evCh, errCh := r.rt.Events(ctx)
		if err := r.consume(ctx, evCh, errCh, &attempt); err != nil {
			r.log.Warn("event stream lost", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := reconnectDelay(attempt)
		attempt++
		r.mu.Lock()
		r.reconnects++
		r.mu.Unlock()
		metrics.Get().StreamReconnects.Inc()

		r.log.Info("reconnecting to event stream", "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (r *Resolver) consume(ctx context.Context, evCh <-chan Event, errCh <-chan error, attempt *int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errCh:
			if !ok {
				return nil
			}
			return err
		case ev, ok := <-evCh:
			if !ok {
				return nil
			}
			// A healthy stream resets the backoff.
			*attempt = 0

			if err := r.Refresh(ctx); err != nil {
				r.log.Warn("snapshot refresh failed", "error", err)
				// The event is still published: a stale snapshot plus a
				// triggered cycle beats silently skipping the change.
			}
			r.publish(ev)
		}
	}
}

func (r *Resolver) publish(ev Event) {
	switch ev.Kind {
	case ContainerStarted:
		r.hub.EmitContainerStarted(ev.ActorID, ev.ActorName)
	case ContainerStopped:
		r.hub.EmitContainerStopped(ev.ActorID, ev.ActorName)
	case NetworkConnected:
		r.hub.EmitNetworkConnected(ev.ActorID, ev.ActorName, ev.ContainerID)
	case NetworkDisconnected:
		r.hub.EmitNetworkDisconnected(ev.ActorID, ev.ActorName, ev.ContainerID)
	}
}

func reconnectDelay(attempt int) time.Duration {
	delay := float64(reconnectInitialDelay) * math.Pow(reconnectFactor, float64(attempt))
	// Up to 25% jitter so restarting daemons do not thunder in step.
	delay += delay * 0.25 * rand.Float64()
	if delay > float64(reconnectMaxDelay) {
		delay = float64(reconnectMaxDelay)
	}
	return time.Duration(delay)
}
