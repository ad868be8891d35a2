package events

import (
	"sync"

	"dockwall.dev/dockwall/internal/clock"
)

// Hub is the central event bus.
// It provides pub/sub semantics with typed events and non-blocking fan-out.
type Hub struct {
	mu   sync.RWMutex
	subs map[EventType][]chan Event

	// Global subscribers receive all events
	global []chan Event

	// Metrics
	published uint64
	dropped   uint64
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[EventType][]chan Event),
	}
}

// Publish sends an event to all subscribers of that event type.
// This is non-blocking - if a subscriber's channel is full, the event is dropped.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = clock.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.published++

	for _, ch := range h.subs[e.Type] {
		select {
		case ch <- e:
		default:
			h.dropped++
		}
	}

	for _, ch := range h.global {
		select {
		case ch <- e:
		default:
			h.dropped++
		}
	}
}

// Subscribe returns a channel that receives events of the specified types.
// If no types are specified, subscribes to all events.
// The caller is responsible for draining the channel to avoid drops.
func (h *Hub) Subscribe(bufSize int, types ...EventType) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(types) == 0 {
		h.global = append(h.global, ch)
	} else {
		for _, t := range types {
			h.subs[t] = append(h.subs[t], ch)
		}
	}

	return ch
}

// Unsubscribe removes a channel from all subscriptions.
// The channel is NOT closed by this method.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = removeFromSlice(h.global, ch)

	for t, subs := range h.subs {
		h.subs[t] = removeFromSlice(subs, ch)
	}
}

// Stats returns publish/drop counts for monitoring.
func (h *Hub) Stats() (published, dropped uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.published, h.dropped
}

// removeFromSlice removes a channel from a slice of channels.
func removeFromSlice(slice []chan Event, target <-chan Event) []chan Event {
	result := make([]chan Event, 0, len(slice))
	for _, ch := range slice {
		if ch != target {
			result = append(result, ch)
		}
	}
	return result
}

// ──────────────────────────────────────────────────────────────────────────────
// Convenience Methods
// ──────────────────────────────────────────────────────────────────────────────

// EmitContainerStarted publishes a container start event.
func (h *Hub) EmitContainerStarted(id, name string) {
	h.Publish(Event{
		Type:   EventContainerStarted,
		Source: "runtime",
		Data:   ContainerData{ID: id, Name: name},
	})
}

// EmitContainerStopped publishes a container stop event.
func (h *Hub) EmitContainerStopped(id, name string) {
	h.Publish(Event{
		Type:   EventContainerStopped,
		Source: "runtime",
		Data:   ContainerData{ID: id, Name: name},
	})
}

// EmitNetworkConnected publishes a network connect event.
func (h *Hub) EmitNetworkConnected(networkID, networkName, containerID string) {
	h.Publish(Event{
		Type:   EventNetworkConnected,
		Source: "runtime",
		Data:   NetworkData{NetworkID: networkID, NetworkName: networkName, ContainerID: containerID},
	})
}

// EmitNetworkDisconnected publishes a network disconnect event.
func (h *Hub) EmitNetworkDisconnected(networkID, networkName, containerID string) {
	h.Publish(Event{
		Type:   EventNetworkDisconnected,
		Source: "runtime",
		Data:   NetworkData{NetworkID: networkID, NetworkName: networkName, ContainerID: containerID},
	})
}

// EmitPolicyReloaded publishes a policy reload event.
func (h *Hub) EmitPolicyReloaded(path string) {
	h.Publish(Event{
		Type:   EventPolicyReloaded,
		Source: "config",
		Data:   path,
	})
}
