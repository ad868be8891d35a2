// Package events provides the central pub/sub hub connecting the runtime
// state resolver, the reconciliation loop and observability consumers.
package events

import "time"

// EventType identifies the kind of event.
type EventType string

const (
	// Runtime lifecycle events, republished from the container runtime.
	EventContainerStarted    EventType = "container.started"
	EventContainerStopped    EventType = "container.stopped"
	EventNetworkConnected    EventType = "network.connected"
	EventNetworkDisconnected EventType = "network.disconnected"

	// Daemon-internal events.
	EventPolicyReloaded EventType = "policy.reloaded"
	EventCycleCompleted EventType = "cycle.completed"
	EventCycleFailed    EventType = "cycle.failed"
)

// Event is a single published event.
type Event struct {
	Type      EventType
	Source    string
	Timestamp time.Time
	Data      any
}

// ContainerData carries container lifecycle details.
type ContainerData struct {
	ID   string
	Name string
}

// NetworkData carries network attachment details.
type NetworkData struct {
	NetworkID   string
	NetworkName string
	ContainerID string
}

// CycleData carries the outcome of a reconciliation cycle.
type CycleData struct {
	CycleID  string
	Rules    int
	Duration time.Duration
	Err      string
}

// RuntimeEventTypes lists the event types that should trigger a
// reconciliation cycle.
func RuntimeEventTypes() []EventType {
	return []EventType{
		EventContainerStarted,
		EventContainerStopped,
		EventNetworkConnected,
		EventNetworkDisconnected,
	}
}
