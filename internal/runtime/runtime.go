package runtime

import "context"

// EventKind classifies runtime lifecycle events.
type EventKind int

const (
	ContainerStarted EventKind = iota
	ContainerStopped
	NetworkConnected
	NetworkDisconnected
)

func (k EventKind) String() string {
	switch k {
	case ContainerStarted:
		return "container started"
	case ContainerStopped:
		return "container stopped"
	case NetworkConnected:
		return "network connected"
	case NetworkDisconnected:
		return "network disconnected"
	}
	return "unknown"
}

// Event is a lifecycle notification from the container runtime.
type Event struct {
	Kind EventKind

	// ActorID/ActorName identify the container for container events, the
	// network for network events.
	ActorID   string
	ActorName string

	// ContainerID is set for network connect/disconnect events.
	ContainerID string
}

// Runtime is the container-runtime collaborator: a point-in-time listing
// plus a subscribable lifecycle event stream. The daemon only consumes this
// interface; the docker adapter is the production implementation.
type Runtime interface {
	// List returns all running containers and all networks.
	List(ctx context.Context) ([]ContainerInfo, []NetworkInfo, error)

	// Events subscribes to the lifecycle stream. The error channel
	// delivers at most one error; after that both channels are dead and
	// the caller must resubscribe.
	Events(ctx context.Context) (<-chan Event, <-chan error)
}
