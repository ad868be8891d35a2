// Package runtime maintains a live view of container runtime state: which
// containers exist, which networks they are attached to, and the addresses
// behind each attachment. The view is exposed as immutable snapshots; every
// relevant runtime event produces a freshly built snapshot, never an
// in-place mutation, so the compiler always sees a consistent point in time.
package runtime

import (
	"fmt"
	"sort"
	"time"
)

// ResolutionError reports a policy name that does not resolve against the
// current snapshot. Callers must treat it as fail-closed: the compilation
// cycle aborts and the previously applied ruleset stays active.
type ResolutionError struct {
	Kind string // "container", "network" or "attachment"
	Name string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Name)
}

// ContainerEndpoint is one container's attachment to one network.
type ContainerEndpoint struct {
	NetworkID string
	IPv4      string
	IPv6      string
}

// ContainerInfo describes a running container and its network attachments,
// keyed by network name.
type ContainerInfo struct {
	ID        string
	Name      string
	Endpoints map[string]ContainerEndpoint
}

// NetworkInfo describes a container network.
type NetworkInfo struct {
	ID   string
	Name string

	// Bridge is the host-side bridge interface backing the network, empty
	// for non-bridge drivers (host, none, overlay).
	Bridge string

	// Containers holds member container IDs, sorted.
	Containers []string
}

// Snapshot is a consistent point-in-time view of runtime state.
type Snapshot struct {
	TakenAt time.Time

	containersByName map[string]*ContainerInfo
	containersByID   map[string]*ContainerInfo
	networksByName   map[string]*NetworkInfo

	bridgeNetworkNames []string
}

// NewSnapshot builds a snapshot from runtime listings. Input order is
// irrelevant: all derived orderings are sorted by name.
func NewSnapshot(takenAt time.Time, containers []ContainerInfo, networks []NetworkInfo) *Snapshot {
	s := &Snapshot{
		TakenAt:          takenAt,
		containersByName: make(map[string]*ContainerInfo, len(containers)),
		containersByID:   make(map[string]*ContainerInfo, len(containers)),
		networksByName:   make(map[string]*NetworkInfo, len(networks)),
	}

	for i := range containers {
		c := containers[i]
		s.containersByName[c.Name] = &c
		s.containersByID[c.ID] = &c
	}
	for i := range networks {
		n := networks[i]
		sort.Strings(n.Containers)
		s.networksByName[n.Name] = &n
		if n.Bridge != "" {
			s.bridgeNetworkNames = append(s.bridgeNetworkNames, n.Name)
		}
	}
	sort.Strings(s.bridgeNetworkNames)
	return s
}

// Container resolves a container by policy name.
func (s *Snapshot) Container(name string) (*ContainerInfo, error) {
	c, ok := s.containersByName[name]
	if !ok {
		return nil, &ResolutionError{Kind: "container", Name: name}
	}
	return c, nil
}

// ContainerByID resolves a container by runtime ID.
func (s *Snapshot) ContainerByID(id string) (*ContainerInfo, bool) {
	c, ok := s.containersByID[id]
	return c, ok
}

// Network resolves a network by policy name.
func (s *Snapshot) Network(name string) (*NetworkInfo, error) {
	n, ok := s.networksByName[name]
	if !ok {
		return nil, &ResolutionError{Kind: "network", Name: name}
	}
	return n, nil
}

// Endpoint resolves a container's attachment to a network. Both names must
// resolve and the container must actually be attached.
func (s *Snapshot) Endpoint(containerName, networkName string) (ContainerEndpoint, error) {
	c, err := s.Container(containerName)
	if err != nil {
		return ContainerEndpoint{}, err
	}
	if _, err := s.Network(networkName); err != nil {
		return ContainerEndpoint{}, err
	}
	ep, ok := c.Endpoints[networkName]
	if !ok || ep.IPv4 == "" && ep.IPv6 == "" {
		return ContainerEndpoint{}, &ResolutionError{
			Kind: "attachment",
			Name: containerName + "@" + networkName,
		}
	}
	return ep, nil
}

// BridgeNetworkNames returns the names of all bridge-backed networks,
// sorted. The compiler uses this for default-policy catch-alls so output
// never depends on map iteration order.
func (s *Snapshot) BridgeNetworkNames() []string {
	return s.bridgeNetworkNames
}

// ContainerCount returns the number of tracked containers.
func (s *Snapshot) ContainerCount() int {
	return len(s.containersByID)
}

// NetworkCount returns the number of tracked networks.
func (s *Snapshot) NetworkCount() int {
	return len(s.networksByName)
}
