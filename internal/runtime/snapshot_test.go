package runtime

import (
	"errors"
	"testing"
	"time"
)

func testSnapshot() *Snapshot {
	containers := []ContainerInfo{
		{
			ID:   "c1",
			Name: "web",
			Endpoints: map[string]ContainerEndpoint{
				"frontend": {NetworkID: "n1", IPv4: "172.18.0.2"},
			},
		},
		{
			ID:   "c2",
			Name: "db",
			Endpoints: map[string]ContainerEndpoint{
				"backend": {NetworkID: "n2", IPv4: "172.19.0.2", IPv6: "fd00::2"},
			},
		},
	}
	networks := []NetworkInfo{
		{ID: "n1", Name: "frontend", Bridge: "br-aaaaaaaaaaaa", Containers: []string{"c1"}},
		{ID: "n2", Name: "backend", Bridge: "br-bbbbbbbbbbbb", Containers: []string{"c2"}},
		{ID: "n3", Name: "host", Bridge: ""},
	}
	return NewSnapshot(time.Now(), containers, networks)
}

func TestSnapshotLookups(t *testing.T) {
	s := testSnapshot()

	c, err := s.Container("web")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ID != "c1" {
		t.Errorf("expected c1, got %s", c.ID)
	}

	n, err := s.Network("backend")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Bridge != "br-bbbbbbbbbbbb" {
		t.Errorf("unexpected bridge %s", n.Bridge)
	}

	ep, err := s.Endpoint("db", "backend")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.IPv4 != "172.19.0.2" || ep.IPv6 != "fd00::2" {
		t.Errorf("unexpected endpoint %+v", ep)
	}
}

func TestSnapshotFailClosed(t *testing.T) {
	s := testSnapshot()

	var rerr *ResolutionError

	if _, err := s.Container("ghost"); !errors.As(err, &rerr) {
		t.Errorf("expected ResolutionError, got %v", err)
	}
	if _, err := s.Network("ghostnet"); !errors.As(err, &rerr) {
		t.Errorf("expected ResolutionError, got %v", err)
	}

	// Container and network exist, but the container is not attached.
	if _, err := s.Endpoint("web", "backend"); !errors.As(err, &rerr) {
		t.Errorf("expected ResolutionError for missing attachment, got %v", err)
	}
}

func TestBridgeNetworkNamesSorted(t *testing.T) {
	s := testSnapshot()

	names := s.BridgeNetworkNames()
	if len(names) != 2 {
		t.Fatalf("expected 2 bridge networks, got %v", names)
	}
	// Non-bridge networks are excluded, output sorted.
	if names[0] != "backend" || names[1] != "frontend" {
		t.Errorf("unexpected order %v", names)
	}
}
