package runtime

import (
	"context"
	"testing"
	"time"

	"dockwall.dev/dockwall/internal/events"
)

func TestResolverRefresh(t *testing.T) {
	rt := NewFakeRuntime()
	rt.SetState(
		[]ContainerInfo{{ID: "c1", Name: "web"}},
		[]NetworkInfo{{ID: "n1", Name: "frontend", Bridge: "br-aaaaaaaaaaaa"}},
	)

	r := NewResolver(rt, events.NewHub())
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	snap := r.Current()
	if snap.ContainerCount() != 1 || snap.NetworkCount() != 1 {
		t.Errorf("unexpected snapshot counts: %d containers, %d networks",
			snap.ContainerCount(), snap.NetworkCount())
	}
}

func TestResolverRebuildsOnEvent(t *testing.T) {
	rt := NewFakeRuntime()
	hub := events.NewHub()
	sub := hub.Subscribe(8, events.RuntimeEventTypes()...)

	r := NewResolver(rt, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	rt.SetState(
		[]ContainerInfo{{ID: "c1", Name: "web"}},
		nil,
	)
	rt.Emit(Event{Kind: ContainerStarted, ActorID: "c1", ActorName: "web"})

	select {
	case e := <-sub:
		if e.Type != events.EventContainerStarted {
			t.Errorf("expected container.started, got %s", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for republished event")
	}

	// The snapshot was rebuilt before the event was published.
	if r.Current().ContainerCount() != 1 {
		t.Errorf("snapshot not rebuilt on event")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("resolver did not stop on cancellation")
	}
}

func TestResolverSnapshotIsImmutable(t *testing.T) {
	rt := NewFakeRuntime()
	rt.SetState([]ContainerInfo{{ID: "c1", Name: "web"}}, nil)

	r := NewResolver(rt, events.NewHub())
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	old := r.Current()

	rt.SetState([]ContainerInfo{{ID: "c1", Name: "web"}, {ID: "c2", Name: "db"}}, nil)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	// Old snapshot still reflects the state at its build time.
	if old.ContainerCount() != 1 {
		t.Errorf("old snapshot mutated")
	}
	if r.Current().ContainerCount() != 2 {
		t.Errorf("new snapshot not visible")
	}
}
