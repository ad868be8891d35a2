package runtime

import (
	"context"
	"sync"
)

// FakeRuntime is an in-memory Runtime for tests. State changes are applied
// with SetState and surfaced to consumers with Emit.
type FakeRuntime struct {
	mu         sync.Mutex
	containers []ContainerInfo
	networks   []NetworkInfo
	listErr    error

	evCh  chan Event
	errCh chan error
}

// NewFakeRuntime creates an empty fake runtime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		evCh:  make(chan Event, 64),
		errCh: make(chan error, 1),
	}
}

// SetState replaces the listing the next List call returns.
func (f *FakeRuntime) SetState(containers []ContainerInfo, networks []NetworkInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers = containers
	f.networks = networks
}

// SetListError makes subsequent List calls fail.
func (f *FakeRuntime) SetListError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// Emit delivers an event to the current subscriber.
func (f *FakeRuntime) Emit(ev Event) {
	f.evCh <- ev
}

// FailStream delivers a stream error, forcing the consumer to resubscribe.
func (f *FakeRuntime) FailStream(err error) {
	f.errCh <- err
}

// List implements Runtime.
func (f *FakeRuntime) List(ctx context.Context) ([]ContainerInfo, []NetworkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, nil, f.listErr
	}
	containers := make([]ContainerInfo, len(f.containers))
	copy(containers, f.containers)
	networks := make([]NetworkInfo, len(f.networks))
	copy(networks, f.networks)
	return containers, networks, nil
}

// Events implements Runtime.
func (f *FakeRuntime) Events(ctx context.Context) (<-chan Event, <-chan error) {
	return f.evCh, f.errCh
}
