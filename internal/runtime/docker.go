package runtime

import (
	"context"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"dockwall.dev/dockwall/internal/logging"
)

// DockerRuntime implements Runtime against the docker daemon API.
type DockerRuntime struct {
	cli *client.Client
	log *logging.Logger
}

// NewDockerRuntime connects to the docker daemon using the standard
// environment (DOCKER_HOST etc.) with API version negotiation.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerRuntime{
		cli: cli,
		log: logging.WithComponent("docker"),
	}, nil
}

// Ping verifies the daemon is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

// Close releases the underlying client.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// List returns all running containers and all networks.
func (d *DockerRuntime) List(ctx context.Context) ([]ContainerInfo, []NetworkInfo, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, nil, err
	}
	networks, err := d.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, nil, err
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		info := ContainerInfo{
			ID:        c.ID,
			Name:      containerName(c.Names),
			Endpoints: make(map[string]ContainerEndpoint),
		}
		if c.NetworkSettings != nil {
			for netName, ep := range c.NetworkSettings.Networks {
				if ep == nil {
					continue
				}
				info.Endpoints[netName] = ContainerEndpoint{
					NetworkID: ep.NetworkID,
					IPv4:      ep.IPAddress,
					IPv6:      ep.GlobalIPv6Address,
				}
			}
		}
		infos = append(infos, info)
	}

	nets := make([]NetworkInfo, 0, len(networks))
	for _, n := range networks {
		info := NetworkInfo{
			ID:     n.ID,
			Name:   n.Name,
			Bridge: bridgeName(n.Driver, n.ID, n.Options),
		}
		for id := range n.Containers {
			info.Containers = append(info.Containers, id)
		}
		nets = append(nets, info)
	}

	return infos, nets, nil
}

// Events subscribes to container start/die and network connect/disconnect.
func (d *DockerRuntime) Events(ctx context.Context) (<-chan Event, <-chan error) {
	f := filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("type", string(events.NetworkEventType)),
	)
	msgCh, errCh := d.cli.Events(ctx, events.ListOptions{Filters: f})

	out := make(chan Event, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errCh:
				if ok && err != nil {
					errs <- err
				}
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				ev, relevant := translateMessage(msg)
				if !relevant {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, errs
}

// translateMessage maps a docker event onto a runtime event. Events that
// cannot change the compiled ruleset are filtered out here.
func translateMessage(msg events.Message) (Event, bool) {
	switch msg.Type {
	case events.ContainerEventType:
		name := msg.Actor.Attributes["name"]
		switch msg.Action {
		case events.ActionStart:
			return Event{Kind: ContainerStarted, ActorID: msg.Actor.ID, ActorName: name}, true
		case events.ActionDie:
			return Event{Kind: ContainerStopped, ActorID: msg.Actor.ID, ActorName: name}, true
		}
	case events.NetworkEventType:
		name := msg.Actor.Attributes["name"]
		containerID := msg.Actor.Attributes["container"]
		switch msg.Action {
		case events.ActionConnect:
			return Event{Kind: NetworkConnected, ActorID: msg.Actor.ID, ActorName: name, ContainerID: containerID}, true
		case events.ActionDisconnect:
			return Event{Kind: NetworkDisconnected, ActorID: msg.Actor.ID, ActorName: name, ContainerID: containerID}, true
		}
	}
	return Event{}, false
}

// containerName strips the leading slash docker puts on primary names.
func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

// bridgeName derives the host bridge interface for a network. Docker names
// custom bridges br-<first 12 of network ID> unless an explicit name option
// is set (the default bridge carries com.docker.network.bridge.name=docker0).
func bridgeName(driver, id string, options map[string]string) string {
	if driver != "bridge" {
		return ""
	}
	if name, ok := options["com.docker.network.bridge.name"]; ok && name != "" {
		return name
	}
	if len(id) >= 12 {
		return "br-" + id[:12]
	}
	return "br-" + id
}
