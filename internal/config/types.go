// Package config holds the typed policy model and its loaders.
//
// A policy file describes how containers may talk to each other, to the
// host and to the wider world, across five rule tables. The file is
// declarative: it references containers and networks by name, and the
// compiler resolves those names against live runtime state.
//
// Policies load from HCL (primary) or YAML, selected by file extension.
// A loaded PolicyConfig is immutable; reload replaces it wholesale.
package config

import (
	"fmt"
	"net"
)

// Verdict is the terminal action for matching traffic.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictDrop   Verdict = "drop"
	VerdictReject Verdict = "reject"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictAccept, VerdictDrop, VerdictReject:
		return true
	}
	return false
}

// PolicyConfig is the root of the policy model. Every section is optional;
// an absent table contributes no rules.
type PolicyConfig struct {
	Defaults       *Defaults       `yaml:"defaults"`
	Initialization *Initialization `yaml:"initialization"`

	ContainerToContainer  *ContainerToContainer  `yaml:"container_to_container"`
	ContainerToWiderWorld *ContainerToWiderWorld `yaml:"container_to_wider_world"`
	ContainerToHost       *ContainerToHost       `yaml:"container_to_host"`
	WiderWorldToContainer *WiderWorldToContainer `yaml:"wider_world_to_container"`
	ContainerDNAT         *ContainerDNAT         `yaml:"container_dnat"`
}

// Defaults holds global settings shared by all tables.
type Defaults struct {
	// ExternalNetworkInterfaces lists host-facing interfaces in priority
	// order. A rule that does not name an interface uses the first entry.
	// Accepts a single string or a list in the policy file.
	ExternalNetworkInterfaces StringList `yaml:"external_network_interfaces"`

	// DefaultDockerBridgeToHostPolicy decides whether the default docker
	// bridge (usually docker0) may reach host resources. Non-default
	// bridges are governed by the container_to_host table instead. Only
	// accept and drop are meaningful here; empty means accept.
	DefaultDockerBridgeToHostPolicy Verdict `yaml:"default_docker_bridge_to_host_policy"`

	// CustomTables references foreign nftables tables whose listed chains
	// get their policy set to accept during initialization, so rules in
	// those tables do not shadow the managed table.
	CustomTables []CustomTable `yaml:"custom_tables"`

	// MetricsListen enables the Prometheus endpoint when set, e.g. ":9831".
	MetricsListen string `yaml:"metrics_listen"`
}

// PrimaryExternalInterface returns the default external interface, or ""
// when none are configured.
func (d *Defaults) PrimaryExternalInterface() string {
	if d == nil || len(d.ExternalNetworkInterfaces) == 0 {
		return ""
	}
	return d.ExternalNetworkInterfaces[0]
}

// DockerBridgeToHostPolicy returns the effective policy for traffic from
// the default docker bridge to the host, accept when unset.
func (d *Defaults) DockerBridgeToHostPolicy() Verdict {
	if d == nil || d.DefaultDockerBridgeToHostPolicy == "" {
		return VerdictAccept
	}
	return d.DefaultDockerBridgeToHostPolicy
}

// CustomTable references an existing nftables table and its chains.
type CustomTable struct {
	Name   string   `yaml:"name"`
	Chains []string `yaml:"chains"`
}

// Initialization holds raw backend commands run once before any table is
// applied. They are passed through verbatim.
type Initialization struct {
	Rules []string `yaml:"rules"`
}

// ContainerToContainer defines how containers communicate amongst each other.
type ContainerToContainer struct {
	DefaultPolicy Verdict                    `yaml:"default_policy"`
	Rules         []ContainerToContainerRule `yaml:"rules"`
}

// ContainerToContainerRule matches traffic between two containers on a
// common network.
type ContainerToContainerRule struct {
	Network      string  `yaml:"network"`
	SrcContainer string  `yaml:"src_container"`
	DstContainer string  `yaml:"dst_container"`
	Matches      string  `yaml:"matches"`
	Verdict      Verdict `yaml:"verdict"`
	Action       Verdict `yaml:"action"` // alias for verdict, folded in by normalize
}

// ContainerToWiderWorld defines how containers reach the outside world.
type ContainerToWiderWorld struct {
	DefaultPolicy Verdict                     `yaml:"default_policy"`
	Rules         []ContainerToWiderWorldRule `yaml:"rules"`
}

// ContainerToWiderWorldRule matches container egress through an external
// network interface.
type ContainerToWiderWorldRule struct {
	Network                  string  `yaml:"network"`
	SrcContainer             string  `yaml:"src_container"`
	Matches                  string  `yaml:"matches"`
	Verdict                  Verdict `yaml:"verdict"`
	Action                   Verdict `yaml:"action"`
	ExternalNetworkInterface string  `yaml:"external_network_interface"`
}

// ContainerToHost defines how containers reach the host itself.
type ContainerToHost struct {
	DefaultPolicy Verdict               `yaml:"default_policy"`
	Rules         []ContainerToHostRule `yaml:"rules"`
}

// ContainerToHostRule matches traffic from a container to the host.
type ContainerToHostRule struct {
	Network      string  `yaml:"network"`
	SrcContainer string  `yaml:"src_container"`
	Matches      string  `yaml:"matches"`
	Verdict      Verdict `yaml:"verdict"`
	Action       Verdict `yaml:"action"`
}

// WiderWorldToContainer defines inbound exposure. This table is
// allow-list-only: there is no default policy, absence of a rule means no
// exposure.
type WiderWorldToContainer struct {
	Rules []WiderWorldToContainerRule `yaml:"rules"`
}

// WiderWorldToContainerRule exposes a container port on an external
// interface, optionally restricted to source CIDR ranges.
type WiderWorldToContainerRule struct {
	Network                  string         `yaml:"network"`
	DstContainer             string         `yaml:"dst_container"`
	ExposePorts              ExposePortList `yaml:"expose_port"`
	ExternalNetworkInterface string         `yaml:"external_network_interface"`
	SourceCIDRV4             StringList     `yaml:"source_cidr_v4"`
	SourceCIDRV6             StringList     `yaml:"source_cidr_v6"`

	// SourceCIDR accepts mixed v4/v6 ranges; normalize splits it into the
	// family-specific fields above.
	SourceCIDR StringList `yaml:"source_cidr"`
}

// ContainerDNAT defines destination NAT between containers on non-common
// networks. Allow-list-only, like WiderWorldToContainer.
type ContainerDNAT struct {
	Rules []ContainerDNATRule `yaml:"rules"`
}

// ContainerDNATRule maps traffic addressed to an exposed port onto a
// destination container, optionally narrowed to a source network/container.
type ContainerDNATRule struct {
	SrcNetwork   string         `yaml:"src_network"`
	SrcContainer string         `yaml:"src_container"`
	DstNetwork   string         `yaml:"dst_network"`
	DstContainer string         `yaml:"dst_container"`
	ExposePorts  ExposePortList `yaml:"expose_port"`
}

// normalize folds verdict aliases and applies defaults that are independent
// of runtime state. It returns an error when an alias conflicts with the
// canonical field.
func (c *PolicyConfig) normalize() error {
	fold := func(table string, idx int, verdict, action *Verdict) error {
		if *action == "" {
			return nil
		}
		if *verdict != "" && *verdict != *action {
			return &ValidationError{
				Table: table, Rule: idx, Field: "action",
				Msg: fmt.Sprintf("conflicts with verdict %q", *verdict),
			}
		}
		*verdict = *action
		*action = ""
		return nil
	}

	if t := c.ContainerToContainer; t != nil {
		for i := range t.Rules {
			if err := fold(TableContainerToContainer, i+1, &t.Rules[i].Verdict, &t.Rules[i].Action); err != nil {
				return err
			}
		}
	}
	if t := c.ContainerToWiderWorld; t != nil {
		for i := range t.Rules {
			if err := fold(TableContainerToWiderWorld, i+1, &t.Rules[i].Verdict, &t.Rules[i].Action); err != nil {
				return err
			}
		}
	}
	if t := c.ContainerToHost; t != nil {
		for i := range t.Rules {
			if err := fold(TableContainerToHost, i+1, &t.Rules[i].Verdict, &t.Rules[i].Action); err != nil {
				return err
			}
		}
	}
	if t := c.WiderWorldToContainer; t != nil {
		for i := range t.Rules {
			r := &t.Rules[i]
			if len(r.SourceCIDR) == 0 {
				continue
			}
			if len(r.SourceCIDRV4) > 0 || len(r.SourceCIDRV6) > 0 {
				return &ValidationError{
					Table: TableWiderWorldToContainer, Rule: i + 1, Field: "source_cidr",
					Msg: "conflicts with source_cidr_v4/source_cidr_v6",
				}
			}
			for _, cidr := range r.SourceCIDR {
				// Unparsable entries land in the v4 field where validation
				// reports them.
				if ip, _, err := net.ParseCIDR(cidr); err == nil && ip.To4() == nil {
					r.SourceCIDRV6 = append(r.SourceCIDRV6, cidr)
				} else {
					r.SourceCIDRV4 = append(r.SourceCIDRV4, cidr)
				}
			}
			r.SourceCIDR = nil
		}
	}
	return nil
}

// Table names as they appear in the policy file, used in error reporting
// and compiled rule attribution.
const (
	TableContainerToContainer  = "container_to_container"
	TableContainerToWiderWorld = "container_to_wider_world"
	TableContainerToHost       = "container_to_host"
	TableWiderWorldToContainer = "wider_world_to_container"
	TableContainerDNAT         = "container_dnat"
)
