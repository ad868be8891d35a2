package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError reports an invalid policy with the offending table and
// 1-based rule index. Rule 0 means the error is at table level.
type ValidationError struct {
	Table string
	Rule  int
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Table != "" {
		b.WriteString(e.Table)
	} else {
		b.WriteString("policy")
	}
	if e.Rule > 0 {
		fmt.Fprintf(&b, " rule %d", e.Rule)
	}
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	return b.String()
}

// Validate checks structural constraints the decoder alone cannot: verdict
// enum values, CIDR syntax, per-table required fields. It reports the first
// violation found, never silently defaults.
func (c *PolicyConfig) Validate() error {
	if d := c.Defaults; d != nil {
		switch d.DefaultDockerBridgeToHostPolicy {
		case "", VerdictAccept, VerdictDrop:
		default:
			return &ValidationError{
				Field: "default_docker_bridge_to_host_policy",
				Msg: fmt.Sprintf("%q is not one of accept, drop",
					d.DefaultDockerBridgeToHostPolicy),
			}
		}
	}

	if t := c.ContainerToContainer; t != nil {
		if err := validateDefaultPolicy(TableContainerToContainer, t.DefaultPolicy); err != nil {
			return err
		}
		for i, r := range t.Rules {
			idx := i + 1
			if r.Network == "" {
				return &ValidationError{Table: TableContainerToContainer, Rule: idx, Field: "network", Msg: "required"}
			}
			if err := validateVerdict(TableContainerToContainer, idx, r.Verdict); err != nil {
				return err
			}
		}
	}

	if t := c.ContainerToWiderWorld; t != nil {
		if err := validateDefaultPolicy(TableContainerToWiderWorld, t.DefaultPolicy); err != nil {
			return err
		}
		for i, r := range t.Rules {
			idx := i + 1
			if r.Network == "" {
				return &ValidationError{Table: TableContainerToWiderWorld, Rule: idx, Field: "network", Msg: "required"}
			}
			if err := validateVerdict(TableContainerToWiderWorld, idx, r.Verdict); err != nil {
				return err
			}
		}
	}

	if t := c.ContainerToHost; t != nil {
		if err := validateDefaultPolicy(TableContainerToHost, t.DefaultPolicy); err != nil {
			return err
		}
		for i, r := range t.Rules {
			idx := i + 1
			if r.Network == "" {
				return &ValidationError{Table: TableContainerToHost, Rule: idx, Field: "network", Msg: "required"}
			}
			if err := validateVerdict(TableContainerToHost, idx, r.Verdict); err != nil {
				return err
			}
		}
	}

	if t := c.WiderWorldToContainer; t != nil {
		for i, r := range t.Rules {
			idx := i + 1
			if r.Network == "" {
				return &ValidationError{Table: TableWiderWorldToContainer, Rule: idx, Field: "network", Msg: "required"}
			}
			if r.DstContainer == "" {
				return &ValidationError{Table: TableWiderWorldToContainer, Rule: idx, Field: "dst_container", Msg: "required"}
			}
			if len(r.ExposePorts) == 0 {
				return &ValidationError{Table: TableWiderWorldToContainer, Rule: idx, Field: "expose_port", Msg: "required"}
			}
			if err := validatePorts(TableWiderWorldToContainer, idx, r.ExposePorts); err != nil {
				return err
			}
			if err := validateCIDRs(TableWiderWorldToContainer, idx, "source_cidr_v4", r.SourceCIDRV4, false); err != nil {
				return err
			}
			if err := validateCIDRs(TableWiderWorldToContainer, idx, "source_cidr_v6", r.SourceCIDRV6, true); err != nil {
				return err
			}
		}
	}

	if t := c.ContainerDNAT; t != nil {
		for i, r := range t.Rules {
			idx := i + 1
			if r.DstNetwork == "" {
				return &ValidationError{Table: TableContainerDNAT, Rule: idx, Field: "dst_network", Msg: "required"}
			}
			if r.DstContainer == "" {
				return &ValidationError{Table: TableContainerDNAT, Rule: idx, Field: "dst_container", Msg: "required"}
			}
			if r.SrcContainer != "" && r.SrcNetwork == "" {
				return &ValidationError{Table: TableContainerDNAT, Rule: idx, Field: "src_container", Msg: "requires src_network"}
			}
			if len(r.ExposePorts) == 0 {
				return &ValidationError{Table: TableContainerDNAT, Rule: idx, Field: "expose_port", Msg: "required"}
			}
			if err := validatePorts(TableContainerDNAT, idx, r.ExposePorts); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateDefaultPolicy(table string, v Verdict) error {
	if v == "" {
		return &ValidationError{Table: table, Field: "default_policy", Msg: "required"}
	}
	if !v.Valid() {
		return &ValidationError{Table: table, Field: "default_policy",
			Msg: fmt.Sprintf("%q is not one of accept, drop, reject", v)}
	}
	return nil
}

func validateVerdict(table string, idx int, v Verdict) error {
	if v == "" {
		return &ValidationError{Table: table, Rule: idx, Field: "verdict", Msg: "required"}
	}
	if !v.Valid() {
		return &ValidationError{Table: table, Rule: idx, Field: "verdict",
			Msg: fmt.Sprintf("%q is not one of accept, drop, reject", v)}
	}
	return nil
}

func validatePorts(table string, idx int, ports ExposePortList) error {
	for _, p := range ports {
		if p.HostPort == 0 {
			return &ValidationError{Table: table, Rule: idx, Field: "expose_port", Msg: "host port must be 1-65535"}
		}
		switch p.Family {
		case "tcp", "udp":
		default:
			return &ValidationError{Table: table, Rule: idx, Field: "expose_port",
				Msg: fmt.Sprintf("family %q is not tcp or udp", p.Family)}
		}
	}
	return nil
}

func validateCIDRs(table string, idx int, field string, cidrs StringList, wantV6 bool) error {
	for _, c := range cidrs {
		ip, _, err := net.ParseCIDR(c)
		if err != nil {
			return &ValidationError{Table: table, Rule: idx, Field: field,
				Msg: fmt.Sprintf("%q is not a valid CIDR", c)}
		}
		isV4 := ip.To4() != nil
		if wantV6 && isV4 {
			return &ValidationError{Table: table, Rule: idx, Field: field,
				Msg: fmt.Sprintf("%q is an IPv4 range in an IPv6 field", c)}
		}
		if !wantV6 && !isV4 {
			return &ValidationError{Table: table, Rule: idx, Field: field,
				Msg: fmt.Sprintf("%q is an IPv6 range in an IPv4 field", c)}
		}
	}
	return nil
}
