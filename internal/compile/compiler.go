package compile

import (
	"fmt"
	"strings"

	"dockwall.dev/dockwall/internal/config"
	"dockwall.dev/dockwall/internal/runtime"
)

// defaultBridgeNetwork is the name docker gives the network backing its
// default bridge (usually docker0).
const defaultBridgeNetwork = "bridge"

// CompilationError reports why a compilation cycle failed. The previous
// ruleset stays active; a failed compile never produces partial output.
type CompilationError struct {
	Table string
	Rule  int // 1-based declared rule index, 0 for table-level problems
	Err   error
}

func (e *CompilationError) Error() string {
	if e.Rule > 0 {
		return fmt.Sprintf("%s rule %d: %v", e.Table, e.Rule, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Table, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// Compile combines the policy with a runtime snapshot into an ordered
// ruleset. It is pure: no I/O, no logging, no reliance on map iteration
// order. Tables are processed in a fixed order, rules in declared order,
// snapshot-derived enumerations sorted by name.
func Compile(cfg *config.PolicyConfig, snap *runtime.Snapshot) (*Ruleset, error) {
	c := &compilation{cfg: cfg, snap: snap}

	if err := c.containerToContainer(); err != nil {
		return nil, err
	}
	if err := c.containerToWiderWorld(); err != nil {
		return nil, err
	}
	if err := c.containerToHost(); err != nil {
		return nil, err
	}
	if err := c.widerWorldToContainer(); err != nil {
		return nil, err
	}
	if err := c.containerDNAT(); err != nil {
		return nil, err
	}

	return &Ruleset{Rules: c.rules}, nil
}

type compilation struct {
	cfg   *config.PolicyConfig
	snap  *runtime.Snapshot
	rules []CompiledRule
}

func (c *compilation) emit(r CompiledRule) {
	c.rules = append(c.rules, r)
}

// checkConflicts rejects two declared rules of one table whose match text
// is identical but whose verdicts differ: the intent is ambiguous and the
// policy author must resolve it.
func checkConflicts(table string, rules []CompiledRule) error {
	seen := make(map[string]CompiledRule, len(rules))
	for _, r := range rules {
		if r.RuleIndex == 0 {
			continue
		}
		key := r.Chain + "\x00" + r.Match
		if prev, ok := seen[key]; ok && prev.Verdict != r.Verdict {
			return &CompilationError{
				Table: table,
				Rule:  r.RuleIndex,
				Err: fmt.Errorf("match %q conflicts with rule %d (%s vs %s)",
					r.Match, prev.RuleIndex, prev.Verdict, r.Verdict),
			}
		}
		seen[key] = r
	}
	return nil
}

// bridgeFor resolves a policy network name to its host bridge interface.
func (c *compilation) bridgeFor(table string, idx int, networkName string) (string, error) {
	n, err := c.snap.Network(networkName)
	if err != nil {
		return "", &CompilationError{Table: table, Rule: idx, Err: err}
	}
	if n.Bridge == "" {
		return "", &CompilationError{
			Table: table, Rule: idx,
			Err: fmt.Errorf("network %q has no host bridge", networkName),
		}
	}
	return n.Bridge, nil
}

func (c *compilation) containerToContainer() error {
	t := c.cfg.ContainerToContainer
	if t == nil {
		return nil
	}

	var compiled []CompiledRule
	for i, r := range t.Rules {
		idx := i + 1
		bridge, err := c.bridgeFor(config.TableContainerToContainer, idx, r.Network)
		if err != nil {
			return err
		}

		var m matchExpr
		m.add("iifname %q", bridge)
		m.add("oifname %q", bridge)
		if r.SrcContainer != "" {
			ep, err := c.snap.Endpoint(r.SrcContainer, r.Network)
			if err != nil {
				return &CompilationError{Table: config.TableContainerToContainer, Rule: idx, Err: err}
			}
			m.add("ip saddr %s", ep.IPv4)
		}
		if r.DstContainer != "" {
			ep, err := c.snap.Endpoint(r.DstContainer, r.Network)
			if err != nil {
				return &CompilationError{Table: config.TableContainerToContainer, Rule: idx, Err: err}
			}
			m.add("ip daddr %s", ep.IPv4)
		}
		m.raw(r.Matches)

		compiled = append(compiled, CompiledRule{
			Table:     config.TableContainerToContainer,
			RuleIndex: idx,
			Chain:     ChainForward,
			Match:     m.String(),
			Verdict:   string(r.Verdict),
		})
	}
	if err := checkConflicts(config.TableContainerToContainer, compiled); err != nil {
		return err
	}

	// Default policy catch-alls, one per bridge network, scoped to
	// traffic staying on that network.
	for _, name := range c.snap.BridgeNetworkNames() {
		n, _ := c.snap.Network(name)
		compiled = append(compiled, CompiledRule{
			Table:   config.TableContainerToContainer,
			Chain:   ChainForward,
			Match:   fmt.Sprintf("iifname %q oifname %q", n.Bridge, n.Bridge),
			Verdict: string(t.DefaultPolicy),
		})
	}

	c.rules = append(c.rules, compiled...)
	return nil
}

func (c *compilation) containerToWiderWorld() error {
	t := c.cfg.ContainerToWiderWorld
	if t == nil {
		return nil
	}

	var compiled []CompiledRule
	for i, r := range t.Rules {
		idx := i + 1
		bridge, err := c.bridgeFor(config.TableContainerToWiderWorld, idx, r.Network)
		if err != nil {
			return err
		}
		iface, err := c.externalInterface(config.TableContainerToWiderWorld, idx, r.ExternalNetworkInterface)
		if err != nil {
			return err
		}

		var m matchExpr
		m.add("iifname %q", bridge)
		m.add("oifname %q", iface)
		if r.SrcContainer != "" {
			ep, err := c.snap.Endpoint(r.SrcContainer, r.Network)
			if err != nil {
				return &CompilationError{Table: config.TableContainerToWiderWorld, Rule: idx, Err: err}
			}
			m.add("ip saddr %s", ep.IPv4)
		}
		m.raw(r.Matches)

		compiled = append(compiled, CompiledRule{
			Table:     config.TableContainerToWiderWorld,
			RuleIndex: idx,
			Chain:     ChainForward,
			Match:     m.String(),
			Verdict:   string(r.Verdict),
		})
	}
	if err := checkConflicts(config.TableContainerToWiderWorld, compiled); err != nil {
		return err
	}

	// Catch-alls for every (bridge network, declared external interface)
	// pair, networks sorted, interfaces in declared priority order.
	for _, name := range c.snap.BridgeNetworkNames() {
		n, _ := c.snap.Network(name)
		for _, iface := range c.defaultInterfaces() {
			compiled = append(compiled, CompiledRule{
				Table:   config.TableContainerToWiderWorld,
				Chain:   ChainForward,
				Match:   fmt.Sprintf("iifname %q oifname %q", n.Bridge, iface),
				Verdict: string(t.DefaultPolicy),
			})
		}
	}

	c.rules = append(c.rules, compiled...)
	return nil
}

func (c *compilation) containerToHost() error {
	t := c.cfg.ContainerToHost

	var compiled []CompiledRule
	if t != nil {
		for i, r := range t.Rules {
			idx := i + 1
			bridge, err := c.bridgeFor(config.TableContainerToHost, idx, r.Network)
			if err != nil {
				return err
			}

			var m matchExpr
			m.add("iifname %q", bridge)
			if r.SrcContainer != "" {
				ep, err := c.snap.Endpoint(r.SrcContainer, r.Network)
				if err != nil {
					return &CompilationError{Table: config.TableContainerToHost, Rule: idx, Err: err}
				}
				m.add("ip saddr %s", ep.IPv4)
			}
			m.raw(r.Matches)

			compiled = append(compiled, CompiledRule{
				Table:     config.TableContainerToHost,
				RuleIndex: idx,
				Chain:     ChainInput,
				Match:     m.String(),
				Verdict:   string(r.Verdict),
			})
		}
		if err := checkConflicts(config.TableContainerToHost, compiled); err != nil {
			return err
		}
	}

	// Host access for the default docker bridge is a defaults-level
	// setting, independent of the container_to_host table. It sits after
	// the declared rules and before the per-network catch-alls so that
	// explicit rules on the default bridge still take precedence.
	if n, err := c.snap.Network(defaultBridgeNetwork); err == nil && n.Bridge != "" {
		compiled = append(compiled, CompiledRule{
			Table:   config.TableContainerToHost,
			Chain:   ChainInput,
			Match:   fmt.Sprintf("iifname %q", n.Bridge),
			Verdict: string(c.cfg.Defaults.DockerBridgeToHostPolicy()),
		})
	}

	if t != nil {
		for _, name := range c.snap.BridgeNetworkNames() {
			n, _ := c.snap.Network(name)
			compiled = append(compiled, CompiledRule{
				Table:   config.TableContainerToHost,
				Chain:   ChainInput,
				Match:   fmt.Sprintf("iifname %q", n.Bridge),
				Verdict: string(t.DefaultPolicy),
			})
		}
	}

	c.rules = append(c.rules, compiled...)
	return nil
}

func (c *compilation) widerWorldToContainer() error {
	t := c.cfg.WiderWorldToContainer
	if t == nil {
		return nil
	}

	// Allow-list-only: no catch-all. Absence of a rule means no exposure.
	var compiled []CompiledRule
	for i, r := range t.Rules {
		idx := i + 1
		bridge, err := c.bridgeFor(config.TableWiderWorldToContainer, idx, r.Network)
		if err != nil {
			return err
		}
		iface, err := c.externalInterface(config.TableWiderWorldToContainer, idx, r.ExternalNetworkInterface)
		if err != nil {
			return err
		}
		ep, err := c.snap.Endpoint(r.DstContainer, r.Network)
		if err != nil {
			return &CompilationError{Table: config.TableWiderWorldToContainer, Rule: idx, Err: err}
		}

		for _, port := range r.ExposePorts {
			cport := port.EffectiveContainerPort()

			if ep.IPv4 != "" {
				var nat matchExpr
				nat.add("iifname %q", iface)
				if len(r.SourceCIDRV4) > 0 {
					nat.add("ip saddr %s", cidrSet(r.SourceCIDRV4))
				}
				nat.add("%s dport %d", port.Family, port.HostPort)
				compiled = append(compiled, CompiledRule{
					Table:     config.TableWiderWorldToContainer,
					RuleIndex: idx,
					Chain:     ChainPrerouting,
					Match:     nat.String(),
					Verdict:   fmt.Sprintf("dnat ip to %s:%d", ep.IPv4, cport),
				})

				// NAT without a permit rule is a silent drop; emit the
				// companion filter rule for the translated flow.
				var fwd matchExpr
				fwd.add("iifname %q", iface)
				fwd.add("oifname %q", bridge)
				if len(r.SourceCIDRV4) > 0 {
					fwd.add("ip saddr %s", cidrSet(r.SourceCIDRV4))
				}
				fwd.add("ip daddr %s", ep.IPv4)
				fwd.add("%s dport %d", port.Family, cport)
				compiled = append(compiled, CompiledRule{
					Table:     config.TableWiderWorldToContainer,
					RuleIndex: idx,
					Chain:     ChainForward,
					Match:     fwd.String(),
					Verdict:   "accept",
				})
			}

			if ep.IPv6 != "" {
				var nat matchExpr
				nat.add("iifname %q", iface)
				if len(r.SourceCIDRV6) > 0 {
					nat.add("ip6 saddr %s", cidrSet(r.SourceCIDRV6))
				}
				nat.add("%s dport %d", port.Family, port.HostPort)
				compiled = append(compiled, CompiledRule{
					Table:     config.TableWiderWorldToContainer,
					RuleIndex: idx,
					Chain:     ChainPrerouting,
					Match:     nat.String(),
					Verdict:   fmt.Sprintf("dnat ip6 to [%s]:%d", ep.IPv6, cport),
				})

				var fwd matchExpr
				fwd.add("iifname %q", iface)
				fwd.add("oifname %q", bridge)
				if len(r.SourceCIDRV6) > 0 {
					fwd.add("ip6 saddr %s", cidrSet(r.SourceCIDRV6))
				}
				fwd.add("ip6 daddr %s", ep.IPv6)
				fwd.add("%s dport %d", port.Family, cport)
				compiled = append(compiled, CompiledRule{
					Table:     config.TableWiderWorldToContainer,
					RuleIndex: idx,
					Chain:     ChainForward,
					Match:     fwd.String(),
					Verdict:   "accept",
				})
			}
		}
	}
	if err := checkConflicts(config.TableWiderWorldToContainer, compiled); err != nil {
		return err
	}

	c.rules = append(c.rules, compiled...)
	return nil
}

func (c *compilation) containerDNAT() error {
	t := c.cfg.ContainerDNAT
	if t == nil {
		return nil
	}

	var compiled []CompiledRule
	for i, r := range t.Rules {
		idx := i + 1
		dstBridge, err := c.bridgeFor(config.TableContainerDNAT, idx, r.DstNetwork)
		if err != nil {
			return err
		}
		dstEp, err := c.snap.Endpoint(r.DstContainer, r.DstNetwork)
		if err != nil {
			return &CompilationError{Table: config.TableContainerDNAT, Rule: idx, Err: err}
		}
		if dstEp.IPv4 == "" {
			return &CompilationError{
				Table: config.TableContainerDNAT, Rule: idx,
				Err: fmt.Errorf("container %q has no IPv4 address on %q", r.DstContainer, r.DstNetwork),
			}
		}

		var srcBridge, srcAddr string
		if r.SrcNetwork != "" {
			srcBridge, err = c.bridgeFor(config.TableContainerDNAT, idx, r.SrcNetwork)
			if err != nil {
				return err
			}
			if r.SrcContainer != "" {
				srcEp, err := c.snap.Endpoint(r.SrcContainer, r.SrcNetwork)
				if err != nil {
					return &CompilationError{Table: config.TableContainerDNAT, Rule: idx, Err: err}
				}
				srcAddr = srcEp.IPv4
			}
		}

		for _, port := range r.ExposePorts {
			cport := port.EffectiveContainerPort()

			var nat matchExpr
			if srcBridge != "" {
				nat.add("iifname %q", srcBridge)
			}
			if srcAddr != "" {
				nat.add("ip saddr %s", srcAddr)
			}
			nat.add("%s dport %d", port.Family, port.HostPort)
			compiled = append(compiled, CompiledRule{
				Table:     config.TableContainerDNAT,
				RuleIndex: idx,
				Chain:     ChainPrerouting,
				Match:     nat.String(),
				Verdict:   fmt.Sprintf("dnat ip to %s:%d", dstEp.IPv4, cport),
			})

			var fwd matchExpr
			if srcBridge != "" {
				fwd.add("iifname %q", srcBridge)
			}
			fwd.add("oifname %q", dstBridge)
			if srcAddr != "" {
				fwd.add("ip saddr %s", srcAddr)
			}
			fwd.add("ip daddr %s", dstEp.IPv4)
			fwd.add("%s dport %d", port.Family, cport)
			compiled = append(compiled, CompiledRule{
				Table:     config.TableContainerDNAT,
				RuleIndex: idx,
				Chain:     ChainForward,
				Match:     fwd.String(),
				Verdict:   "accept",
			})
		}
	}
	if err := checkConflicts(config.TableContainerDNAT, compiled); err != nil {
		return err
	}

	c.rules = append(c.rules, compiled...)
	return nil
}

// externalInterface resolves a rule's external interface, falling back to
// the first declared default. A rule with no interface and no configured
// default cannot compile.
func (c *compilation) externalInterface(table string, idx int, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if iface := c.cfg.Defaults.PrimaryExternalInterface(); iface != "" {
		return iface, nil
	}
	return "", &CompilationError{
		Table: table, Rule: idx,
		Err: fmt.Errorf("no external_network_interface set and no default configured"),
	}
}

// defaultInterfaces returns the declared external interfaces in priority
// order, empty when none are configured.
func (c *compilation) defaultInterfaces() []string {
	if c.cfg.Defaults == nil {
		return nil
	}
	return c.cfg.Defaults.ExternalNetworkInterfaces
}

// matchExpr accumulates space-separated match fragments.
type matchExpr struct {
	parts []string
}

func (m *matchExpr) add(format string, args ...any) {
	m.parts = append(m.parts, fmt.Sprintf(format, args...))
}

func (m *matchExpr) raw(s string) {
	if s != "" {
		m.parts = append(m.parts, s)
	}
}

func (m *matchExpr) String() string {
	return strings.Join(m.parts, " ")
}

// cidrSet renders a CIDR list as an nft set, or a bare element for a
// single-entry list.
func cidrSet(cidrs []string) string {
	if len(cidrs) == 1 {
		return cidrs[0]
	}
	return "{ " + strings.Join(cidrs, ", ") + " }"
}
