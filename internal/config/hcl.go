package config

import (
	"fmt"
	"math"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// The HCL decode path goes through raw structs so the polymorphic fields
// (string-or-list, the expose_port forms) can be decoded as expressions
// and normalized afterwards.

type hclPolicy struct {
	Defaults              *hclDefaults       `hcl:"defaults,block"`
	Initialization        *hclInitialization `hcl:"initialization,block"`
	ContainerToContainer  *hclC2C            `hcl:"container_to_container,block"`
	ContainerToWiderWorld *hclC2WW           `hcl:"container_to_wider_world,block"`
	ContainerToHost       *hclC2H            `hcl:"container_to_host,block"`
	WiderWorldToContainer *hclWWW2C          `hcl:"wider_world_to_container,block"`
	ContainerDNAT         *hclDNAT           `hcl:"container_dnat,block"`
}

type hclDefaults struct {
	ExternalNetworkInterfaces       hcl.Expression   `hcl:"external_network_interfaces,optional"`
	DefaultDockerBridgeToHostPolicy string           `hcl:"default_docker_bridge_to_host_policy,optional"`
	CustomTables                    []hclCustomTable `hcl:"custom_table,block"`
	MetricsListen                   string           `hcl:"metrics_listen,optional"`
}

type hclCustomTable struct {
	Name   string   `hcl:"name,label"`
	Chains []string `hcl:"chains"`
}

type hclInitialization struct {
	Rules []string `hcl:"rules,optional"`
}

type hclC2C struct {
	DefaultPolicy string       `hcl:"default_policy"`
	Rules         []hclC2CRule `hcl:"rule,block"`
}

type hclC2CRule struct {
	Network      string `hcl:"network"`
	SrcContainer string `hcl:"src_container,optional"`
	DstContainer string `hcl:"dst_container,optional"`
	Matches      string `hcl:"matches,optional"`
	Verdict      string `hcl:"verdict,optional"`
	Action       string `hcl:"action,optional"`
}

type hclC2WW struct {
	DefaultPolicy string        `hcl:"default_policy"`
	Rules         []hclC2WWRule `hcl:"rule,block"`
}

type hclC2WWRule struct {
	Network                  string `hcl:"network"`
	SrcContainer             string `hcl:"src_container,optional"`
	Matches                  string `hcl:"matches,optional"`
	Verdict                  string `hcl:"verdict,optional"`
	Action                   string `hcl:"action,optional"`
	ExternalNetworkInterface string `hcl:"external_network_interface,optional"`
}

type hclC2H struct {
	DefaultPolicy string       `hcl:"default_policy"`
	Rules         []hclC2HRule `hcl:"rule,block"`
}

type hclC2HRule struct {
	Network      string `hcl:"network"`
	SrcContainer string `hcl:"src_container,optional"`
	Matches      string `hcl:"matches,optional"`
	Verdict      string `hcl:"verdict,optional"`
	Action       string `hcl:"action,optional"`
}

type hclWWW2C struct {
	Rules []hclWWW2CRule `hcl:"rule,block"`
}

type hclWWW2CRule struct {
	Network                  string         `hcl:"network"`
	DstContainer             string         `hcl:"dst_container"`
	ExposePort               hcl.Expression `hcl:"expose_port"`
	ExternalNetworkInterface string         `hcl:"external_network_interface,optional"`
	SourceCIDRV4             hcl.Expression `hcl:"source_cidr_v4,optional"`
	SourceCIDRV6             hcl.Expression `hcl:"source_cidr_v6,optional"`
	SourceCIDR               hcl.Expression `hcl:"source_cidr,optional"`
}

type hclDNAT struct {
	Rules []hclDNATRule `hcl:"rule,block"`
}

type hclDNATRule struct {
	SrcNetwork   string         `hcl:"src_network,optional"`
	SrcContainer string         `hcl:"src_container,optional"`
	DstNetwork   string         `hcl:"dst_network"`
	DstContainer string         `hcl:"dst_container"`
	ExposePort   hcl.Expression `hcl:"expose_port"`
}

// decodeHCL parses and decodes an HCL policy document into the model.
func decodeHCL(filename string, data []byte) (*PolicyConfig, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse %s: %s", filename, diags.Error())
	}

	var raw hclPolicy
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, fmt.Errorf("decode %s: %s", filename, diags.Error())
	}

	cfg := &PolicyConfig{}

	if raw.Defaults != nil {
		ifaces, err := stringListFromExpr(raw.Defaults.ExternalNetworkInterfaces, "defaults.external_network_interfaces")
		if err != nil {
			return nil, err
		}
		d := &Defaults{
			ExternalNetworkInterfaces:       ifaces,
			DefaultDockerBridgeToHostPolicy: Verdict(raw.Defaults.DefaultDockerBridgeToHostPolicy),
			MetricsListen:                   raw.Defaults.MetricsListen,
		}
		for _, t := range raw.Defaults.CustomTables {
			d.CustomTables = append(d.CustomTables, CustomTable{Name: t.Name, Chains: t.Chains})
		}
		cfg.Defaults = d
	}

	if raw.Initialization != nil {
		cfg.Initialization = &Initialization{Rules: raw.Initialization.Rules}
	}

	if raw.ContainerToContainer != nil {
		t := &ContainerToContainer{DefaultPolicy: Verdict(raw.ContainerToContainer.DefaultPolicy)}
		for _, r := range raw.ContainerToContainer.Rules {
			t.Rules = append(t.Rules, ContainerToContainerRule{
				Network:      r.Network,
				SrcContainer: r.SrcContainer,
				DstContainer: r.DstContainer,
				Matches:      r.Matches,
				Verdict:      Verdict(r.Verdict),
				Action:       Verdict(r.Action),
			})
		}
		cfg.ContainerToContainer = t
	}

	if raw.ContainerToWiderWorld != nil {
		t := &ContainerToWiderWorld{DefaultPolicy: Verdict(raw.ContainerToWiderWorld.DefaultPolicy)}
		for _, r := range raw.ContainerToWiderWorld.Rules {
			t.Rules = append(t.Rules, ContainerToWiderWorldRule{
				Network:                  r.Network,
				SrcContainer:             r.SrcContainer,
				Matches:                  r.Matches,
				Verdict:                  Verdict(r.Verdict),
				Action:                   Verdict(r.Action),
				ExternalNetworkInterface: r.ExternalNetworkInterface,
			})
		}
		cfg.ContainerToWiderWorld = t
	}

	if raw.ContainerToHost != nil {
		t := &ContainerToHost{DefaultPolicy: Verdict(raw.ContainerToHost.DefaultPolicy)}
		for _, r := range raw.ContainerToHost.Rules {
			t.Rules = append(t.Rules, ContainerToHostRule{
				Network:      r.Network,
				SrcContainer: r.SrcContainer,
				Matches:      r.Matches,
				Verdict:      Verdict(r.Verdict),
				Action:       Verdict(r.Action),
			})
		}
		cfg.ContainerToHost = t
	}

	if raw.WiderWorldToContainer != nil {
		t := &WiderWorldToContainer{}
		for i, r := range raw.WiderWorldToContainer.Rules {
			ports, err := exposePortsFromExpr(r.ExposePort, fmt.Sprintf("%s rule %d expose_port", TableWiderWorldToContainer, i+1))
			if err != nil {
				return nil, err
			}
			v4, err := stringListFromExpr(r.SourceCIDRV4, fmt.Sprintf("%s rule %d source_cidr_v4", TableWiderWorldToContainer, i+1))
			if err != nil {
				return nil, err
			}
			v6, err := stringListFromExpr(r.SourceCIDRV6, fmt.Sprintf("%s rule %d source_cidr_v6", TableWiderWorldToContainer, i+1))
			if err != nil {
				return nil, err
			}
			mixed, err := stringListFromExpr(r.SourceCIDR, fmt.Sprintf("%s rule %d source_cidr", TableWiderWorldToContainer, i+1))
			if err != nil {
				return nil, err
			}
			t.Rules = append(t.Rules, WiderWorldToContainerRule{
				Network:                  r.Network,
				DstContainer:             r.DstContainer,
				ExposePorts:              ports,
				ExternalNetworkInterface: r.ExternalNetworkInterface,
				SourceCIDRV4:             v4,
				SourceCIDRV6:             v6,
				SourceCIDR:               mixed,
			})
		}
		cfg.WiderWorldToContainer = t
	}

	if raw.ContainerDNAT != nil {
		t := &ContainerDNAT{}
		for i, r := range raw.ContainerDNAT.Rules {
			ports, err := exposePortsFromExpr(r.ExposePort, fmt.Sprintf("%s rule %d expose_port", TableContainerDNAT, i+1))
			if err != nil {
				return nil, err
			}
			t.Rules = append(t.Rules, ContainerDNATRule{
				SrcNetwork:   r.SrcNetwork,
				SrcContainer: r.SrcContainer,
				DstNetwork:   r.DstNetwork,
				DstContainer: r.DstContainer,
				ExposePorts:  ports,
			})
		}
		cfg.ContainerDNAT = t
	}

	return cfg, nil
}

// stringListFromExpr evaluates an expression that may be a single string
// or a list of strings.
func stringListFromExpr(expr hcl.Expression, what string) (StringList, error) {
	val, err := evalExpr(expr, what)
	if err != nil || val == cty.NilVal {
		return nil, err
	}

	if val.Type() == cty.String {
		return StringList{val.AsString()}, nil
	}
	if !val.CanIterateElements() {
		return nil, fmt.Errorf("%s: expected string or list of strings", what)
	}

	var out StringList
	for it := val.ElementIterator(); it.Next(); {
		_, ev := it.Element()
		sv, err := convert.Convert(ev, cty.String)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", what, err)
		}
		out = append(out, sv.AsString())
	}
	return out, nil
}

// exposePortsFromExpr evaluates the expose_port expression, which may be a
// number, a string, an object, or a list of any of those.
func exposePortsFromExpr(expr hcl.Expression, what string) (ExposePortList, error) {
	val, err := evalExpr(expr, what)
	if err != nil || val == cty.NilVal {
		return nil, err
	}

	var items []cty.Value
	if val.Type().IsTupleType() || val.Type().IsListType() {
		for it := val.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			items = append(items, ev)
		}
	} else {
		items = []cty.Value{val}
	}

	out := make(ExposePortList, 0, len(items))
	for _, item := range items {
		p, err := exposePortFromCty(item, what)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func exposePortFromCty(val cty.Value, what string) (ExposePort, error) {
	switch {
	case val.Type() == cty.Number:
		var n float64
		if err := convertNumber(val, &n); err != nil {
			return ExposePort{}, fmt.Errorf("%s: %w", what, err)
		}
		if n != math.Trunc(n) || n <= 0 || n > 65535 {
			return ExposePort{}, fmt.Errorf("%s: %v is not a valid port", what, n)
		}
		return ExposePort{HostPort: uint16(n), Family: defaultPortFamily}, nil

	case val.Type() == cty.String:
		p, err := ParseExposePort(val.AsString())
		if err != nil {
			return ExposePort{}, fmt.Errorf("%s: %w", what, err)
		}
		return p, nil

	case val.Type().IsObjectType() || val.Type().IsMapType():
		p := ExposePort{Family: defaultPortFamily}
		seenHost := false
		for it := val.ElementIterator(); it.Next(); {
			kv, ev := it.Element()
			switch key := kv.AsString(); key {
			case "host_port", "container_port":
				var n float64
				if err := convertNumber(ev, &n); err != nil {
					return p, fmt.Errorf("%s: %s: %w", what, key, err)
				}
				if n != math.Trunc(n) || n <= 0 || n > 65535 {
					return p, fmt.Errorf("%s: %s %v is not a valid port", what, key, n)
				}
				if key == "host_port" {
					p.HostPort = uint16(n)
					seenHost = true
				} else {
					p.ContainerPort = uint16(n)
				}
			case "family":
				sv, err := convert.Convert(ev, cty.String)
				if err != nil {
					return p, fmt.Errorf("%s: family: %w", what, err)
				}
				p.Family = sv.AsString()
			default:
				return p, fmt.Errorf("%s: unknown key %q", what, key)
			}
		}
		if !seenHost {
			return p, fmt.Errorf("%s: missing host_port", what)
		}
		return p, nil

	default:
		return ExposePort{}, fmt.Errorf("%s: unsupported value type %s", what, val.Type().FriendlyName())
	}
}

func convertNumber(val cty.Value, out *float64) error {
	nv, err := convert.Convert(val, cty.Number)
	if err != nil {
		return err
	}
	f, _ := nv.AsBigFloat().Float64()
	*out = f
	return nil
}

// evalExpr evaluates a literal expression, tolerating absent attributes
// (nil or null expressions).
func evalExpr(expr hcl.Expression, what string) (cty.Value, error) {
	if expr == nil {
		return cty.NilVal, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return cty.NilVal, fmt.Errorf("%s: %s", what, diags.Error())
	}
	if val.IsNull() || !val.IsKnown() {
		return cty.NilVal, nil
	}
	return val, nil
}
