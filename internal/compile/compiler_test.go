package compile

import (
	"errors"
	"strings"
	"testing"
	"time"

	"dockwall.dev/dockwall/internal/config"
	"dockwall.dev/dockwall/internal/runtime"
)

func testSnapshot() *runtime.Snapshot {
	containers := []runtime.ContainerInfo{
		{
			ID:   "c1",
			Name: "web",
			Endpoints: map[string]runtime.ContainerEndpoint{
				"frontend": {NetworkID: "n1", IPv4: "172.18.0.2", IPv6: "fd00:1::2"},
			},
		},
		{
			ID:   "c2",
			Name: "db",
			Endpoints: map[string]runtime.ContainerEndpoint{
				"backend": {NetworkID: "n2", IPv4: "172.19.0.2"},
			},
		},
		{
			ID:   "c3",
			Name: "proxy",
			Endpoints: map[string]runtime.ContainerEndpoint{
				"frontend": {NetworkID: "n1", IPv4: "172.18.0.3"},
				"backend":  {NetworkID: "n2", IPv4: "172.19.0.3"},
			},
		},
	}
	networks := []runtime.NetworkInfo{
		{ID: "n1", Name: "frontend", Bridge: "br-aaaaaaaaaaaa", Containers: []string{"c1", "c3"}},
		{ID: "n2", Name: "backend", Bridge: "br-bbbbbbbbbbbb", Containers: []string{"c2", "c3"}},
		{ID: "n3", Name: "none", Bridge: ""},
	}
	return runtime.NewSnapshot(time.Now(), containers, networks)
}

func defaults(ifaces ...string) *config.Defaults {
	return &config.Defaults{ExternalNetworkInterfaces: ifaces}
}

func mustCompile(t *testing.T, cfg *config.PolicyConfig, snap *runtime.Snapshot) *Ruleset {
	t.Helper()
	rs, err := Compile(cfg, snap)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	return rs
}

func TestCompileDeterministic(t *testing.T) {
	cfg := &config.PolicyConfig{
		Defaults: defaults("eth0", "eth1"),
		ContainerToContainer: &config.ContainerToContainer{
			DefaultPolicy: config.VerdictDrop,
			Rules: []config.ContainerToContainerRule{
				{Network: "backend", SrcContainer: "proxy", DstContainer: "db", Verdict: config.VerdictAccept},
			},
		},
		ContainerToWiderWorld: &config.ContainerToWiderWorld{
			DefaultPolicy: config.VerdictAccept,
		},
		ContainerToHost: &config.ContainerToHost{
			DefaultPolicy: config.VerdictDrop,
		},
	}
	snap := testSnapshot()

	first := mustCompile(t, cfg, snap).Render()
	for i := 0; i < 10; i++ {
		if got := mustCompile(t, cfg, snap).Render(); got != first {
			t.Fatalf("compile output differs between runs:\n%s\n---\n%s", first, got)
		}
	}
}

func TestCompileEmptyPolicy(t *testing.T) {
	rs := mustCompile(t, &config.PolicyConfig{}, testSnapshot())
	if rs.Len() != 0 {
		t.Errorf("expected no rules, got %d", rs.Len())
	}
	// The script still declares table and chains so apply is well-defined.
	script := rs.Render()
	for _, want := range []string{
		"add table inet dockwall",
		"flush table inet dockwall",
		"hook forward",
		"hook prerouting",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}
}

func TestContainerToContainerRules(t *testing.T) {
	cfg := &config.PolicyConfig{
		ContainerToContainer: &config.ContainerToContainer{
			DefaultPolicy: config.VerdictDrop,
			Rules: []config.ContainerToContainerRule{
				{Network: "backend", SrcContainer: "proxy", DstContainer: "db", Verdict: config.VerdictAccept},
				{Network: "frontend", Matches: "tcp dport 443", Verdict: config.VerdictAccept},
			},
		},
	}
	rs := mustCompile(t, cfg, testSnapshot())

	// Two declared rules, then one catch-all per bridge network in sorted
	// network order.
	if rs.Len() != 4 {
		t.Fatalf("expected 4 rules, got %d: %+v", rs.Len(), rs.Rules)
	}

	r0 := rs.Rules[0]
	wantMatch := `iifname "br-bbbbbbbbbbbb" oifname "br-bbbbbbbbbbbb" ip saddr 172.19.0.3 ip daddr 172.19.0.2`
	if r0.Match != wantMatch || r0.Verdict != "accept" || r0.Chain != ChainForward {
		t.Errorf("unexpected rule 1: %+v", r0)
	}

	r1 := rs.Rules[1]
	if !strings.HasSuffix(r1.Match, "tcp dport 443") {
		t.Errorf("raw matches not appended: %q", r1.Match)
	}

	// Catch-alls: backend sorts before frontend.
	if rs.Rules[2].Match != `iifname "br-bbbbbbbbbbbb" oifname "br-bbbbbbbbbbbb"` ||
		rs.Rules[2].Verdict != "drop" || rs.Rules[2].RuleIndex != 0 {
		t.Errorf("unexpected backend catch-all: %+v", rs.Rules[2])
	}
	if rs.Rules[3].Match != `iifname "br-aaaaaaaaaaaa" oifname "br-aaaaaaaaaaaa"` {
		t.Errorf("unexpected frontend catch-all: %+v", rs.Rules[3])
	}
}

func TestDeclaredRulesPrecedeCatchAlls(t *testing.T) {
	cfg := &config.PolicyConfig{
		ContainerToHost: &config.ContainerToHost{
			DefaultPolicy: config.VerdictDrop,
			Rules: []config.ContainerToHostRule{
				{Network: "backend", SrcContainer: "db", Matches: "tcp dport 5432", Verdict: config.VerdictAccept},
			},
		},
	}
	rs := mustCompile(t, cfg, testSnapshot())

	if rs.Rules[0].RuleIndex != 1 || rs.Rules[0].Chain != ChainInput {
		t.Errorf("declared rule not first: %+v", rs.Rules[0])
	}
	for _, r := range rs.Rules[1:] {
		if r.RuleIndex != 0 {
			t.Errorf("declared rule after catch-all: %+v", r)
		}
	}
}

func TestContainerToWiderWorldInterfaces(t *testing.T) {
	cfg := &config.PolicyConfig{
		Defaults: defaults("eth0", "eth1"),
		ContainerToWiderWorld: &config.ContainerToWiderWorld{
			DefaultPolicy: config.VerdictAccept,
			Rules: []config.ContainerToWiderWorldRule{
				{Network: "backend", Verdict: config.VerdictReject},
				{Network: "frontend", Verdict: config.VerdictAccept, ExternalNetworkInterface: "eth1"},
			},
		},
	}
	rs := mustCompile(t, cfg, testSnapshot())

	// Rule without an interface falls back to the first default.
	if rs.Rules[0].Match != `iifname "br-bbbbbbbbbbbb" oifname "eth0"` || rs.Rules[0].Verdict != "reject" {
		t.Errorf("unexpected fallback rule: %+v", rs.Rules[0])
	}
	if rs.Rules[1].Match != `iifname "br-aaaaaaaaaaaa" oifname "eth1"` {
		t.Errorf("explicit interface not honored: %+v", rs.Rules[1])
	}

	// Catch-alls cover every bridge network on every default interface:
	// 2 networks x 2 interfaces.
	catchAlls := rs.Rules[2:]
	if len(catchAlls) != 4 {
		t.Fatalf("expected 4 catch-alls, got %d", len(catchAlls))
	}
	if catchAlls[0].Match != `iifname "br-bbbbbbbbbbbb" oifname "eth0"` ||
		catchAlls[1].Match != `iifname "br-bbbbbbbbbbbb" oifname "eth1"` {
		t.Errorf("unexpected catch-all order: %+v", catchAlls)
	}
}

func TestWiderWorldToContainerRules(t *testing.T) {
	cfg := &config.PolicyConfig{
		Defaults: defaults("eth0"),
		WiderWorldToContainer: &config.WiderWorldToContainer{
			Rules: []config.WiderWorldToContainerRule{
				{
					Network:      "backend",
					DstContainer: "db",
					ExposePorts:  config.ExposePortList{{HostPort: 5432, Family: "tcp"}},
					SourceCIDRV4: config.StringList{"192.0.2.0/24", "198.51.100.0/24"},
				},
			},
		},
	}
	rs := mustCompile(t, cfg, testSnapshot())

	// One NAT rule plus its forward companion; db has no IPv6 endpoint so
	// no v6 variants appear.
	if rs.Len() != 2 {
		t.Fatalf("expected 2 rules, got %d: %+v", rs.Len(), rs.Rules)
	}

	nat := rs.Rules[0]
	if nat.Chain != ChainPrerouting {
		t.Errorf("NAT rule in wrong chain: %+v", nat)
	}
	wantNAT := `iifname "eth0" ip saddr { 192.0.2.0/24, 198.51.100.0/24 } tcp dport 5432`
	if nat.Match != wantNAT {
		t.Errorf("unexpected NAT match: %q", nat.Match)
	}
	if nat.Verdict != "dnat ip to 172.19.0.2:5432" {
		t.Errorf("unexpected NAT verdict: %q", nat.Verdict)
	}

	fwd := rs.Rules[1]
	if fwd.Chain != ChainForward || fwd.Verdict != "accept" {
		t.Errorf("missing forward companion: %+v", fwd)
	}
	if !strings.Contains(fwd.Match, "ip daddr 172.19.0.2") ||
		!strings.Contains(fwd.Match, `oifname "br-bbbbbbbbbbbb"`) {
		t.Errorf("companion not scoped to translated flow: %q", fwd.Match)
	}
}

func TestWiderWorldToContainerDualStack(t *testing.T) {
	cfg := &config.PolicyConfig{
		Defaults: defaults("eth0"),
		WiderWorldToContainer: &config.WiderWorldToContainer{
			Rules: []config.WiderWorldToContainerRule{
				{
					Network:      "frontend",
					DstContainer: "web",
					ExposePorts:  config.ExposePortList{{HostPort: 80, ContainerPort: 8080, Family: "tcp"}},
					SourceCIDRV4: config.StringList{"192.0.2.0/24"},
				},
			},
		},
	}
	rs := mustCompile(t, cfg, testSnapshot())

	// web has both address families: v4 NAT+forward and v6 NAT+forward.
	if rs.Len() != 4 {
		t.Fatalf("expected 4 rules, got %d: %+v", rs.Len(), rs.Rules)
	}

	// Single CIDR renders without set braces.
	if !strings.Contains(rs.Rules[0].Match, "ip saddr 192.0.2.0/24") {
		t.Errorf("single CIDR should not use set syntax: %q", rs.Rules[0].Match)
	}
	if rs.Rules[0].Verdict != "dnat ip to 172.18.0.2:8080" {
		t.Errorf("container_port not applied: %q", rs.Rules[0].Verdict)
	}

	// The v6 NAT has no saddr narrowing: source_cidr_v6 was not set.
	v6nat := rs.Rules[2]
	if v6nat.Verdict != "dnat ip6 to [fd00:1::2]:8080" {
		t.Errorf("unexpected v6 NAT verdict: %q", v6nat.Verdict)
	}
	if strings.Contains(v6nat.Match, "saddr") {
		t.Errorf("v6 NAT should not carry v4 CIDRs: %q", v6nat.Match)
	}
}

func TestContainerDNATRules(t *testing.T) {
	cfg := &config.PolicyConfig{
		ContainerDNAT: &config.ContainerDNAT{
			Rules: []config.ContainerDNATRule{
				{
					SrcNetwork:   "frontend",
					SrcContainer: "web",
					DstNetwork:   "backend",
					DstContainer: "db",
					ExposePorts:  config.ExposePortList{{HostPort: 5432, Family: "tcp"}},
				},
			},
		},
	}
	rs := mustCompile(t, cfg, testSnapshot())

	if rs.Len() != 2 {
		t.Fatalf("expected 2 rules, got %d", rs.Len())
	}

	nat := rs.Rules[0]
	if nat.Match != `iifname "br-aaaaaaaaaaaa" ip saddr 172.18.0.2 tcp dport 5432` {
		t.Errorf("unexpected NAT match: %q", nat.Match)
	}
	if nat.Verdict != "dnat ip to 172.19.0.2:5432" {
		t.Errorf("unexpected NAT verdict: %q", nat.Verdict)
	}

	fwd := rs.Rules[1]
	if !strings.Contains(fwd.Match, `oifname "br-bbbbbbbbbbbb"`) || fwd.Verdict != "accept" {
		t.Errorf("missing DNAT forward companion: %+v", fwd)
	}
}

func TestContainerDNATUnscopedSource(t *testing.T) {
	cfg := &config.PolicyConfig{
		ContainerDNAT: &config.ContainerDNAT{
			Rules: []config.ContainerDNATRule{
				{
					DstNetwork:   "backend",
					DstContainer: "db",
					ExposePorts:  config.ExposePortList{{HostPort: 5432, Family: "tcp"}},
				},
			},
		},
	}
	rs := mustCompile(t, cfg, testSnapshot())

	// No src_network: the NAT rule is not interface-scoped.
	if strings.Contains(rs.Rules[0].Match, "iifname") {
		t.Errorf("unscoped rule should not match an input interface: %q", rs.Rules[0].Match)
	}
}

func TestCompileFailsClosedOnUnknownNames(t *testing.T) {
	snap := testSnapshot()

	cases := []struct {
		name string
		cfg  *config.PolicyConfig
	}{
		{
			"unknown container",
			&config.PolicyConfig{
				ContainerToContainer: &config.ContainerToContainer{
					DefaultPolicy: config.VerdictDrop,
					Rules: []config.ContainerToContainerRule{
						{Network: "backend", SrcContainer: "ghost", Verdict: config.VerdictAccept},
					},
				},
			},
		},
		{
			"unknown network",
			&config.PolicyConfig{
				ContainerToHost: &config.ContainerToHost{
					DefaultPolicy: config.VerdictDrop,
					Rules: []config.ContainerToHostRule{
						{Network: "ghostnet", Verdict: config.VerdictAccept},
					},
				},
			},
		},
		{
			"container not attached to network",
			&config.PolicyConfig{
				Defaults: defaults("eth0"),
				WiderWorldToContainer: &config.WiderWorldToContainer{
					Rules: []config.WiderWorldToContainerRule{
						{
							Network:      "backend",
							DstContainer: "web",
							ExposePorts:  config.ExposePortList{{HostPort: 80, Family: "tcp"}},
						},
					},
				},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rs, err := Compile(tc.cfg, snap)
			if err == nil {
				t.Fatal("expected compilation error")
			}
			if rs != nil {
				t.Error("failed compile must not return a partial ruleset")
			}
			var cerr *CompilationError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected CompilationError, got %T", err)
			}
			var rerr *runtime.ResolutionError
			if !errors.As(err, &rerr) {
				t.Errorf("expected wrapped ResolutionError, got %v", err)
			}
			if cerr.Rule != 1 {
				t.Errorf("error should attribute rule 1, got %d", cerr.Rule)
			}
		})
	}
}

func TestCompileRejectsBridgelessNetwork(t *testing.T) {
	cfg := &config.PolicyConfig{
		ContainerToHost: &config.ContainerToHost{
			DefaultPolicy: config.VerdictDrop,
			Rules: []config.ContainerToHostRule{
				{Network: "none", Verdict: config.VerdictAccept},
			},
		},
	}
	_, err := Compile(cfg, testSnapshot())
	if err == nil || !strings.Contains(err.Error(), "no host bridge") {
		t.Errorf("expected bridgeless network error, got %v", err)
	}
}

func TestCompileRequiresExternalInterface(t *testing.T) {
	cfg := &config.PolicyConfig{
		ContainerToWiderWorld: &config.ContainerToWiderWorld{
			DefaultPolicy: config.VerdictAccept,
			Rules: []config.ContainerToWiderWorldRule{
				{Network: "frontend", Verdict: config.VerdictReject},
			},
		},
	}
	_, err := Compile(cfg, testSnapshot())
	var cerr *CompilationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CompilationError, got %v", err)
	}
	if cerr.Table != config.TableContainerToWiderWorld {
		t.Errorf("error attributed to wrong table: %+v", cerr)
	}
}

func TestConflictingRulesRejected(t *testing.T) {
	cfg := &config.PolicyConfig{
		ContainerToContainer: &config.ContainerToContainer{
			DefaultPolicy: config.VerdictDrop,
			Rules: []config.ContainerToContainerRule{
				{Network: "backend", SrcContainer: "proxy", DstContainer: "db", Verdict: config.VerdictAccept},
				{Network: "backend", SrcContainer: "proxy", DstContainer: "db", Verdict: config.VerdictDrop},
			},
		},
	}
	_, err := Compile(cfg, testSnapshot())
	if err == nil || !strings.Contains(err.Error(), "conflicts with rule 1") {
		t.Errorf("expected conflict error, got %v", err)
	}
}

func TestDuplicateRulesSameVerdictAllowed(t *testing.T) {
	cfg := &config.PolicyConfig{
		ContainerToContainer: &config.ContainerToContainer{
			DefaultPolicy: config.VerdictDrop,
			Rules: []config.ContainerToContainerRule{
				{Network: "backend", SrcContainer: "proxy", DstContainer: "db", Verdict: config.VerdictAccept},
				{Network: "backend", SrcContainer: "proxy", DstContainer: "db", Verdict: config.VerdictAccept},
			},
		},
	}
	if _, err := Compile(cfg, testSnapshot()); err != nil {
		t.Errorf("identical duplicate rules should compile: %v", err)
	}
}

func TestRenderComments(t *testing.T) {
	cfg := &config.PolicyConfig{
		ContainerToContainer: &config.ContainerToContainer{
			DefaultPolicy: config.VerdictDrop,
			Rules: []config.ContainerToContainerRule{
				{Network: "backend", Verdict: config.VerdictAccept},
			},
		},
	}
	script := mustCompile(t, cfg, testSnapshot()).Render()

	if !strings.Contains(script, `comment "container_to_container rule 1"`) {
		t.Errorf("declared rule comment missing:\n%s", script)
	}
	if !strings.Contains(script, `comment "container_to_container default"`) {
		t.Errorf("catch-all comment missing:\n%s", script)
	}
}

func snapshotWithDefaultBridge() *runtime.Snapshot {
	containers := []runtime.ContainerInfo{
		{
			ID:   "c1",
			Name: "web",
			Endpoints: map[string]runtime.ContainerEndpoint{
				"frontend": {NetworkID: "n1", IPv4: "172.18.0.2"},
			},
		},
	}
	networks := []runtime.NetworkInfo{
		{ID: "n1", Name: "frontend", Bridge: "br-aaaaaaaaaaaa", Containers: []string{"c1"}},
		{ID: "n0", Name: "bridge", Bridge: "docker0"},
	}
	return runtime.NewSnapshot(time.Now(), containers, networks)
}

func inputRules(rs *Ruleset) []CompiledRule {
	var out []CompiledRule
	for _, r := range rs.Rules {
		if r.Chain == ChainInput {
			out = append(out, r)
		}
	}
	return out
}

func TestDefaultDockerBridgeToHostPolicy(t *testing.T) {
	cfg := &config.PolicyConfig{
		Defaults: &config.Defaults{DefaultDockerBridgeToHostPolicy: config.VerdictDrop},
		ContainerToHost: &config.ContainerToHost{
			DefaultPolicy: config.VerdictDrop,
			Rules: []config.ContainerToHostRule{
				{Network: "frontend", Matches: "tcp dport 53", Verdict: config.VerdictAccept},
			},
		},
	}
	rules := inputRules(mustCompile(t, cfg, snapshotWithDefaultBridge()))

	// Declared rule, then the docker0 defaults rule, then one catch-all
	// per bridge network in sorted order.
	if len(rules) != 4 {
		t.Fatalf("expected 4 input rules, got %d: %+v", len(rules), rules)
	}
	if rules[0].RuleIndex != 1 {
		t.Errorf("declared rule not first: %+v", rules[0])
	}
	if rules[1].Match != `iifname "docker0"` || rules[1].Verdict != "drop" {
		t.Errorf("docker0 rule wrong or misplaced: %+v", rules[1])
	}
	if rules[1].RuleIndex != 0 {
		t.Errorf("docker0 rule should not carry a declared index: %+v", rules[1])
	}
}

func TestDefaultDockerBridgePolicyDefaultsToAccept(t *testing.T) {
	cfg := &config.PolicyConfig{
		ContainerToHost: &config.ContainerToHost{DefaultPolicy: config.VerdictDrop},
	}
	rules := inputRules(mustCompile(t, cfg, snapshotWithDefaultBridge()))

	var found bool
	for _, r := range rules {
		if r.Match == `iifname "docker0"` && r.Verdict == "accept" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("no accept rule for docker0 in %+v", rules)
	}
}

func TestDefaultDockerBridgeRuleWithoutContainerToHostTable(t *testing.T) {
	cfg := &config.PolicyConfig{
		Defaults: &config.Defaults{DefaultDockerBridgeToHostPolicy: config.VerdictDrop},
	}
	rules := inputRules(mustCompile(t, cfg, snapshotWithDefaultBridge()))

	// The defaults setting stands on its own.
	if len(rules) != 1 {
		t.Fatalf("expected exactly the docker0 rule, got %+v", rules)
	}
	if rules[0].Match != `iifname "docker0"` || rules[0].Verdict != "drop" {
		t.Errorf("unexpected rule: %+v", rules[0])
	}
}

func TestNoDefaultBridgeNetworkNoDockerBridgeRule(t *testing.T) {
	cfg := &config.PolicyConfig{
		Defaults: &config.Defaults{DefaultDockerBridgeToHostPolicy: config.VerdictDrop},
	}
	rs := mustCompile(t, cfg, testSnapshot())
	if rs.Len() != 0 {
		t.Errorf("snapshot without a default bridge still produced rules: %+v", rs.Rules)
	}
}
