// Package compile turns a policy plus a runtime snapshot into a concrete,
// ordered nftables ruleset. Compilation is pure and deterministic: the same
// inputs always produce byte-identical output, and any failure yields no
// partial ruleset.
package compile

import (
	"fmt"
	"strings"
)

// The managed nftables table. Everything the daemon writes lives here and
// is replaced wholesale on every apply.
const (
	TableFamily = "inet"
	TableName   = "dockwall"
)

// Chain names inside the managed table.
const (
	ChainInput      = "input"
	ChainForward    = "forward"
	ChainPrerouting = "prerouting"
)

// CompiledRule is one concrete firewall rule, fully resolved: addresses,
// interfaces and ports are substituted, nothing symbolic remains.
type CompiledRule struct {
	// Table is the policy table this rule came from, for attribution.
	Table string

	// RuleIndex is the 1-based declared rule index, or 0 for a table's
	// default-policy catch-all.
	RuleIndex int

	// Chain is the target chain in the managed nftables table.
	Chain string

	// Match is the rendered match expression, e.g.
	// `iifname "br-12ab34cd56ef" ip saddr 172.18.0.2`.
	Match string

	// Verdict is the rendered action: accept, drop, reject, or a dnat
	// statement.
	Verdict string
}

// render emits the complete `add rule` line.
func (r CompiledRule) render(b *strings.Builder) {
	fmt.Fprintf(b, "add rule %s %s %s", TableFamily, TableName, r.Chain)
	if r.Match != "" {
		b.WriteByte(' ')
		b.WriteString(r.Match)
	}
	b.WriteByte(' ')
	b.WriteString(r.Verdict)
	if r.RuleIndex > 0 {
		fmt.Fprintf(b, " comment %q", fmt.Sprintf("%s rule %d", r.Table, r.RuleIndex))
	} else {
		fmt.Fprintf(b, " comment %q", r.Table+" default")
	}
	b.WriteByte('\n')
}

// Ruleset is the ordered compiler output. It is always produced in full and
// applied as a unit; there is no API for partial application.
type Ruleset struct {
	Rules []CompiledRule
}

// Len returns the number of compiled rules.
func (rs *Ruleset) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rules)
}

// Render produces the nft script for the whole ruleset. The script
// re-declares the managed table and flushes it in the same transaction, so
// `nft -f` swaps old rules for new atomically with no observable window of
// a half-updated ruleset.
func (rs *Ruleset) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "add table %s %s\n", TableFamily, TableName)
	fmt.Fprintf(&b, "flush table %s %s\n", TableFamily, TableName)
	fmt.Fprintf(&b, "add chain %s %s %s { type filter hook input priority 0; policy accept; }\n",
		TableFamily, TableName, ChainInput)
	fmt.Fprintf(&b, "add chain %s %s %s { type filter hook forward priority 0; policy accept; }\n",
		TableFamily, TableName, ChainForward)
	fmt.Fprintf(&b, "add chain %s %s %s { type nat hook prerouting priority -100; }\n",
		TableFamily, TableName, ChainPrerouting)

	for _, r := range rs.Rules {
		r.render(&b)
	}
	return b.String()
}
