package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"dockwall.dev/dockwall/internal/brand"
	"dockwall.dev/dockwall/internal/config"
)

// RunCheck validates the policy file syntax and semantics.
func RunCheck(configFile string, verbose bool) error {
	if configFile == "" {
		return fmt.Errorf("usage: %s check [-v] <policy-file>", brand.BinaryName)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("policy invalid: %w", err)
	}

	fmt.Println("Policy valid!")
	if cfg.Defaults != nil && len(cfg.Defaults.ExternalNetworkInterfaces) > 0 {
		fmt.Printf("External interfaces: %v\n", []string(cfg.Defaults.ExternalNetworkInterfaces))
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TABLE\tDEFAULT POLICY\tRULES")
	for _, t := range tableSummaries(cfg) {
		fmt.Fprintf(w, "%s\t%s\t%d\n", t.name, t.defaultPolicy, t.rules)
	}
	w.Flush()

	if verbose {
		printRuleDetails(cfg)
	}
	return nil
}

type tableSummary struct {
	name          string
	defaultPolicy string
	rules         int
}

func tableSummaries(cfg *config.PolicyConfig) []tableSummary {
	var out []tableSummary
	if t := cfg.ContainerToContainer; t != nil {
		out = append(out, tableSummary{config.TableContainerToContainer, string(t.DefaultPolicy), len(t.Rules)})
	}
	if t := cfg.ContainerToWiderWorld; t != nil {
		out = append(out, tableSummary{config.TableContainerToWiderWorld, string(t.DefaultPolicy), len(t.Rules)})
	}
	if t := cfg.ContainerToHost; t != nil {
		out = append(out, tableSummary{config.TableContainerToHost, string(t.DefaultPolicy), len(t.Rules)})
	}
	if t := cfg.WiderWorldToContainer; t != nil {
		out = append(out, tableSummary{config.TableWiderWorldToContainer, "-", len(t.Rules)})
	}
	if t := cfg.ContainerDNAT; t != nil {
		out = append(out, tableSummary{config.TableContainerDNAT, "-", len(t.Rules)})
	}
	return out
}

func printRuleDetails(cfg *config.PolicyConfig) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)

	if t := cfg.ContainerToContainer; t != nil && len(t.Rules) > 0 {
		fmt.Fprintln(w, "\nC2C\tNETWORK\tSRC\tDST\tVERDICT")
		for i, r := range t.Rules {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				i+1, r.Network, orAny(r.SrcContainer), orAny(r.DstContainer), r.Verdict)
		}
	}
	if t := cfg.ContainerToWiderWorld; t != nil && len(t.Rules) > 0 {
		fmt.Fprintln(w, "\nC2WW\tNETWORK\tSRC\tINTERFACE\tVERDICT")
		for i, r := range t.Rules {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				i+1, r.Network, orAny(r.SrcContainer), orAny(r.ExternalNetworkInterface), r.Verdict)
		}
	}
	if t := cfg.ContainerToHost; t != nil && len(t.Rules) > 0 {
		fmt.Fprintln(w, "\nC2H\tNETWORK\tSRC\tVERDICT")
		for i, r := range t.Rules {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				i+1, r.Network, orAny(r.SrcContainer), r.Verdict)
		}
	}
	if t := cfg.WiderWorldToContainer; t != nil && len(t.Rules) > 0 {
		fmt.Fprintln(w, "\nWWW2C\tNETWORK\tDST\tPORTS")
		for i, r := range t.Rules {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				i+1, r.Network, r.DstContainer, portList(r.ExposePorts))
		}
	}
	if t := cfg.ContainerDNAT; t != nil && len(t.Rules) > 0 {
		fmt.Fprintln(w, "\nDNAT\tSRC NET\tDST NET\tDST\tPORTS")
		for i, r := range t.Rules {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				i+1, orAny(r.SrcNetwork), r.DstNetwork, r.DstContainer, portList(r.ExposePorts))
		}
	}
	w.Flush()
}

func orAny(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

func portList(ports config.ExposePortList) string {
	out := ""
	for i, p := range ports {
		if i > 0 {
			out += ", "
		}
		out += p.String()
	}
	return out
}
