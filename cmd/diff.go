package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"dockwall.dev/dockwall/internal/brand"
	"dockwall.dev/dockwall/internal/compile"
	"dockwall.dev/dockwall/internal/config"
	"dockwall.dev/dockwall/internal/events"
	"dockwall.dev/dockwall/internal/runtime"
	"dockwall.dev/dockwall/internal/state"
)

// RunDiff compiles the policy against live runtime state and compares the
// result to the last ruleset the daemon applied.
func RunDiff(configFile, stateDir string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}

	docker, err := runtime.NewDockerRuntime()
	if err != nil {
		return fmt.Errorf("failed to create container runtime client: %w", err)
	}
	defer docker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resolver := runtime.NewResolver(docker, events.NewHub())
	if err := resolver.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to read runtime state: %w", err)
	}

	rs, err := compile.Compile(cfg, resolver.Current())
	if err != nil {
		return fmt.Errorf("compilation failed: %w", err)
	}
	generated := rs.Render()

	if stateDir == "" {
		stateDir = brand.GetStateDir()
	}
	store, err := state.Open(state.Options{Path: filepath.Join(stateDir, "state.db")})
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	latest, err := store.LatestRuleset()
	if err == state.ErrNoRulesets {
		fmt.Println("No applied ruleset recorded; everything below would be new:")
		fmt.Print(generated)
		return nil
	}
	if err != nil {
		return err
	}

	if latest.Script == generated {
		fmt.Println("No changes detected.")
		return nil
	}

	fmt.Printf("Policy differs from ruleset applied at %s:\n",
		latest.AppliedAt.Format(time.RFC3339))

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(latest.Script),
		B:        difflib.SplitLines(generated),
		FromFile: "Applied",
		ToFile:   "Generated",
		Context:  3,
	}
	text, _ := difflib.GetUnifiedDiffString(diff)
	fmt.Print(text)

	return fmt.Errorf("policy differs")
}
