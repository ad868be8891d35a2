package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pmezard/go-difflib/difflib"

	"dockwall.dev/dockwall/internal/compile"
	"dockwall.dev/dockwall/internal/config"
	"dockwall.dev/dockwall/internal/logging"
)

// RulesetStore persists applied rulesets. Implemented by the state package;
// kept as an interface so apply logic tests run without a database.
type RulesetStore interface {
	SaveRuleset(script string, ruleCount int) error
}

// Config wires an Applier. Zero values get replaced with working defaults.
type Config struct {
	Runner CommandRunner
	Store  RulesetStore
	Retry  RetryConfig
	Logger *logging.Logger

	// Verify checks kernel state after a successful apply. Defaults to
	// VerifyManagedTable.
	Verify func() error

	// Initialization and CustomTables come from the policy's defaults and
	// run once, before the first ruleset apply.
	Initialization *config.Initialization
	CustomTables   []config.CustomTable
}

// Applier pushes rendered rulesets into the kernel. Applies are serialized;
// on failure the last successfully applied script is restored.
type Applier struct {
	runner CommandRunner
	store  RulesetStore
	retry  RetryConfig
	log    *logging.Logger
	verify func() error

	initScript string

	mu          sync.Mutex
	initialized bool
	lastGood    string
}

// NewApplier creates an Applier from cfg.
func NewApplier(cfg Config) *Applier {
	if cfg.Runner == nil {
		cfg.Runner = &RealCommandRunner{}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("backend")
	}
	if cfg.Verify == nil {
		cfg.Verify = VerifyManagedTable
	}
	return &Applier{
		runner:     cfg.Runner,
		store:      cfg.Store,
		retry:      cfg.Retry,
		log:        cfg.Logger,
		verify:     cfg.Verify,
		initScript: buildInitScript(cfg.Initialization, cfg.CustomTables),
	}
}

// buildInitScript renders the one-time setup: custom-table chain policies
// first, then the operator's raw initialization rules verbatim.
func buildInitScript(init *config.Initialization, tables []config.CustomTable) string {
	var b strings.Builder
	for _, t := range tables {
		// Re-adding a base chain with a policy clause updates the policy
		// in place, so rules in foreign tables stop shadowing ours.
		fmt.Fprintf(&b, "add table inet %s\n", t.Name)
		for _, chain := range t.Chains {
			fmt.Fprintf(&b, "add chain inet %s %s { policy accept ; }\n", t.Name, chain)
		}
	}
	if init != nil {
		for _, rule := range init.Rules {
			b.WriteString(rule)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Apply pushes the ruleset to the kernel. The first call also runs the
// initialization script. On failure after all retries, the previous ruleset
// is re-applied and the error returned.
func (a *Applier) Apply(ctx context.Context, rs *compile.Ruleset) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		if a.initScript != "" {
			a.log.Info("running initialization rules")
			if err := a.runScript(a.initScript); err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
		}
		a.initialized = true
	}

	script := rs.Render()

	err := Retry(ctx, a.retry, func() error {
		return a.runScript(script)
	})
	if err != nil {
		if a.lastGood != "" {
			if rbErr := a.runScript(a.lastGood); rbErr != nil {
				return fmt.Errorf("apply failed: %w; restore of previous ruleset also failed: %v", err, rbErr)
			}
			a.log.Warn("apply failed, previous ruleset restored", "error", err)
			return fmt.Errorf("apply failed (previous ruleset restored): %w", err)
		}
		return fmt.Errorf("apply failed: %w", err)
	}

	// nft reported success; cross-check over netlink that the managed
	// table actually landed in the kernel.
	if err := a.verify(); err != nil {
		a.log.Warn("managed table verification failed", "error", err)
	}

	a.logChanges(a.lastGood, script)
	a.lastGood = script

	if a.store != nil {
		if err := a.store.SaveRuleset(script, rs.Len()); err != nil {
			// Persistence is best-effort; the kernel already has the rules.
			a.log.Warn("failed to persist ruleset", "error", err)
		}
	}

	a.log.Info("ruleset applied", "rules", rs.Len())
	return nil
}

// Check validates the ruleset without applying it.
func (a *Applier) Check(rs *compile.Ruleset) error {
	if err := a.runner.RunInput(rs.Render(), "nft", "-c", "-f", "-"); err != nil {
		return fmt.Errorf("ruleset check failed: %w", err)
	}
	return nil
}

// LastApplied returns the most recently applied script, or "" before the
// first successful apply.
func (a *Applier) LastApplied() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastGood
}

func (a *Applier) runScript(script string) error {
	return a.runner.RunInput(script, "nft", "-f", "-")
}

func (a *Applier) logChanges(old, new string) {
	if old == "" || old == new {
		return
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:       difflib.SplitLines(old),
		B:       difflib.SplitLines(new),
		Context: 0,
	})
	if err != nil {
		return
	}
	var added, removed int
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			added++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			removed++
		}
	}
	a.log.Debug("ruleset changed", "added", added, "removed", removed)
}
