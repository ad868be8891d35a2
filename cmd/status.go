package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"dockwall.dev/dockwall/internal/brand"
	"dockwall.dev/dockwall/internal/state"
)

// RunStatus reports whether the daemon is running and what it last applied.
func RunStatus() {
	fmt.Printf("=== %s Status ===\n\n", brand.Name)

	pid, running := daemonPID()
	if running {
		fmt.Printf("Status:  RUNNING (PID: %d)\n", pid)
	} else {
		fmt.Println("Status:  STOPPED")
	}

	store, err := state.Open(state.Options{
		Path: filepath.Join(brand.GetStateDir(), "state.db"),
	})
	if err != nil {
		return
	}
	defer store.Close()

	latest, err := store.LatestRuleset()
	if err != nil {
		fmt.Println("Applied: never")
		return
	}
	fmt.Printf("Applied: %s (%d rules)\n",
		latest.AppliedAt.Format(time.RFC3339), latest.RuleCount)
}

func daemonPID() (int, bool) {
	data, err := os.ReadFile(brand.PIDFilePath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return pid, false
	}
	return pid, true
}
