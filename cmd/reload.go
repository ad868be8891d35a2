package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"dockwall.dev/dockwall/internal/brand"
	"dockwall.dev/dockwall/internal/config"
)

// RunReload triggers a policy reload on the running daemon. The file is
// validated here first so an obviously broken policy never reaches the
// daemon, which would keep its active one anyway.
func RunReload(configFile string) error {
	if configFile == "" {
		configFile = brand.DefaultConfigPath()
	}

	fmt.Printf("Validating policy: %s\n", configFile)
	if _, err := config.Load(configFile); err != nil {
		return fmt.Errorf("policy validation failed: %w", err)
	}
	fmt.Println("Policy is valid.")

	pidFile := brand.PIDFilePath()
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file %s: %w (is the daemon running?)", pidFile, err)
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return fmt.Errorf("invalid PID in file: %s", pidStr)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	fmt.Printf("Sending SIGHUP to process %d...\n", pid)
	if err := process.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("failed to signal process: %w", err)
	}

	fmt.Println("Reload signal sent successfully.")
	return nil
}
