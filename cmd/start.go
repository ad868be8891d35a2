package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"dockwall.dev/dockwall/internal/brand"
	"dockwall.dev/dockwall/internal/config"
)

// RunStart starts the daemon in the background.
func RunStart(configFile string) error {
	if configFile == "" {
		configFile = brand.DefaultConfigPath()
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("policy file not found: %s", configFile)
	}

	// Validate before forking so errors reach the user's terminal instead
	// of the daemon log.
	if _, err := config.Load(configFile); err != nil {
		return fmt.Errorf("policy error: %w", err)
	}

	pidFile := brand.PIDFilePath()
	if _, err := os.Stat(pidFile); err == nil {
		data, err := os.ReadFile(pidFile)
		if err == nil {
			if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
				if process, err := os.FindProcess(pid); err == nil {
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("daemon already running (PID: %d)", pid)
					}
				}
			}
		}
		fmt.Printf("Warning: removing stale PID file %s\n", pidFile)
		os.Remove(pidFile)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	cmd := exec.Command(exe, "daemon", "-config", configFile)

	logDir := brand.GetLogDir()
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile := filepath.Join(logDir, brand.LowerName+".log")

	logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logF.Close()

	cmd.Stdout = logF
	cmd.Stderr = logF
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	pid := cmd.Process.Pid
	fmt.Printf("Started %s (PID: %d)\n", brand.Name, pid)
	fmt.Printf("Logs: %s\n", logFile)

	// Wait briefly to catch immediate startup failures.
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		fmt.Fprintf(os.Stderr, "\nError: daemon exited immediately.\n")
		if content, readErr := os.ReadFile(logFile); readErr == nil {
			lines := strings.Split(string(content), "\n")
			start := len(lines) - 10
			if start < 0 {
				start = 0
			}
			fmt.Fprintf(os.Stderr, "Log output:\n")
			for _, line := range lines[start:] {
				if line != "" {
					fmt.Fprintf(os.Stderr, "  %s\n", line)
				}
			}
		}
		if err != nil {
			return fmt.Errorf("daemon failed to start: %w", err)
		}
		return fmt.Errorf("daemon exited unexpectedly")

	case <-time.After(500 * time.Millisecond):
		if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
			return fmt.Errorf("daemon died during startup (check logs: %s)", logFile)
		}
		return nil
	}
}
