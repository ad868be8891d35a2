package main

import (
	"flag"
	"fmt"
	"os"

	"dockwall.dev/dockwall/cmd"
	"dockwall.dev/dockwall/internal/brand"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", brand.DefaultConfigPath(), "Policy file")
		startFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Policy file (short)")

		foreground := startFlags.Bool("foreground", false, "Run in foreground (don't daemonize)")
		startFlags.BoolVar(foreground, "f", false, "Run in foreground (short)")

		dryRun := startFlags.Bool("dry-run", false, "Print the compiled ruleset without applying")
		startFlags.BoolVar(dryRun, "n", false, "Dry run (short)")

		startFlags.Parse(os.Args[2:])

		if *foreground || *dryRun {
			opts := cmd.DaemonOptions{DryRun: *dryRun}
			if err := cmd.RunDaemon(*configFile, opts); err != nil {
				fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
				os.Exit(1)
			}
		} else {
			if err := cmd.RunStart(*configFile); err != nil {
				fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
				os.Exit(1)
			}
		}

	case "daemon":
		// Foreground daemon process, normally spawned by `start`.
		daemonFlags := flag.NewFlagSet("daemon", flag.ExitOnError)
		configFile := daemonFlags.String("config", brand.DefaultConfigPath(), "Policy file")
		stateDir := daemonFlags.String("state-dir", "", "Override state directory")
		debounce := daemonFlags.Duration("debounce", 0, "Event quiet period before reconciling")
		logLevel := daemonFlags.String("log-level", "", "Log level (debug, info, warn, error)")
		dryRun := daemonFlags.Bool("dry-run", false, "Print the compiled ruleset without applying")
		daemonFlags.Parse(os.Args[2:])

		opts := cmd.DaemonOptions{
			DryRun:   *dryRun,
			StateDir: *stateDir,
			Debounce: *debounce,
			LogLevel: *logLevel,
		}
		if err := cmd.RunDaemon(*configFile, opts); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon failed: %v\n", err)
			os.Exit(1)
		}

	case "stop":
		if err := cmd.RunStop(); err != nil {
			fmt.Fprintf(os.Stderr, "Stop failed: %v\n", err)
			os.Exit(1)
		}

	case "reload":
		reloadFlags := flag.NewFlagSet("reload", flag.ExitOnError)
		configFile := reloadFlags.String("config", brand.DefaultConfigPath(), "Policy file")
		reloadFlags.Parse(os.Args[2:])

		if len(reloadFlags.Args()) > 0 {
			*configFile = reloadFlags.Arg(0)
		}
		if err := cmd.RunReload(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Reload failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := brand.DefaultConfigPath()
		if len(checkFlags.Args()) > 0 {
			configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(configFile, *verbose); err != nil {
			fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "diff":
		diffFlags := flag.NewFlagSet("diff", flag.ExitOnError)
		stateDir := diffFlags.String("state-dir", "", "Override state directory")
		diffFlags.Parse(os.Args[2:])

		configFile := brand.DefaultConfigPath()
		if len(diffFlags.Args()) > 0 {
			configFile = diffFlags.Arg(0)
		}
		if err := cmd.RunDiff(configFile, *stateDir); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "status":
		cmd.RunStatus()

	case "version":
		fmt.Printf("%s version %s\n", brand.Name, brand.Version)
		fmt.Printf("Build: %s\n", brand.BuildTime)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage:
  %s <command> [options]

Core Commands:
  start     Start the daemon
            Options: --foreground (-f), --dry-run (-n), --config (-c) <file>
  stop      Stop the running daemon
  reload    Validate the policy and hot-reload the running daemon
  status    Show daemon status and last applied ruleset

Utility Commands:
  check     Validate a policy file
            Options: --verbose (-v)
  daemon    Run the daemon in the foreground (used internally by start)
            Options: --config, --state-dir, --debounce, --log-level, --dry-run
  diff      Compare the policy against the last applied ruleset
            Options: --state-dir
  version   Print version info

Examples:
  %s start                              # Start in background
  %s start --foreground                 # Start in foreground (debug)
  %s start --dry-run                    # Print rules without applying
  %s check -v /etc/dockwall/dockwall.hcl
  %s diff /etc/dockwall/dockwall.hcl
`,
		brand.Name, brand.Description,
		brand.LowerName,
		brand.LowerName, brand.LowerName, brand.LowerName, brand.LowerName,
		brand.LowerName)
}
