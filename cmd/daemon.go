// Package cmd implements the dockwall CLI commands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"dockwall.dev/dockwall/internal/backend"
	"dockwall.dev/dockwall/internal/brand"
	"dockwall.dev/dockwall/internal/compile"
	"dockwall.dev/dockwall/internal/config"
	"dockwall.dev/dockwall/internal/events"
	"dockwall.dev/dockwall/internal/logging"
	"dockwall.dev/dockwall/internal/metrics"
	"dockwall.dev/dockwall/internal/reconcile"
	"dockwall.dev/dockwall/internal/runtime"
	"dockwall.dev/dockwall/internal/state"
)

// DaemonOptions tunes RunDaemon.
type DaemonOptions struct {
	// DryRun compiles and prints the ruleset, then exits without applying.
	DryRun bool

	// StateDir overrides the default state directory.
	StateDir string

	// Debounce overrides the event quiet period. Zero keeps the default.
	Debounce time.Duration

	// LogLevel is debug, info, warn or error.
	LogLevel string
}

// RunDaemon runs the reconciliation daemon in the foreground until it
// receives SIGINT or SIGTERM. SIGHUP reloads the policy file.
func RunDaemon(configFile string, opts DaemonOptions) error {
	if configFile == "" {
		configFile = brand.DefaultConfigPath()
	}

	logCfg := logging.DefaultConfig()
	if opts.LogLevel != "" {
		level, err := logging.ParseLevel(opts.LogLevel)
		if err != nil {
			return err
		}
		logCfg.Level = level
	}
	logging.SetDefault(logging.New(logCfg))
	log := logging.WithComponent("daemon")

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	log.Info("policy loaded", "path", configFile)

	if cfg.Defaults != nil {
		// Missing interfaces are a warning, not an error: they may come
		// up later and the rules reference them only by name.
		runtime.CheckExternalInterfaces(cfg.Defaults.ExternalNetworkInterfaces)
	}

	docker, err := runtime.NewDockerRuntime()
	if err != nil {
		return fmt.Errorf("failed to create container runtime client: %w", err)
	}
	defer docker.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = docker.Ping(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("container runtime unreachable: %w", err)
	}

	hub := events.NewHub()
	resolver := runtime.NewResolver(docker, hub)

	if err := resolver.Refresh(context.Background()); err != nil {
		return fmt.Errorf("failed to read runtime state: %w", err)
	}
	snap := resolver.Current()
	log.Info("runtime state resolved",
		"containers", snap.ContainerCount(),
		"networks", snap.NetworkCount())

	if opts.DryRun {
		rs, err := compile.Compile(cfg, snap)
		if err != nil {
			return fmt.Errorf("compilation failed: %w", err)
		}
		fmt.Print(rs.Render())
		return nil
	}

	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = brand.GetStateDir()
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	store, err := state.Open(state.Options{
		Path:    filepath.Join(stateDir, "state.db"),
		WALMode: true,
	})
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	applierCfg := backend.Config{
		Store:          store,
		Initialization: cfg.Initialization,
	}
	if cfg.Defaults != nil {
		applierCfg.CustomTables = cfg.Defaults.CustomTables
	}
	applier := backend.NewApplier(applierCfg)

	if cfg.Defaults != nil && cfg.Defaults.MetricsListen != "" {
		go func() {
			if err := metrics.Serve(cfg.Defaults.MetricsListen); err != nil {
				log.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	if err := writePIDFile(); err != nil {
		return err
	}
	defer os.Remove(brand.PIDFilePath())

	loop := reconcile.New(reconcile.Config{
		Policy:     cfg,
		PolicyPath: configFile,
		Resolver:   resolver,
		Applier:    applier,
		Hub:        hub,
		Debounce:   opts.Debounce,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				log.Info("received SIGHUP, reloading policy")
				loop.Reload()
			default:
				log.Info("shutting down", "signal", sig.String())
				cancel()
				return
			}
		}
	}()

	go func() {
		if err := resolver.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("event stream terminated", "error", err)
		}
	}()

	err = loop.Run(ctx)
	log.Info("daemon stopped")
	return err
}

func writePIDFile() error {
	path := brand.PIDFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}
