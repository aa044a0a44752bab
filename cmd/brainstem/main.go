package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/watchkeeper/brainstem/internal/config"
	"github.com/watchkeeper/brainstem/internal/daemon"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "brainstem",
		Short:         "Local deterministic control plane for the watchkeeper stack",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	root.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultConfigPath(), "Config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the control plane (HTTP surface, supervisor loops, ingest gate)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cfgPath, false)
		},
	}

	superviseCmd := &cobra.Command{
		Use:   "supervise",
		Short: "Run one supervisor pass and exit (diagnostic)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cfgPath, true)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("brainstem %s (%s) %s\n", Version, Commit, BuildTime)
		},
	}

	root.AddCommand(runCmd, superviseCmd, versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "brainstem: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cfgPath string, once bool) error {
	cfg, err := config.LoadOrDefault(filepath.Clean(cfgPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	d, err := daemon.New(daemon.Options{Config: cfg, Version: Version})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if once {
		return d.RunSuperviseOnce(ctx)
	}
	return d.Run(ctx)
}
