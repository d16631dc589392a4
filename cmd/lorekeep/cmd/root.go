// Package cmd provides the CLI commands for lorekeep.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/profiling"
	"github.com/lorekeep/lorekeep/pkg/version"
)

// Profiling flags, shared by every subcommand.
var (
	profileCPU   string
	profileMem   string
	profileTrace string
	cpuStop      func()
	traceStop    func()
)

var (
	configPath string
	debugMode  bool
)

// NewRootCmd creates the root command for the lorekeep CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lorekeep",
		Short: "Multi-tenant RAG service",
		Long: `Lorekeep answers questions over per-user document collections.

It ships as two roles built from this one binary:

  gateway  The public edge: registration, login, upload brokering, and
           chat forwarding. Safe to run several of, stateless.
  worker   The RAG engine: ingestion, hybrid retrieval, and answer
           streaming. Exactly one per data directory.

Both roles read the same config file; see 'lorekeep gateway --help' and
'lorekeep worker --help' for the wiring each one does.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("lorekeep version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: built-in defaults plus LOREKEEP_* env)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Force debug-level logging")

	cmd.PersistentFlags().StringVar(&profileCPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileMem, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileTrace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startProfiling
	cmd.PersistentPostRunE = stopProfiling

	cmd.AddCommand(newGatewayCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startProfiling starts CPU/trace capture if the flags are set.
func startProfiling(_ *cobra.Command, _ []string) error {
	var err error

	if profileCPU != "" {
		cpuStop, err = profiling.StartCPU(profileCPU)
		if err != nil {
			return fmt.Errorf("failed to start CPU profile: %w", err)
		}
	}

	if profileTrace != "" {
		traceStop, err = profiling.StartTrace(profileTrace)
		if err != nil {
			if cpuStop != nil {
				cpuStop()
			}
			return fmt.Errorf("failed to start trace: %w", err)
		}
	}

	return nil
}

// stopProfiling flushes profiles and writes the heap snapshot if requested.
func stopProfiling(_ *cobra.Command, _ []string) error {
	if cpuStop != nil {
		cpuStop()
		cpuStop = nil
	}

	if traceStop != nil {
		traceStop()
		traceStop = nil
	}

	if profileMem != "" {
		if err := profiling.WriteHeap(profileMem); err != nil {
			return fmt.Errorf("failed to write memory profile: %w", err)
		}
	}

	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
