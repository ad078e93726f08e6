// Ilidar-tool is a fleet management utility for iTFS LiDAR sensors.
//
// It discovers sensors over UDP broadcast, fans commands out to many
// sensors in parallel, reconciles stored parameters against JSON preset
// files, and flashes firmware images. All communication uses the
// sensors' native UDP protocol; no extra hardware or services are
// required.
//
// Usage:
//
//	ilidar-tool [command] [flags]
//
// See 'ilidar-tool --help' for available commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hybo/ilidar-tool/internal/logging"
	"github.com/hybo/ilidar-tool/internal/version"
)

func main() {
	// Ctrl-C cancels the context; in-flight waits unwind through their
	// deadlines instead of leaving sensors mid-command.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ilidar-tool",
	Short: "iTFS LiDAR sensor fleet management utility",
	Long: `A standalone utility for managing fleets of iTFS LiDAR sensors.

Provides sensor discovery, parallel command dispatch, parameter
reconciliation from JSON presets, and firmware updates, all over the
sensors' native UDP protocol.

Most commands take target arguments: sensor serial numbers, IP
addresses, or "all" (the default when no targets are given).`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitializeFromEnv()
	},
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ilidar-tool %s (commit: %s)\n", version.Version, version.Commit)
	},
}
