package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/acartine/beadboard/internal/config"
	"github.com/acartine/beadboard/internal/debug"
	"github.com/acartine/beadboard/internal/telemetry"
)

var (
	verboseFlag bool
	quietFlag   bool

	// exitCode carries the bd child's exit code out through main so callers
	// can script against beadboard exactly as they would against bd.
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "beadboard",
	Short: "beadboard - resilient bd command execution",
	Long: `Runs bd commands through a resilience pipeline: per-repository FIFO
admission, cross-process lock directories, classification-derived timeouts,
bounded retries, and automatic recovery from stale caches, engine panics,
and flag mismatches between beadboard and the installed bd.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verboseFlag {
			debug.SetVerbose(true)
		}
		if quietFlag {
			debug.SetQuiet(true)
		}
		if err := telemetry.Init(cmd.Context(), "beadboard", Version); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: telemetry init failed: %v\n", err)
		}
	},
}

func init() {
	if err := config.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize config: %v\n", err)
	}

	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")
}

func main() {
	err := rootCmd.Execute()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	telemetry.Shutdown(ctx)
	cancel()

	if err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}
