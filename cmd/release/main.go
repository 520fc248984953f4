// Command release drives the accession release: tracker seeding and marking,
// per-target release runs, count aggregation and QC.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	configPath string
	profile    string
)

var rootCmd = &cobra.Command{
	Use:           "release",
	Short:         "Build and track accession releases",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "release.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "production", "config profile to use")

	rootCmd.AddCommand(trackerCmd, runCmd, listCmd, aggregateCmd, qcCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
