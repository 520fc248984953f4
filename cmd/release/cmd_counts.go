package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkoziy/genome/release/internal/counts"
)

var (
	countsRoot    string
	countsVersion int
	qcThreshold   int64
	qcAgainst     int
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Aggregate per-assembly and per-species RS counts of a release",
	RunE:  runAggregate,
}

var qcCmd = &cobra.Command{
	Use:   "qc",
	Short: "Compare release file counts with stored counts",
	Long: `Compares the counts in the release folders of --release-version with the
stored per-assembly counts of --against (the previous version by default) and
prints every metric whose absolute difference exceeds --threshold.

A negative threshold prints every metric; 0 prints every difference.`,
	RunE: runQC,
}

func init() {
	for _, c := range []*cobra.Command{aggregateCmd, qcCmd} {
		c.Flags().StringVar(&countsRoot, "release-root", "", "release root folder (defaults to release.root)")
		c.Flags().IntVar(&countsVersion, "release-version", 0, "release version")
		_ = c.MarkFlagRequired("release-version")
	}
	qcCmd.Flags().Int64Var(&qcThreshold, "threshold", 0, "report differences larger than this")
	qcCmd.Flags().IntVar(&qcAgainst, "against", 0, "stored release version to compare with (default release-version - 1)")
}

func (a *app) aggregator() *counts.Aggregator {
	root := countsRoot
	if root == "" {
		root = a.cfg.Release.Root
	}
	return counts.New(a.db, root, a.logger)
}

func runAggregate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sum, err := a.aggregator().Aggregate(ctx, countsVersion)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "release %d: %d assembly rows, %d species rows\n",
		countsVersion, len(sum.Assemblies), len(sum.Species))
	return nil
}

func runQC(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	against := qcAgainst
	if against == 0 {
		against = countsVersion - 1
	}
	diffs, err := a.aggregator().QC(ctx, countsVersion, against, qcThreshold)
	if err != nil {
		return err
	}
	if len(diffs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no differences above %d\n", qcThreshold)
		return nil
	}
	return counts.WriteDiffs(cmd.OutOrStdout(), diffs)
}
