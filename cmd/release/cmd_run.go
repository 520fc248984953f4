package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/repositories"
	"github.com/mkoziy/genome/release/internal/workflow"
)

var (
	runTaxonomy   int64
	runVersion    int
	runAssemblies []string
	runResume     bool
	runParallel   int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the release workflow for the targets of a taxonomy",
	Long: `Runs snapshot, release job, post-processing and validation for every
releasable Pending target matching the filters. With --resume, Started and
Failed targets are picked up too and continue from their first incomplete step.

Targets sharing a staging instance never run at the same time.`,
	RunE: runRelease,
}

func init() {
	runCmd.Flags().Int64Var(&runTaxonomy, "taxonomy", 0, "taxonomy id (all taxonomies when 0)")
	runCmd.Flags().IntVar(&runVersion, "release-version", 0, "release version")
	runCmd.Flags().StringSliceVar(&runAssemblies, "assembly", nil, "assembly accession, repeatable")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "also run Started and Failed targets")
	runCmd.Flags().IntVar(&runParallel, "parallel", 1, "targets to run concurrently")
	_ = runCmd.MarkFlagRequired("release-version")
}

func runRelease(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	statuses := []models.ReleaseStatus{models.StatusPending}
	if runResume {
		statuses = append(statuses, models.StatusStarted, models.StatusFailed)
	}
	targets, err := a.tracker().Targets(ctx, runVersion, repositories.TargetFilter{
		Taxonomy:       runTaxonomy,
		Assemblies:     runAssemblies,
		Statuses:       statuses,
		ReleasableOnly: true,
	})
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no targets to run")
		return nil
	}

	wf, rec := a.workflow()
	a.logger.Info("running targets", "count", len(targets), "parallel", runParallel)
	outcomes := wf.RunAll(ctx, targets, runParallel)
	if err := workflow.WriteOutcomes(cmd.OutOrStdout(), outcomes); err != nil {
		return err
	}

	if dir := a.cfg.Metrics.Dir; dir != "" {
		path, err := rec.WriteFile(dir, runVersion)
		if err != nil {
			a.logger.Warn("could not write metrics", "error", err)
		} else {
			a.logger.Info("metrics written", "path", path)
		}
	}

	if n := workflow.Failed(outcomes); n > 0 {
		return fmt.Errorf("%d of %d targets did not complete", n, len(outcomes))
	}
	return nil
}
