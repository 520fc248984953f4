package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkoziy/genome/release/internal/models"
)

var (
	seedVersion int
	seedNoProbe bool

	markTaxonomy int64
	markAssembly string
	markVersion  int
	markStatus   string

	nextVersion int
)

var trackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Seed and update the release tracker",
}

var trackerSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the tracker for a release version and compute releasability",
	Long: `Seeds the release tracker for --release-version from the previous version's
rows and the EVA metadata, then probes the accessioning store to decide which
targets should be released.

Seeding twice is a no-op apart from widening the sources of existing rows.`,
	RunE: runTrackerSeed,
}

var trackerMarkCmd = &cobra.Command{
	Use:   "mark",
	Short: "Set the release status of one target",
	RunE:  runTrackerMark,
}

var trackerNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Print the next releasable Pending target",
	Long: `Prints "<taxonomy> <assembly>" of the first releasable Pending target of
--release-version, for schedulers that dispatch one target per job. Exits 1
when no target is left.`,
	RunE: runTrackerNext,
}

func init() {
	trackerSeedCmd.Flags().IntVar(&seedVersion, "release-version", 0, "release version to seed")
	trackerSeedCmd.Flags().BoolVar(&seedNoProbe, "no-probe", false, "skip the releasability probe")
	_ = trackerSeedCmd.MarkFlagRequired("release-version")

	trackerMarkCmd.Flags().Int64Var(&markTaxonomy, "taxonomy", 0, "taxonomy id")
	trackerMarkCmd.Flags().StringVar(&markAssembly, "assembly", "", "assembly accession")
	trackerMarkCmd.Flags().IntVar(&markVersion, "release-version", 0, "release version")
	trackerMarkCmd.Flags().StringVar(&markStatus, "status", "", "Pending, Started, Completed or Failed")
	for _, f := range []string{"taxonomy", "assembly", "release-version", "status"} {
		_ = trackerMarkCmd.MarkFlagRequired(f)
	}

	trackerNextCmd.Flags().IntVar(&nextVersion, "release-version", 0, "release version")
	_ = trackerNextCmd.MarkFlagRequired("release-version")

	trackerCmd.AddCommand(trackerSeedCmd, trackerMarkCmd, trackerNextCmd)
}

func runTrackerSeed(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.seedingTracker(ctx)
	if err != nil {
		return err
	}
	res, err := svc.Seed(ctx, seedVersion)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded release %d: %d inserted, %d widened, %d unchanged\n",
		seedVersion, res.Inserted, res.Widened, res.Unchanged)

	if seedNoProbe {
		return nil
	}
	return svc.ComputeAll(ctx, seedVersion)
}

func runTrackerMark(cmd *cobra.Command, _ []string) error {
	status, err := models.ParseReleaseStatus(markStatus)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	key := models.Key{Taxonomy: markTaxonomy, Assembly: markAssembly, ReleaseVersion: markVersion}
	if err := a.tracker().Mark(ctx, key, status); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s marked %s\n", key, status)
	return nil
}

func runTrackerNext(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.tracker().NextTarget(ctx, nextVersion)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("no releasable Pending target in release %d", nextVersion)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", t.Taxonomy, t.AssemblyAccession)
	return nil
}
