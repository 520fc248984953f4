package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/repositories"
	"github.com/mkoziy/genome/release/internal/releasefiles"
)

var (
	listVersion  int
	listStatus   string
	listTaxonomy int64
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracker rows of a release version",
	RunE:  runList,
}

func init() {
	listCmd.Flags().IntVar(&listVersion, "release-version", 0, "release version")
	listCmd.Flags().StringVar(&listStatus, "status", "", "only rows with this status")
	listCmd.Flags().Int64Var(&listTaxonomy, "taxonomy", 0, "only rows of this taxonomy")
	_ = listCmd.MarkFlagRequired("release-version")
}

func runList(cmd *cobra.Command, _ []string) error {
	filter := repositories.TargetFilter{Taxonomy: listTaxonomy}
	if listStatus != "" {
		st, err := models.ParseReleaseStatus(listStatus)
		if err != nil {
			return err
		}
		filter.Statuses = []models.ReleaseStatus{st}
	}

	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	targets, err := a.tracker().Targets(ctx, listVersion, filter)
	if err != nil {
		return err
	}
	layout := releasefiles.Layout{Root: a.cfg.Release.Root}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TAXONOMY\tASSEMBLY\tVERSION\tSTATUS\tSOURCES\tINSTANCE\tRELEASE\tNUM_RS\tLOG")
	for _, t := range targets {
		logPath := "-"
		if t.ReleaseStatus == models.StatusFailed {
			logPath = layout.LogPath(t)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%t\t%d\t%s\n",
			t.Taxonomy, t.AssemblyAccession, t.ReleaseVersion, t.ReleaseStatus, t.Sources,
			t.StagingInstance, t.ShouldBeReleased, t.NumRSToRelease, logPath)
	}
	return tw.Flush()
}
