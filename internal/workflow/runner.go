package workflow

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"github.com/mkoziy/genome/release/internal/models"
)

// RunAll runs targets with at most parallel targets in flight. Targets that
// share a staging instance run one after the other. A failed target never
// stops its siblings; cancellation stops scheduling new targets.
func (w *Workflow) RunAll(ctx context.Context, targets []*models.ReleaseTarget, parallel int) []*Outcome {
	if parallel < 1 {
		parallel = 1
	}
	outcomes := make([]*Outcome, len(targets))

	byInstance := make(map[string][]int)
	var instances []string
	for i, t := range targets {
		if _, ok := byInstance[t.StagingInstance]; !ok {
			instances = append(instances, t.StagingInstance)
		}
		byInstance[t.StagingInstance] = append(byInstance[t.StagingInstance], i)
	}
	sort.Strings(instances)

	var g errgroup.Group
	g.SetLimit(parallel)
	for _, inst := range instances {
		idx := byInstance[inst]
		g.Go(func() error {
			for _, i := range idx {
				t := targets[i]
				if ctx.Err() != nil {
					outcomes[i] = &Outcome{Key: t.Key(), Status: t.ReleaseStatus, Skipped: true, Err: ctx.Err()}
					continue
				}
				outcomes[i] = w.Run(ctx, t.Key())
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Failed counts the outcomes that are neither a success nor a skip.
func Failed(outcomes []*Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil || o.Status == models.StatusFailed {
			n++
		}
	}
	return n
}

// WriteOutcomes prints the status table, with the log path of failed targets.
func WriteOutcomes(w io.Writer, outcomes []*Outcome) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TAXONOMY\tASSEMBLY\tVERSION\tSTATUS\tLOG")
	for _, o := range outcomes {
		status := string(o.Status)
		if o.Skipped {
			status += " (skipped)"
		}
		logPath := "-"
		if o.Err != nil && o.LogPath != "" {
			logPath = o.LogPath
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", o.Key.Taxonomy, o.Key.Assembly, o.Key.ReleaseVersion, status, logPath)
	}
	return tw.Flush()
}
