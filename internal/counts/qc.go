package counts

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/repositories"
)

// Diff is one metric whose file and database values disagree.
type Diff struct {
	Key
	Metric models.Metric
	File   int64
	DB     int64
}

// Delta is File - DB.
func (d Diff) Delta() int64 { return d.File - d.DB }

// Compare returns the metrics whose |file - db| exceeds threshold. A negative
// threshold returns every compared metric. Metrics absent from the database
// compare against 0.
func Compare(file, db map[Key]models.RSCounts, threshold int64) []Diff {
	var diffs []Diff
	for k, fc := range file {
		dc := db[k]
		for _, m := range models.FileMetrics {
			d := Diff{Key: k, Metric: m, File: fc.Get(m), DB: dc.Get(m)}
			delta := d.Delta()
			if delta < 0 {
				delta = -delta
			}
			if threshold < 0 || delta > threshold {
				diffs = append(diffs, d)
			}
		}
	}
	sortDiffs(diffs)
	return diffs
}

func sortDiffs(diffs []Diff) {
	order := make(map[models.Metric]int, len(models.FileMetrics))
	for i, m := range models.FileMetrics {
		order[m] = i
	}
	sort.Slice(diffs, func(i, j int) bool {
		if diffs[i].Key != diffs[j].Key {
			return less(diffs[i].Key, diffs[j].Key)
		}
		return order[diffs[i].Metric] < order[diffs[j].Metric]
	})
}

// QC compares the release files of version with the stored assembly rows of
// against. Only metrics present in the files are compared.
func (a *Aggregator) QC(ctx context.Context, version, against int, threshold int64) ([]Diff, error) {
	file, seen, err := a.FileCounts(ctx, version)
	if err != nil {
		return nil, err
	}
	rows, err := repositories.ListAssemblyMetrics(ctx, a.db, against)
	if err != nil {
		return nil, fmt.Errorf("list assembly metrics: %w", err)
	}
	db := make(map[Key]models.RSCounts, len(rows))
	for _, r := range rows {
		db[Key{r.Taxonomy, r.AssemblyAccession}] = r.RSCounts
	}

	var out []Diff
	for _, d := range Compare(file, db, threshold) {
		if seen[d.Key][d.Metric] {
			out = append(out, d)
		}
	}
	return out, nil
}

// WriteDiffs prints diffs as an aligned table.
func WriteDiffs(w io.Writer, diffs []Diff) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TAXONOMY\tASSEMBLY\tMETRIC\tFILE\tDB\tDIFF")
	for _, d := range diffs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%+d\n", d.Taxonomy, d.Assembly, d.Metric, d.File, d.DB, d.Delta())
	}
	return tw.Flush()
}
