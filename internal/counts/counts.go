// Package counts aggregates the per-assembly and per-species RS statistics
// of a release from the count manifests, and compares them for QC.
package counts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/releasefiles"
	"github.com/mkoziy/genome/release/internal/repositories"
)

// Key identifies an assembly of a taxonomy.
type Key struct {
	Taxonomy int64
	Assembly string
}

func (k Key) String() string { return fmt.Sprintf("%d/%s", k.Taxonomy, k.Assembly) }

// Summary is what Aggregate wrote.
type Summary struct {
	Assemblies []*models.AssemblyMetrics
	Species    []*models.SpeciesMetrics
}

// Aggregator builds the statistics tables of a release.
type Aggregator struct {
	db     *bun.DB
	layout releasefiles.Layout
	logger *slog.Logger
}

func New(db *bun.DB, root string, logger *slog.Logger) *Aggregator {
	return &Aggregator{db: db, layout: releasefiles.Layout{Root: root}, logger: logger}
}

// fileCounts is what the release folder of one target says.
type fileCounts struct {
	target    *models.ReleaseTarget
	counts    models.RSCounts
	seen      map[models.Metric]bool
	breakdown bool
}

// readTarget loads the count manifest and breakdown of t; ok is false when
// the target has no manifest.
func (a *Aggregator) readTarget(t *models.ReleaseTarget) (fc fileCounts, ok bool, err error) {
	dir := a.layout.TargetDir(t)
	entries, err := releasefiles.ReadManifest(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return fc, false, nil
	}
	if err != nil {
		return fc, false, fmt.Errorf("read manifest of %s: %w", t.Key(), err)
	}
	fc.target = t
	fc.counts, fc.seen = releasefiles.Counts(entries, t.Taxonomy, t.AssemblyAccession)

	b, err := releasefiles.ReadBreakdown(dir)
	switch {
	case err == nil:
		b.Apply(&fc.counts)
		fc.breakdown = true
	case !errors.Is(err, fs.ErrNotExist):
		return fc, false, fmt.Errorf("read breakdown of %s: %w", t.Key(), err)
	}
	return fc, true, nil
}

// FileCounts reads the count manifests of the Completed targets of a release.
func (a *Aggregator) FileCounts(ctx context.Context, version int) (map[Key]models.RSCounts, map[Key]map[models.Metric]bool, error) {
	targets, err := repositories.ListTargets(ctx, a.db, version, repositories.TargetFilter{})
	if err != nil {
		return nil, nil, fmt.Errorf("list targets: %w", err)
	}
	counts := make(map[Key]models.RSCounts)
	seen := make(map[Key]map[models.Metric]bool)
	for _, t := range targets {
		if !released(t) {
			continue
		}
		fc, ok, err := a.readTarget(t)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		k := Key{t.Taxonomy, t.AssemblyAccession}
		counts[k] = fc.counts
		seen[k] = fc.seen
	}
	return counts, seen, nil
}

// Aggregate computes and stores the statistics rows of version.
func (a *Aggregator) Aggregate(ctx context.Context, version int) (*Summary, error) {
	targets, err := repositories.ListTargets(ctx, a.db, version, repositories.TargetFilter{})
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	prevRows, err := repositories.ListAssemblyMetrics(ctx, a.db, version-1)
	if err != nil {
		return nil, fmt.Errorf("list previous assembly metrics: %w", err)
	}
	prevSpecies, err := repositories.ListSpeciesMetrics(ctx, a.db, version-1)
	if err != nil {
		return nil, fmt.Errorf("list previous species metrics: %w", err)
	}
	prev := make(map[Key]*models.AssemblyMetrics, len(prevRows))
	for _, r := range prevRows {
		prev[Key{r.Taxonomy, r.AssemblyAccession}] = r
	}

	rows := make(map[Key]*models.AssemblyMetrics)
	for _, t := range targets {
		if !released(t) {
			continue
		}
		fc, ok, err := a.readTarget(t)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		k := Key{t.Taxonomy, t.AssemblyAccession}
		rows[k] = assemblyRow(fc, prev[k])
	}
	unifySharedAssemblies(rows)
	a.fillFromPrevious(rows, prev, version)

	assemblies := sortedRows(rows)
	species, err := a.speciesRows(assemblies, targets, prevSpecies, version)
	if err != nil {
		return nil, err
	}

	for _, r := range assemblies {
		if err := validateRow(r.RSCounts, r.RSDeltas); err != nil {
			return nil, fmt.Errorf("assembly %d/%s: %w", r.Taxonomy, r.AssemblyAccession, err)
		}
	}
	for _, s := range species {
		if err := validateRow(s.RSCounts, s.RSDeltas); err != nil {
			return nil, fmt.Errorf("species %d: %w", s.Taxonomy, err)
		}
	}

	err = a.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := repositories.UpsertAssemblyMetrics(ctx, tx, assemblies); err != nil {
			return fmt.Errorf("store assembly metrics: %w", err)
		}
		if err := repositories.UpsertSpeciesMetrics(ctx, tx, species); err != nil {
			return fmt.Errorf("store species metrics: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("aggregated release counts", "version", version, "assemblies", len(assemblies), "species", len(species))
	return &Summary{Assemblies: assemblies, Species: species}, nil
}

// released reports whether the files of t count towards the release. The
// manifest is written before validation, so only Completed targets qualify.
func released(t *models.ReleaseTarget) bool {
	return !t.IsUnmapped() && t.ReleaseStatus == models.StatusCompleted
}

func validateRow(c models.RSCounts, d models.RSDeltas) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return d.Validate()
}

// assemblyRow builds the row of a processed target. Counts not produced by
// this run are carried from prev; deltas are computed for produced counts only.
func assemblyRow(fc fileCounts, prev *models.AssemblyMetrics) *models.AssemblyMetrics {
	t := fc.target
	row := &models.AssemblyMetrics{
		Taxonomy:          t.Taxonomy,
		AssemblyAccession: t.AssemblyAccession,
		ReleaseVersion:    t.ReleaseVersion,
		ScientificName:    t.ScientificName,
		ReleaseFolderName: t.ReleaseFolderName,
		Processed:         true,
		RSCounts:          fc.counts,
	}
	var base models.RSCounts
	if prev != nil {
		base = prev.RSCounts
	}

	for _, m := range models.FileMetrics {
		if !fc.seen[m] {
			row.Set(m, base.Get(m))
		}
	}
	if !fc.breakdown {
		releasefiles.NewBreakdown(base).Apply(&row.RSCounts)
	}

	d := &row.RSDeltas
	if fc.seen[models.MetricCurrentRS] {
		d.NewCurrentRS = models.Increase(row.CurrentRS, base.CurrentRS)
	}
	if fc.seen[models.MetricMergedRS] {
		d.NewMergedRS = models.Increase(row.MergedRS, base.MergedRS)
	}
	if fc.seen[models.MetricDeprecatedRS] {
		d.NewDeprecatedRS = models.Increase(row.DeprecatedRS, base.DeprecatedRS)
	}
	if fc.seen[models.MetricMergedDeprecatedRS] {
		d.NewMergedDeprecatedRS = models.Increase(row.MergedDeprecatedRS, base.MergedDeprecatedRS)
	}
	if fc.breakdown {
		d.NewRemappedCurrentRS = models.Increase(row.RemappedCurrentRS, base.RemappedCurrentRS)
		d.NewSplitRS = models.Increase(row.SplitRS, base.SplitRS)
		d.NewSSClustered = models.Increase(row.SSClustered, base.SSClustered)
	}
	return row
}

// unifySharedAssemblies gives every taxonomy of an assembly the clustering
// columns of its lowest processed taxonomy; those columns describe the
// assembly, not the taxonomy.
func unifySharedAssemblies(rows map[Key]*models.AssemblyMetrics) {
	byAssembly := make(map[string][]*models.AssemblyMetrics)
	for _, r := range rows {
		byAssembly[r.AssemblyAccession] = append(byAssembly[r.AssemblyAccession], r)
	}
	for _, group := range byAssembly {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].Taxonomy < group[j].Taxonomy })
		ref := group[0]
		for _, r := range group[1:] {
			r.ClusteredRS = ref.ClusteredRS
			r.RemappedCurrentRS = ref.RemappedCurrentRS
			r.SplitRS = ref.SplitRS
			r.NewRemappedCurrentRS = ref.NewRemappedCurrentRS
			r.NewSplitRS = ref.NewSplitRS
		}
	}
}

// fillFromPrevious adds the rows of the previous release missing from this
// one: duplicated from this release when the assembly was processed under
// another taxonomy, copied forward with zero deltas otherwise.
func (a *Aggregator) fillFromPrevious(rows map[Key]*models.AssemblyMetrics, prev map[Key]*models.AssemblyMetrics, version int) {
	processed := make(map[string]*models.AssemblyMetrics)
	for _, r := range sortedRows(rows) {
		if _, ok := processed[r.AssemblyAccession]; !ok {
			processed[r.AssemblyAccession] = r
		}
	}

	keys := make([]Key, 0, len(prev))
	for k := range prev {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })

	for _, k := range keys {
		if _, ok := rows[k]; ok {
			continue
		}
		p := prev[k]
		row := &models.AssemblyMetrics{
			Taxonomy:          p.Taxonomy,
			AssemblyAccession: p.AssemblyAccession,
			ReleaseVersion:    version,
			ScientificName:    p.ScientificName,
			ReleaseFolderName: p.ReleaseFolderName,
		}
		if src, ok := processed[k.Assembly]; ok {
			row.RSCounts = src.RSCounts
			row.RSDeltas = src.RSDeltas
			a.logger.Debug("duplicating assembly counts under another taxonomy", "assembly", k.Assembly, "from", src.Taxonomy, "to", k.Taxonomy)
		} else {
			row.RSCounts = p.RSCounts
		}
		rows[k] = row
	}
}

func (a *Aggregator) speciesRows(assemblies []*models.AssemblyMetrics, targets []*models.ReleaseTarget, prev []*models.SpeciesMetrics, version int) ([]*models.SpeciesMetrics, error) {
	prevByTax := make(map[int64]*models.SpeciesMetrics, len(prev))
	for _, p := range prev {
		prevByTax[p.Taxonomy] = p
	}

	species := make(map[int64]*models.SpeciesMetrics)
	get := func(tax int64, name, folder string) *models.SpeciesMetrics {
		s, ok := species[tax]
		if !ok {
			s = &models.SpeciesMetrics{Taxonomy: tax, ReleaseVersion: version, ScientificName: name, ReleaseFolderName: folder}
			species[tax] = s
		}
		return s
	}
	for _, r := range assemblies {
		s := get(r.Taxonomy, r.ScientificName, r.ReleaseFolderName)
		s.NumAssemblies++
		s.RSCounts.Add(r.RSCounts)
		s.RSDeltas.Add(r.RSDeltas)
	}
	for _, t := range targets {
		get(t.Taxonomy, t.ScientificName, t.ReleaseFolderName)
	}

	out := make([]*models.SpeciesMetrics, 0, len(species))
	for _, s := range species {
		p := prevByTax[s.Taxonomy]
		n, ok, err := a.unmappedCount(version, s)
		if err != nil {
			return nil, err
		}
		switch {
		case ok:
			s.UnmappedRS = n
			if p != nil {
				s.NewUnmappedRS = models.Increase(n, p.UnmappedRS)
			} else {
				s.NewUnmappedRS = n
			}
		case p != nil:
			s.UnmappedRS = p.UnmappedRS
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Taxonomy < out[j].Taxonomy })
	return out, nil
}

// unmappedCount counts the species-level unmapped id file when present.
func (a *Aggregator) unmappedCount(version int, s *models.SpeciesMetrics) (int64, bool, error) {
	if s.ReleaseFolderName == "" {
		return 0, false, nil
	}
	path := filepath.Join(a.layout.SpeciesDir(version, s.ReleaseFolderName), releasefiles.UnmappedIDs(s.Taxonomy))
	if _, err := os.Stat(path); err != nil {
		return 0, false, nil
	}
	n, err := releasefiles.CountUnique(path, 1)
	if err != nil {
		return 0, false, fmt.Errorf("count unmapped ids of %d: %w", s.Taxonomy, err)
	}
	return n, true, nil
}

func less(a, b Key) bool {
	if a.Taxonomy != b.Taxonomy {
		return a.Taxonomy < b.Taxonomy
	}
	return a.Assembly < b.Assembly
}

func sortedRows(rows map[Key]*models.AssemblyMetrics) []*models.AssemblyMetrics {
	out := make([]*models.AssemblyMetrics, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return less(Key{out[i].Taxonomy, out[i].AssemblyAccession}, Key{out[j].Taxonomy, out[j].AssemblyAccession})
	})
	return out
}
