package counts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/release/internal/database"
	"github.com/mkoziy/genome/release/internal/migrations"
	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/releasefiles"
	"github.com/mkoziy/genome/release/internal/repositories"
)

const cow = "GCA_000003055.3"

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()
	db, err := database.NewDB(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.RunMigrations(context.Background(), db, discard()))
	return db
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seedTarget(t *testing.T, db *bun.DB, tax int64, asm, name string, version int) *models.ReleaseTarget {
	t.Helper()
	target := &models.ReleaseTarget{
		Taxonomy:          tax,
		AssemblyAccession: asm,
		ReleaseVersion:    version,
		ScientificName:    name,
		Sources:           models.SourcesBoth,
		ReleaseStatus:     models.StatusCompleted,
		ReleaseFolderName: models.ReleaseFolderName(name),
	}
	require.NoError(t, repositories.UpsertTargets(context.Background(), db, []*models.ReleaseTarget{target}))
	return target
}

func writeManifest(t *testing.T, layout releasefiles.Layout, target *models.ReleaseTarget, counts map[models.Category]int64) string {
	t.Helper()
	dir := layout.TargetDir(target)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	var entries []releasefiles.Entry
	for _, c := range models.Categories {
		n, ok := counts[c]
		if !ok {
			continue
		}
		for _, name := range releasefiles.Outputs(target.Taxonomy, target.AssemblyAccession, c) {
			entries = append(entries, releasefiles.Entry{File: name, Count: n})
		}
	}
	require.NoError(t, releasefiles.WriteManifest(dir, entries))
	return dir
}

func prevRow(tax int64, asm, name string, c models.RSCounts) *models.AssemblyMetrics {
	return &models.AssemblyMetrics{
		Taxonomy:          tax,
		AssemblyAccession: asm,
		ReleaseVersion:    1,
		ScientificName:    name,
		ReleaseFolderName: models.ReleaseFolderName(name),
		Processed:         true,
		RSCounts:          c,
	}
}

func TestAggregateComputesDeltasAgainstPreviousRelease(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	root := t.TempDir()
	layout := releasefiles.Layout{Root: root}

	require.NoError(t, repositories.UpsertAssemblyMetrics(ctx, db, []*models.AssemblyMetrics{
		prevRow(9913, cow, "Bos taurus", models.RSCounts{CurrentRS: 169_904_286, MergedRS: 10, DeprecatedRS: 4, SplitRS: 3, RemappedCurrentRS: 7}),
	}))
	target := seedTarget(t, db, 9913, cow, "Bos taurus", 2)
	dir := writeManifest(t, layout, target, map[models.Category]int64{
		models.CategoryCurrent:          169_101_573,
		models.CategoryMerged:           15,
		models.CategoryDeprecated:       4,
		models.CategoryMergedDeprecated: 1,
	})
	require.NoError(t, releasefiles.WriteBreakdown(dir, releasefiles.Breakdown{ClusteredRS: 170_000_000, RemappedCurrentRS: 9, SplitRS: 3, SSClustered: 400}))

	agg := New(db, root, discard())
	sum, err := agg.Aggregate(ctx, 2)
	require.NoError(t, err)
	require.Len(t, sum.Assemblies, 1)

	row := sum.Assemblies[0]
	assert.True(t, row.Processed)
	assert.Equal(t, int64(169_101_573), row.CurrentRS)
	assert.Equal(t, int64(0), row.NewCurrentRS)
	assert.Equal(t, int64(5), row.NewMergedRS)
	assert.Equal(t, int64(0), row.NewDeprecatedRS)
	assert.Equal(t, int64(1), row.NewMergedDeprecatedRS)
	assert.Equal(t, int64(2), row.NewRemappedCurrentRS)
	assert.Equal(t, int64(0), row.NewSplitRS)
	assert.Equal(t, int64(400), row.NewSSClustered)

	stored, err := repositories.ListAssemblyMetrics(ctx, db, 2)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, row.RSCounts, stored[0].RSCounts)

	diffs, err := agg.QC(ctx, 2, 1, 0)
	require.NoError(t, err)
	var current *Diff
	for i := range diffs {
		if diffs[i].Metric == models.MetricCurrentRS {
			current = &diffs[i]
		}
	}
	require.NotNil(t, current)
	assert.Equal(t, int64(-802_713), current.Delta())
	for _, d := range diffs {
		assert.NotEqual(t, models.MetricMultiMappedRS, d.Metric, "metrics without a file are not compared")
		assert.NotEqual(t, models.MetricDeprecatedRS, d.Metric, "equal values are not reported")
	}
}

func TestAggregateCarriesForwardAndDuplicates(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	root := t.TempDir()
	layout := releasefiles.Layout{Root: root}

	require.NoError(t, repositories.UpsertAssemblyMetrics(ctx, db, []*models.AssemblyMetrics{
		prevRow(9913, cow, "Bos taurus", models.RSCounts{CurrentRS: 100}),
		prevRow(9913, "GCA_000001.1", "Bos taurus", models.RSCounts{CurrentRS: 50, MergedRS: 2}),
		prevRow(9915, cow, "Bos indicus", models.RSCounts{CurrentRS: 90}),
	}))
	target := seedTarget(t, db, 9913, cow, "Bos taurus", 2)
	writeManifest(t, layout, target, map[models.Category]int64{models.CategoryCurrent: 120})

	sum, err := New(db, root, discard()).Aggregate(ctx, 2)
	require.NoError(t, err)
	require.Len(t, sum.Assemblies, 3)

	byKey := make(map[Key]*models.AssemblyMetrics)
	for _, r := range sum.Assemblies {
		byKey[Key{r.Taxonomy, r.AssemblyAccession}] = r
	}

	old := byKey[Key{9913, "GCA_000001.1"}]
	require.NotNil(t, old)
	assert.False(t, old.Processed)
	assert.Equal(t, 2, old.ReleaseVersion)
	assert.Equal(t, models.RSCounts{CurrentRS: 50, MergedRS: 2}, old.RSCounts)
	assert.Equal(t, models.RSDeltas{}, old.RSDeltas)

	dup := byKey[Key{9915, cow}]
	require.NotNil(t, dup)
	assert.Equal(t, int64(120), dup.CurrentRS)
	assert.Equal(t, int64(20), dup.NewCurrentRS)
	assert.Equal(t, "bos_indicus", dup.ReleaseFolderName)

	require.Len(t, sum.Species, 2)
	assert.Equal(t, int64(9913), sum.Species[0].Taxonomy)
	assert.Equal(t, 2, sum.Species[0].NumAssemblies)
	assert.Equal(t, int64(170), sum.Species[0].CurrentRS)
	assert.Equal(t, int64(20), sum.Species[0].NewCurrentRS)
}

func TestAggregateUnifiesSharedAssemblyColumns(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	root := t.TempDir()
	layout := releasefiles.Layout{Root: root}

	a := seedTarget(t, db, 9913, cow, "Bos taurus", 2)
	b := seedTarget(t, db, 9915, cow, "Bos indicus", 2)
	dirA := writeManifest(t, layout, a, map[models.Category]int64{models.CategoryCurrent: 10})
	dirB := writeManifest(t, layout, b, map[models.Category]int64{models.CategoryCurrent: 4})
	require.NoError(t, releasefiles.WriteBreakdown(dirA, releasefiles.Breakdown{ClusteredRS: 30, RemappedCurrentRS: 2, SplitRS: 1, SSClustered: 11}))
	require.NoError(t, releasefiles.WriteBreakdown(dirB, releasefiles.Breakdown{ClusteredRS: 29, RemappedCurrentRS: 1, SplitRS: 0, SSClustered: 5}))

	sum, err := New(db, root, discard()).Aggregate(ctx, 2)
	require.NoError(t, err)
	require.Len(t, sum.Assemblies, 2)
	for _, r := range sum.Assemblies {
		assert.Equal(t, int64(30), r.ClusteredRS)
		assert.Equal(t, int64(2), r.RemappedCurrentRS)
		assert.Equal(t, int64(1), r.SplitRS)
	}
	assert.Equal(t, int64(4), sum.Assemblies[1].CurrentRS, "per-taxonomy counts are kept")
	assert.Equal(t, int64(5), sum.Assemblies[1].SSClustered)
}

func TestAggregateCountsUnmappedIDs(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	root := t.TempDir()
	layout := releasefiles.Layout{Root: root}

	require.NoError(t, repositories.UpsertSpeciesMetrics(ctx, db, []*models.SpeciesMetrics{
		{Taxonomy: 9913, ReleaseVersion: 1, ScientificName: "Bos taurus", ReleaseFolderName: "bos_taurus", UnmappedRS: 1},
	}))
	seedTarget(t, db, 9913, models.UnmappedAssembly, "Bos taurus", 2)
	speciesDir := layout.SpeciesDir(2, "bos_taurus")
	require.NoError(t, os.MkdirAll(speciesDir, 0o755))

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("rs1\nrs2\nrs2\nrs3\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(filepath.Join(speciesDir, releasefiles.UnmappedIDs(9913)), buf.Bytes(), 0o644))

	sum, err := New(db, root, discard()).Aggregate(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, sum.Assemblies)
	require.Len(t, sum.Species, 1)
	assert.Equal(t, int64(3), sum.Species[0].UnmappedRS)
	assert.Equal(t, int64(2), sum.Species[0].NewUnmappedRS)
}

func TestCompareThresholds(t *testing.T) {
	k := Key{9913, cow}
	file := map[Key]models.RSCounts{k: {CurrentRS: 10, MergedRS: 5}}
	db := map[Key]models.RSCounts{k: {CurrentRS: 7, MergedRS: 5}}

	assert.Len(t, Compare(file, db, -1), len(models.FileMetrics))
	nonzero := Compare(file, db, 0)
	require.Len(t, nonzero, 1)
	assert.Equal(t, int64(3), nonzero[0].Delta())
	assert.Empty(t, Compare(file, db, 3))

	missing := Compare(map[Key]models.RSCounts{{1, "GCA_1"}: {CurrentRS: 2}}, db, 0)
	require.Len(t, missing, 1)
	assert.Equal(t, int64(0), missing[0].DB)

	var out bytes.Buffer
	require.NoError(t, WriteDiffs(&out, nonzero))
	assert.Contains(t, out.String(), "current_rs")
	assert.Contains(t, out.String(), "+3")
}

func TestAggregateIgnoresTargetsNotCompleted(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	root := t.TempDir()
	layout := releasefiles.Layout{Root: root}

	require.NoError(t, repositories.UpsertAssemblyMetrics(ctx, db, []*models.AssemblyMetrics{
		prevRow(9913, cow, "Bos taurus", models.RSCounts{CurrentRS: 100}),
	}))
	failed := &models.ReleaseTarget{
		Taxonomy:          9913,
		AssemblyAccession: cow,
		ReleaseVersion:    2,
		ScientificName:    "Bos taurus",
		Sources:           models.SourcesBoth,
		ReleaseStatus:     models.StatusFailed,
		ReleaseFolderName: "bos_taurus",
	}
	started := &models.ReleaseTarget{
		Taxonomy:          9940,
		AssemblyAccession: "GCA_000298735.1",
		ReleaseVersion:    2,
		ScientificName:    "Ovis aries",
		Sources:           models.SourcesEVA,
		ReleaseStatus:     models.StatusStarted,
		ReleaseFolderName: "ovis_aries",
	}
	require.NoError(t, repositories.UpsertTargets(ctx, db, []*models.ReleaseTarget{failed, started}))
	writeManifest(t, layout, failed, map[models.Category]int64{models.CategoryCurrent: 500})
	writeManifest(t, layout, started, map[models.Category]int64{models.CategoryCurrent: 30})

	agg := New(db, root, discard())
	files, _, err := agg.FileCounts(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, files)

	sum, err := agg.Aggregate(ctx, 2)
	require.NoError(t, err)
	require.Len(t, sum.Assemblies, 1, "only the previous row is carried forward")

	row := sum.Assemblies[0]
	assert.Equal(t, int64(9913), row.Taxonomy)
	assert.False(t, row.Processed)
	assert.Equal(t, int64(100), row.CurrentRS)
	assert.Equal(t, models.RSDeltas{}, row.RSDeltas)
}
