package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/release/internal/accession"
	"github.com/mkoziy/genome/release/internal/database"
	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/releaseerr"
	"github.com/mkoziy/genome/release/internal/repositories"
	"github.com/mkoziy/genome/release/internal/sources/metadata"
)

const cowAssembly = "GCA_000003055.3"

type fakeMetadata struct {
	eva, supported []metadata.Pair
	err            error
}

func (f *fakeMetadata) EVAAssemblies(context.Context) ([]metadata.Pair, error) { return f.eva, f.err }
func (f *fakeMetadata) SupportedAssemblies(context.Context) ([]metadata.Pair, error) {
	return f.supported, f.err
}

type fakeResolver struct {
	names map[int64]string
	calls int
}

func (f *fakeResolver) ScientificName(_ context.Context, tax int64) (string, error) {
	f.calls++
	if name, ok := f.names[tax]; ok {
		return name, nil
	}
	return "", releaseerr.Newf(releaseerr.KindTaxonomyResolution, fmt.Sprintf("taxonomy %d", tax), "not found")
}

type fakeProber map[models.Source]accession.Probe

func (f fakeProber) Probe(_ context.Context, src models.Source, _ int64, _ string) (accession.Probe, error) {
	p := f[src]
	p.Source = src
	return p, nil
}

func newService(t *testing.T, meta Metadata, names NameResolver, prober Prober) (*Service, *bun.DB) {
	t.Helper()
	db, err := database.NewDB(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := New(db, meta, names, prober, Options{
		Instances:  []string{"tempmongo-1", "tempmongo-2"},
		GenomesDir: "/genomes",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, svc.EnsureSchema(context.Background()))
	return svc, db
}

func insertTarget(t *testing.T, db bun.IDB, target *models.ReleaseTarget) {
	t.Helper()
	require.NoError(t, repositories.UpsertTargets(context.Background(), db, []*models.ReleaseTarget{target}))
}

func TestSeedCarriesPreviousVersionForward(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t, nil, nil, nil)
	insertTarget(t, db, &models.ReleaseTarget{
		Taxonomy: 9913, AssemblyAccession: cowAssembly, ReleaseVersion: 1,
		ScientificName: "Bos taurus", Sources: models.SourcesBoth,
		ReleaseStatus: models.StatusCompleted, FastaPath: "/g/cow.fa", ReportPath: "/g/cow_report.txt",
	})

	res, err := svc.Seed(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	got, err := svc.Get(ctx, models.Key{Taxonomy: 9913, Assembly: cowAssembly, ReleaseVersion: 2})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.ReleaseStatus)
	assert.Equal(t, models.SourcesBoth, got.Sources)
	assert.Equal(t, "bos_taurus", got.ReleaseFolderName)
	assert.Equal(t, "/g/cow.fa", got.FastaPath)
	assert.Nil(t, got.ReleaseStart)
}

func TestSeedUnionsSourcesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	meta := &fakeMetadata{
		eva: []metadata.Pair{
			{Taxonomy: 9913, Assembly: cowAssembly, ScientificName: "Bos taurus", Sources: models.SourcesEVA},
			{Taxonomy: 9940, Assembly: "GCA_000298735.1", Sources: models.SourcesEVA},
		},
	}
	names := &fakeResolver{names: map[int64]string{9940: "Ovis aries"}}
	svc, _ := newService(t, meta, names, nil)

	res, err := svc.Seed(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{Inserted: 2}, res)
	assert.Equal(t, 1, names.calls)

	res, err = svc.Seed(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{Unchanged: 2}, res)

	meta.supported = []metadata.Pair{{Taxonomy: 9913, Assembly: cowAssembly, Sources: models.SourcesBoth}}
	res, err = svc.Seed(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{Widened: 1, Unchanged: 1}, res)

	cow, err := svc.Get(ctx, models.Key{Taxonomy: 9913, Assembly: cowAssembly, ReleaseVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, models.SourcesBoth, cow.Sources)

	sheep, err := svc.Get(ctx, models.Key{Taxonomy: 9940, Assembly: "GCA_000298735.1", ReleaseVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, "Ovis aries", sheep.ScientificName)
	assert.Equal(t, "/genomes/ovis_aries/GCA_000298735.1/GCA_000298735.1.fa", sheep.FastaPath)
	assert.NotEqual(t, cow.StagingInstance, sheep.StagingInstance, "instances are assigned round-robin")
}

func TestSeedFailsWithoutPartialWrites(t *testing.T) {
	ctx := context.Background()
	meta := &fakeMetadata{eva: []metadata.Pair{
		{Taxonomy: 9913, Assembly: cowAssembly, ScientificName: "Bos taurus", Sources: models.SourcesEVA},
		{Taxonomy: 1, Assembly: "GCA_1.1", Sources: models.SourcesEVA},
	}}
	svc, db := newService(t, meta, &fakeResolver{}, nil)

	_, err := svc.Seed(ctx, 1)
	require.ErrorIs(t, err, releaseerr.ErrTaxonomyResolution)

	count, err := db.NewSelect().Model((*models.ReleaseTarget)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestComputeShouldBeReleasedNarrowsSources(t *testing.T) {
	ctx := context.Background()
	prober := fakeProber{
		models.SourceEVA:   {HasSubmittedRS: true, ClusteredRS: 42},
		models.SourceDbSNP: {},
	}
	svc, db := newService(t, nil, nil, prober)
	key := models.Key{Taxonomy: 9913, Assembly: cowAssembly, ReleaseVersion: 2}
	insertTarget(t, db, &models.ReleaseTarget{Taxonomy: 9913, AssemblyAccession: cowAssembly, ReleaseVersion: 2,
		ScientificName: "Bos taurus", Sources: models.SourcesBoth, ReleaseStatus: models.StatusPending})

	got, err := svc.ComputeShouldBeReleased(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.ShouldBeReleased)
	assert.Equal(t, int64(42), got.NumRSToRelease)
	assert.Equal(t, models.SourcesEVA, got.Sources)

	stored, err := svc.Get(ctx, key)
	require.NoError(t, err)
	require.NoError(t, stored.Validate())
	assert.Equal(t, models.SourcesEVA, stored.Sources)

	next, err := svc.NextTarget(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, key, next.Key())
}

func TestComputeShouldBeReleasedFallsBackToSubmittedCount(t *testing.T) {
	ctx := context.Background()
	prober := fakeProber{models.SourceEVA: {HasSubmittedRS: true, SubmittedRS: 7}}
	svc, db := newService(t, nil, nil, prober)
	insertTarget(t, db, &models.ReleaseTarget{Taxonomy: 9913, AssemblyAccession: cowAssembly, ReleaseVersion: 2,
		ScientificName: "Bos taurus", Sources: models.SourcesEVA, ReleaseStatus: models.StatusPending})

	got, err := svc.ComputeShouldBeReleased(ctx, models.Key{Taxonomy: 9913, Assembly: cowAssembly, ReleaseVersion: 2})
	require.NoError(t, err)
	assert.True(t, got.ShouldBeReleased)
	assert.Equal(t, int64(7), got.NumRSToRelease)
}

func TestUnmappedIsNeverReleased(t *testing.T) {
	ctx := context.Background()
	prober := fakeProber{models.SourceEVA: {HasSubmittedRS: true, ClusteredRS: 5}}
	svc, db := newService(t, nil, nil, prober)
	insertTarget(t, db, &models.ReleaseTarget{Taxonomy: 9913, AssemblyAccession: models.UnmappedAssembly, ReleaseVersion: 2,
		ScientificName: "Bos taurus", Sources: models.SourcesEVA, ReleaseStatus: models.StatusPending})

	got, err := svc.ComputeShouldBeReleased(ctx, models.Key{Taxonomy: 9913, Assembly: models.UnmappedAssembly, ReleaseVersion: 2})
	require.NoError(t, err)
	assert.False(t, got.ShouldBeReleased)

	next, err := svc.NextTarget(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestMarkLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t, nil, nil, nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	key := models.Key{Taxonomy: 9913, Assembly: cowAssembly, ReleaseVersion: 2}
	insertTarget(t, db, &models.ReleaseTarget{Taxonomy: 9913, AssemblyAccession: cowAssembly, ReleaseVersion: 2,
		ScientificName: "Bos taurus", Sources: models.SourcesEVA, ReleaseStatus: models.StatusPending})

	err := svc.Mark(ctx, key, models.StatusCompleted)
	assert.ErrorIs(t, err, releaseerr.ErrIllegalStateTransition)

	err = svc.Mark(ctx, key, models.ReleaseStatus("Published"))
	assert.ErrorIs(t, err, releaseerr.ErrIllegalStateTransition)

	require.NoError(t, svc.Mark(ctx, key, models.StatusStarted))
	got, err := svc.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got.ReleaseStart)
	assert.True(t, got.ReleaseStart.Equal(fixed))
	assert.Nil(t, got.ReleaseEnd)

	require.NoError(t, svc.Mark(ctx, key, models.StatusFailed))
	require.NoError(t, svc.Mark(ctx, key, models.StatusStarted))
	require.NoError(t, svc.Mark(ctx, key, models.StatusCompleted))

	got, err = svc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.ReleaseStatus)
	require.NotNil(t, got.ReleaseEnd)

	err = svc.Mark(ctx, key, models.StatusStarted)
	assert.True(t, errors.Is(err, releaseerr.ErrIllegalStateTransition), "completed is terminal")

	completed, err := svc.Targets(ctx, 2, repositories.TargetFilter{
		Taxonomy: 9913,
		Statuses: []models.ReleaseStatus{models.StatusCompleted},
	})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, cowAssembly, completed[0].AssemblyAccession)
}
