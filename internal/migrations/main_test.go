package migrations

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkoziy/genome/release/internal/database"
	"github.com/mkoziy/genome/release/internal/models"
)

func TestRunMigrationsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := database.NewDB("file:migrations_test?mode=memory&cache=shared", false)
	require.NoError(t, err)
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, RunMigrations(ctx, db, logger))
	require.NoError(t, RunMigrations(ctx, db, logger))

	_, err = db.NewInsert().Model(&models.ReleaseTarget{
		Taxonomy:          9913,
		AssemblyAccession: "GCA_000003055.3",
		ReleaseVersion:    1,
		ScientificName:    "Bos taurus",
		Sources:           models.SourcesBoth,
		ReleaseStatus:     models.StatusPending,
	}).Exec(ctx)
	require.NoError(t, err)

	count, err := db.NewSelect().Model((*models.ReleaseTarget)(nil)).Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestMigrationsRegisteredPerFile(t *testing.T) {
	sorted := Migrations.Sorted()
	require.Len(t, sorted, 3)

	names := make([]string, 0, len(sorted))
	for _, m := range sorted {
		names = append(names, m.Name)
	}
	require.Equal(t, []string{"20250101000001", "20250101000002", "20250101000003"}, names)
	require.Equal(t, "release_tracker", sorted[0].Comment)
}

func TestRunMigrationsCreatesStatisticsTables(t *testing.T) {
	ctx := context.Background()
	db, err := database.NewDB("file:"+t.Name()+"?mode=memory&cache=shared", false)
	require.NoError(t, err)
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, RunMigrations(ctx, db, logger))

	for _, model := range []interface{}{(*models.AssemblyMetrics)(nil), (*models.SpeciesMetrics)(nil)} {
		_, err := db.NewSelect().Model(model).Count(ctx)
		require.NoError(t, err)
	}
}
