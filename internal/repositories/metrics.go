package repositories

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/release/internal/models"
)

var countColumns = []string{
	"current_rs", "multi_mapped_rs", "merged_rs", "deprecated_rs", "merged_deprecated_rs",
	"clustered_rs", "remapped_current_rs", "split_rs", "ss_clustered",
	"new_current_rs", "new_multi_mapped_rs", "new_merged_rs", "new_deprecated_rs", "new_merged_deprecated_rs",
	"new_remapped_current_rs", "new_split_rs", "new_ss_clustered",
}

func setExcluded(q *bun.InsertQuery, columns ...string) *bun.InsertQuery {
	for _, c := range columns {
		q = q.Set("? = EXCLUDED.?", bun.Ident(c), bun.Ident(c))
	}
	return q
}

// UpsertAssemblyMetrics writes per-assembly rows, replacing existing ones.
func UpsertAssemblyMetrics(ctx context.Context, db bun.IDB, rows []*models.AssemblyMetrics) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, r := range rows {
		r.UpdatedAt = now
	}
	q := db.NewInsert().
		Model(&rows).
		On("CONFLICT (taxonomy, assembly_accession, release_version) DO UPDATE")
	q = setExcluded(q, append([]string{"scientific_name", "release_folder_name", "processed", "updated_at"}, countColumns...)...)
	_, err := q.Exec(ctx)
	return err
}

// UpsertSpeciesMetrics writes per-species rows, replacing existing ones.
func UpsertSpeciesMetrics(ctx context.Context, db bun.IDB, rows []*models.SpeciesMetrics) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, r := range rows {
		r.UpdatedAt = now
	}
	q := db.NewInsert().
		Model(&rows).
		On("CONFLICT (taxonomy, release_version) DO UPDATE")
	q = setExcluded(q, append([]string{"scientific_name", "release_folder_name", "num_assemblies",
		"unmapped_rs", "new_unmapped_rs", "updated_at"}, countColumns...)...)
	_, err := q.Exec(ctx)
	return err
}

// ListAssemblyMetrics returns the per-assembly rows of a release.
func ListAssemblyMetrics(ctx context.Context, db bun.IDB, version int) ([]*models.AssemblyMetrics, error) {
	var rows []*models.AssemblyMetrics
	err := db.NewSelect().
		Model(&rows).
		Where("release_version = ?", version).
		OrderExpr("taxonomy ASC, assembly_accession ASC").
		Scan(ctx)
	return rows, err
}

// ListSpeciesMetrics returns the per-species rows of a release.
func ListSpeciesMetrics(ctx context.Context, db bun.IDB, version int) ([]*models.SpeciesMetrics, error) {
	var rows []*models.SpeciesMetrics
	err := db.NewSelect().
		Model(&rows).
		Where("release_version = ?", version).
		Order("taxonomy").
		Scan(ctx)
	return rows, err
}
