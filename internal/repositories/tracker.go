package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/release/internal/models"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("not found")

// TargetFilter narrows ListTargets.
type TargetFilter struct {
	Taxonomy   int64
	Assemblies []string
	Statuses   []models.ReleaseStatus
	// ReleasableOnly keeps rows with should_be_released set.
	ReleasableOnly bool
}

// GetTarget fetches one tracker row by primary key.
func GetTarget(ctx context.Context, db bun.IDB, key models.Key) (*models.ReleaseTarget, error) {
	target := new(models.ReleaseTarget)
	err := db.NewSelect().
		Model(target).
		Where("taxonomy = ?", key.Taxonomy).
		Where("assembly_accession = ?", key.Assembly).
		Where("release_version = ?", key.ReleaseVersion).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return target, err
}

// ListTargets returns the rows of a release version ordered by taxonomy and assembly.
func ListTargets(ctx context.Context, db bun.IDB, version int, filter TargetFilter) ([]*models.ReleaseTarget, error) {
	var targets []*models.ReleaseTarget
	q := db.NewSelect().
		Model(&targets).
		Where("release_version = ?", version)
	if filter.Taxonomy != 0 {
		q = q.Where("taxonomy = ?", filter.Taxonomy)
	}
	if len(filter.Assemblies) > 0 {
		q = q.Where("assembly_accession IN (?)", bun.In(filter.Assemblies))
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("release_status IN (?)", bun.In(filter.Statuses))
	}
	if filter.ReleasableOnly {
		q = q.Where("should_be_released = ?", true)
	}
	err := q.OrderExpr("taxonomy ASC, assembly_accession ASC").Scan(ctx)
	return targets, err
}

// NextPendingTarget returns the first releasable Pending row, or ErrNotFound.
func NextPendingTarget(ctx context.Context, db bun.IDB, version int) (*models.ReleaseTarget, error) {
	target := new(models.ReleaseTarget)
	err := db.NewSelect().
		Model(target).
		Where("release_version = ?", version).
		Where("release_status = ?", models.StatusPending).
		Where("should_be_released = ?", true).
		OrderExpr("taxonomy ASC, assembly_accession ASC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return target, err
}

// UpsertTargets inserts seed rows. On conflict only the provenance set and
// reference paths are refreshed; lifecycle columns stay untouched.
func UpsertTargets(ctx context.Context, db bun.IDB, targets []*models.ReleaseTarget) error {
	if len(targets) == 0 {
		return nil
	}
	_, err := db.NewInsert().
		Model(&targets).
		On("CONFLICT (taxonomy, assembly_accession, release_version) DO UPDATE").
		Set("sources = EXCLUDED.sources").
		Set("scientific_name = EXCLUDED.scientific_name").
		Set("release_folder_name = EXCLUDED.release_folder_name").
		Exec(ctx)
	return err
}

// UpdateStatus writes the lifecycle columns of one row.
func UpdateStatus(ctx context.Context, db bun.IDB, key models.Key, status models.ReleaseStatus, start, end *time.Time) error {
	res, err := db.NewUpdate().
		Model((*models.ReleaseTarget)(nil)).
		Set("release_status = ?", status).
		Set("release_start = ?", start).
		Set("release_end = ?", end).
		Where("taxonomy = ?", key.Taxonomy).
		Where("assembly_accession = ?", key.Assembly).
		Where("release_version = ?", key.ReleaseVersion).
		Exec(ctx)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// UpdateReleasability stores the probe outcome of one row.
func UpdateReleasability(ctx context.Context, db bun.IDB, key models.Key, should bool, numRS int64, sources models.Sources) error {
	res, err := db.NewUpdate().
		Model((*models.ReleaseTarget)(nil)).
		Set("should_be_released = ?", should).
		Set("num_rs_to_release = ?", numRS).
		Set("sources = ?", sources).
		Where("taxonomy = ?", key.Taxonomy).
		Where("assembly_accession = ?", key.Assembly).
		Where("release_version = ?", key.ReleaseVersion).
		Exec(ctx)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
