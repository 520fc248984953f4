package migrations

import (
	"context"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		indexes := []string{
			"CREATE INDEX IF NOT EXISTS idx_release_tracker_status ON release_tracker(release_version, release_status)",
			"CREATE INDEX IF NOT EXISTS idx_release_tracker_instance ON release_tracker(release_version, tempmongo_instance)",
			"CREATE INDEX IF NOT EXISTS idx_rs_stats_assembly ON release_rs_statistics_per_assembly(release_version, assembly_accession)",
		}
		for _, idx := range indexes {
			if _, err := db.ExecContext(ctx, idx); err != nil {
				return err
			}
		}
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		indexes := []string{
			"DROP INDEX IF EXISTS idx_release_tracker_status",
			"DROP INDEX IF EXISTS idx_release_tracker_instance",
			"DROP INDEX IF EXISTS idx_rs_stats_assembly",
		}
		for _, idx := range indexes {
			if _, err := db.ExecContext(ctx, idx); err != nil {
				return err
			}
		}
		return nil
	})
}
