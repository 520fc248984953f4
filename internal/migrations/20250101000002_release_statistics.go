package migrations

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/release/internal/models"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		for _, model := range []interface{}{(*models.AssemblyMetrics)(nil), (*models.SpeciesMetrics)(nil)} {
			if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		for _, model := range []interface{}{(*models.SpeciesMetrics)(nil), (*models.AssemblyMetrics)(nil)} {
			if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
