package migrations

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/release/internal/models"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewCreateTable().Model((*models.ReleaseTarget)(nil)).IfNotExists().Exec(ctx)
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewDropTable().Model((*models.ReleaseTarget)(nil)).IfExists().Exec(ctx)
		return err
	})
}
