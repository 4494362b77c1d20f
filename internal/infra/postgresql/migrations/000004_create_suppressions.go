package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/delivery-router/internal/repository"
	"gorm.io/gorm"
)

func createSuppressionsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_suppressions",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.SuppressionModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_suppressions_created_at ON suppressions (created_at)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.SuppressionModel{})
		},
	}
}
