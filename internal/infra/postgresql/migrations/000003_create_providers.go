package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/delivery-router/internal/repository"
	"gorm.io/gorm"
)

func createProvidersTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_providers",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.ProviderStateModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ProviderStateModel{})
		},
	}
}
