package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/delivery-router/internal/repository"
	"gorm.io/gorm"
)

func createDeliveryEventsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_delivery_events",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DeliveryEventModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_delivery_events_message_id ON delivery_events (message_id, created_at)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeliveryEventModel{})
		},
	}
}
