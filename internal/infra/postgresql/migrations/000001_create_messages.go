package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/delivery-router/internal/repository"
	"gorm.io/gorm"
)

func createMessagesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_messages",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.MessageModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency_key ON messages (idempotency_key) WHERE idempotency_key IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_messages_status_priority_created ON messages (status, priority, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_messages_scheduled_due ON messages (priority, scheduled_at) WHERE status = 'scheduled'`,
				`CREATE INDEX IF NOT EXISTS idx_messages_retry_due ON messages (priority, next_retry_at) WHERE status = 'retry'`,
				`CREATE INDEX IF NOT EXISTS idx_messages_processing ON messages (updated_at) WHERE status = 'processing'`,
				`CREATE INDEX IF NOT EXISTS idx_messages_correlation_id ON messages (correlation_id)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.MessageModel{})
		},
	}
}
