package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/notify-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createNotificationsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_notifications",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.NotificationModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS uix_notifications_sent_by_reference ON notifications (sent_by, reference) WHERE reference IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_reference ON notifications (reference) WHERE reference IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_service_created ON notifications (service_id, created_at)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.NotificationModel{})
		},
	}
}
