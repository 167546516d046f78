package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addNotificationsStaleCreatedIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_add_notifications_stale_created_index",
		Migrate: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_notifications_created_pending ON notifications (updated_at) WHERE status = 'created'`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				`DROP INDEX IF EXISTS idx_notifications_created_pending`,
			})
		},
	}
}
