package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/notify-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createProviderDetailsTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_provider_details",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.ProviderDetailsModel{}, &repository.ProviderDetailsHistoryModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS uix_provider_details_identifier_type ON provider_details (identifier, notification_type)`,
				`CREATE INDEX IF NOT EXISTS idx_provider_details_active ON provider_details (notification_type, priority) WHERE active`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ProviderDetailsHistoryModel{}, &repository.ProviderDetailsModel{})
		},
	}
}
