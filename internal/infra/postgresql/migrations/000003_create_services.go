package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/notify-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createServiceTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_services",
		Migrate: func(tx *gorm.DB) error {
			err := tx.AutoMigrate(
				&repository.ServiceModel{},
				&repository.TemplateModel{},
				&repository.ServiceSmsSenderModel{},
				&repository.ServiceCallbackModel{},
			)
			if err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS uix_service_callbacks_service_type ON service_callbacks (service_id, callback_type)`,
				`CREATE INDEX IF NOT EXISTS idx_service_sms_senders_service_id ON service_sms_senders (service_id)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(
				&repository.ServiceCallbackModel{},
				&repository.ServiceSmsSenderModel{},
				&repository.TemplateModel{},
				&repository.ServiceModel{},
			)
		},
	}
}
