package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"gorm.io/gorm"
)

type ServiceRepository interface {
	GetService(ctx context.Context, id string) (*domain.Service, error)
	GetTemplate(ctx context.Context, id string, version int) (*domain.Template, error)
	GetSmsSender(ctx context.Context, id string) (*domain.ServiceSmsSender, error)
}

type CallbackRepository interface {
	GetByID(ctx context.Context, id string) (*domain.ServiceCallback, error)
	GetDeliveryStatusCallback(ctx context.Context, serviceID string) (*domain.ServiceCallback, error)
}

type GormServiceRepo struct {
	db *gorm.DB
}

func NewGormServiceRepo(db *gorm.DB) *GormServiceRepo {
	return &GormServiceRepo{db: db}
}

func (r *GormServiceRepo) GetService(ctx context.Context, id string) (*domain.Service, error) {
	var model ServiceModel
	if err := first(r.db.WithContext(ctx), &model, "id = ?", id); err != nil {
		return nil, err
	}
	return &domain.Service{
		ID:               model.ID,
		Name:             model.Name,
		ResearchMode:     model.ResearchMode,
		SmsProviderID:    model.SmsProviderID,
		EmailProviderID:  model.EmailProviderID,
		DefaultSmsSender: model.DefaultSmsSender,
	}, nil
}

// GetTemplate loads a template version. Version 0 selects the latest.
func (r *GormServiceRepo) GetTemplate(ctx context.Context, id string, version int) (*domain.Template, error) {
	query := r.db.WithContext(ctx).Where("id = ?", id)
	if version > 0 {
		query = query.Where("version = ?", version)
	}

	var model TemplateModel
	err := query.Order("version DESC").First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &domain.Template{
		ID:           model.ID,
		Version:      model.Version,
		ServiceID:    model.ServiceID,
		TemplateType: model.TemplateType,
		Subject:      model.Subject,
		Content:      model.Content,
		ProviderID:   model.ProviderID,
	}, nil
}

func (r *GormServiceRepo) GetSmsSender(ctx context.Context, id string) (*domain.ServiceSmsSender, error) {
	var model ServiceSmsSenderModel
	if err := first(r.db.WithContext(ctx), &model, "id = ?", id); err != nil {
		return nil, err
	}
	return &domain.ServiceSmsSender{
		ID:        model.ID,
		ServiceID: model.ServiceID,
		SmsSender: model.SmsSender,
	}, nil
}

type GormCallbackRepo struct {
	db *gorm.DB
}

func NewGormCallbackRepo(db *gorm.DB) *GormCallbackRepo {
	return &GormCallbackRepo{db: db}
}

func (r *GormCallbackRepo) GetByID(ctx context.Context, id string) (*domain.ServiceCallback, error) {
	var model ServiceCallbackModel
	if err := first(r.db.WithContext(ctx), &model, "id = ?", id); err != nil {
		return nil, err
	}
	return callbackModelToDomain(&model), nil
}

// GetDeliveryStatusCallback returns the service's delivery-status webhook, or
// ErrNotFound when the service has none.
func (r *GormCallbackRepo) GetDeliveryStatusCallback(ctx context.Context, serviceID string) (*domain.ServiceCallback, error) {
	var model ServiceCallbackModel
	err := first(r.db.WithContext(ctx), &model,
		"service_id = ? AND callback_type = ?", serviceID, domain.CallbackTypeDeliveryStatus)
	if err != nil {
		return nil, err
	}
	return callbackModelToDomain(&model), nil
}

func first(db *gorm.DB, dest any, query string, args ...any) error {
	err := db.Where(query, args...).First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}

func callbackModelToDomain(m *ServiceCallbackModel) *domain.ServiceCallback {
	return &domain.ServiceCallback{
		ID:                     m.ID,
		ServiceID:              m.ServiceID,
		URL:                    m.URL,
		BearerToken:            m.BearerToken,
		CallbackChannel:        m.CallbackChannel,
		CallbackType:           m.CallbackType,
		NotificationStatuses:   splitStatuses(m.NotificationStatuses),
		IncludeProviderPayload: m.IncludeProviderPayload,
		Suspended:              m.Suspended,
	}
}

func splitStatuses(raw string) []domain.Status {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	statuses := make([]domain.Status, 0, len(parts))
	for _, part := range parts {
		status, err := domain.ParseStatusFromString(part)
		if err != nil {
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses
}
