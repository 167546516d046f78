package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ProviderDetailsRepository interface {
	List(ctx context.Context) ([]domain.ProviderDetails, error)
	ListActive(ctx context.Context, notificationType domain.NotificationType, international bool) ([]domain.ProviderDetails, error)
	GetByID(ctx context.Context, id string) (*domain.ProviderDetails, error)
	Update(ctx context.Context, id string, patch domain.ProviderDetailsPatch) (*domain.ProviderDetails, error)
	History(ctx context.Context, id string) ([]domain.ProviderDetails, error)
	Seed(ctx context.Context, d *domain.ProviderDetails) (bool, error)
}

type GormProviderDetailsRepo struct {
	db *gorm.DB
}

func NewGormProviderDetailsRepo(db *gorm.DB) *GormProviderDetailsRepo {
	return &GormProviderDetailsRepo{db: db}
}

func (r *GormProviderDetailsRepo) List(ctx context.Context) ([]domain.ProviderDetails, error) {
	var models []ProviderDetailsModel
	err := r.db.WithContext(ctx).
		Order("notification_type ASC, priority ASC, identifier ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return providerDetailsToDomain(models), nil
}

// ListActive returns the active providers of a channel in fallback order:
// ascending priority, ties broken by identifier.
func (r *GormProviderDetailsRepo) ListActive(ctx context.Context, notificationType domain.NotificationType, international bool) ([]domain.ProviderDetails, error) {
	query := r.db.WithContext(ctx).
		Where("notification_type = ? AND active = ?", notificationType, true)
	if international {
		query = query.Where("supports_international = ?", true)
	}

	var models []ProviderDetailsModel
	if err := query.Order("priority ASC, identifier ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return providerDetailsToDomain(models), nil
}

func (r *GormProviderDetailsRepo) GetByID(ctx context.Context, id string) (*domain.ProviderDetails, error) {
	var model ProviderDetailsModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return providerDetailsModelToDomain(&model), nil
}

// Update applies patch, bumps the version and appends the new version to
// provider_details_history in one transaction.
func (r *GormProviderDetailsRepo) Update(ctx context.Context, id string, patch domain.ProviderDetailsPatch) (*domain.ProviderDetails, error) {
	var updated *domain.ProviderDetails
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ProviderDetailsModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		details := providerDetailsModelToDomain(&model)
		patch.ApplyTo(details)
		if err := details.Validate(); err != nil {
			return err
		}
		details.Version++
		details.UpdatedAt = time.Now().UTC()

		if err := tx.Save(providerDetailsModelFromDomain(details)).Error; err != nil {
			return err
		}
		if err := tx.Create(providerDetailsHistoryFromDomain(details)).Error; err != nil {
			return err
		}
		updated = details
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *GormProviderDetailsRepo) History(ctx context.Context, id string) ([]domain.ProviderDetails, error) {
	var models []ProviderDetailsHistoryModel
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		Order("version ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	history := make([]domain.ProviderDetails, 0, len(models))
	for i := range models {
		history = append(history, *providerDetailsHistoryToDomain(&models[i]))
	}
	return history, nil
}

// Seed inserts d with its first history row unless a provider with the same
// identifier already exists on that channel. Existing rows keep their
// administratively tuned values. It reports whether a row was inserted.
func (r *GormProviderDetailsRepo) Seed(ctx context.Context, d *domain.ProviderDetails) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}

	inserted := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&ProviderDetailsModel{}).
			Where("identifier = ? AND notification_type = ?", d.Identifier, d.NotificationType).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		d.Version = 1
		d.UpdatedAt = time.Now().UTC()
		if err := tx.Create(providerDetailsModelFromDomain(d)).Error; err != nil {
			return err
		}
		if err := tx.Create(providerDetailsHistoryFromDomain(d)).Error; err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func providerDetailsToDomain(models []ProviderDetailsModel) []domain.ProviderDetails {
	details := make([]domain.ProviderDetails, 0, len(models))
	for i := range models {
		details = append(details, *providerDetailsModelToDomain(&models[i]))
	}
	return details
}

func providerDetailsModelFromDomain(d *domain.ProviderDetails) *ProviderDetailsModel {
	return &ProviderDetailsModel{
		ID:                    d.ID,
		Identifier:            d.Identifier,
		DisplayName:           d.DisplayName,
		NotificationType:      d.NotificationType,
		Priority:              d.Priority,
		Active:                d.Active,
		SupportsInternational: d.SupportsInternational,
		LoadBalancingWeight:   d.LoadBalancingWeight,
		Version:               d.Version,
		UpdatedAt:             d.UpdatedAt,
	}
}

func providerDetailsModelToDomain(m *ProviderDetailsModel) *domain.ProviderDetails {
	return &domain.ProviderDetails{
		ID:                    m.ID,
		Identifier:            m.Identifier,
		DisplayName:           m.DisplayName,
		NotificationType:      m.NotificationType,
		Priority:              m.Priority,
		Active:                m.Active,
		SupportsInternational: m.SupportsInternational,
		LoadBalancingWeight:   m.LoadBalancingWeight,
		Version:               m.Version,
		UpdatedAt:             m.UpdatedAt,
	}
}

func providerDetailsHistoryFromDomain(d *domain.ProviderDetails) *ProviderDetailsHistoryModel {
	return &ProviderDetailsHistoryModel{
		ID:                    d.ID,
		Version:               d.Version,
		Identifier:            d.Identifier,
		DisplayName:           d.DisplayName,
		NotificationType:      d.NotificationType,
		Priority:              d.Priority,
		Active:                d.Active,
		SupportsInternational: d.SupportsInternational,
		LoadBalancingWeight:   d.LoadBalancingWeight,
		UpdatedAt:             d.UpdatedAt,
	}
}

func providerDetailsHistoryToDomain(m *ProviderDetailsHistoryModel) *domain.ProviderDetails {
	return &domain.ProviderDetails{
		ID:                    m.ID,
		Identifier:            m.Identifier,
		DisplayName:           m.DisplayName,
		NotificationType:      m.NotificationType,
		Priority:              m.Priority,
		Active:                m.Active,
		SupportsInternational: m.SupportsInternational,
		LoadBalancingWeight:   m.LoadBalancingWeight,
		Version:               m.Version,
		UpdatedAt:             m.UpdatedAt,
	}
}
