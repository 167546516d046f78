package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"gorm.io/gorm"
)

type ListParams struct {
	ServiceID *string
	Status    *domain.Status
	Type      *domain.NotificationType
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	GetByReference(ctx context.Context, reference string) (*domain.Notification, error)
	List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error)
	MarkSent(ctx context.Context, id string, upd domain.SentUpdate) error
	UpdateStatus(ctx context.Context, id string, from, to domain.Status, reason *string) error
	ApplyStatusUpdate(ctx context.Context, id string, upd domain.StatusUpdate) (bool, error)
	ResetForRetry(ctx context.Context, id string, costDelta float64, segments *int) error
	UpdateBillableUnits(ctx context.Context, id string, units int) error
	ListStaleCreated(ctx context.Context, idleSince time.Time, limit int) ([]domain.Notification, error)
	TouchCreated(ctx context.Context, id string) error
}

type GormNotificationRepo struct {
	db *gorm.DB
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db}
}

func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	model := notificationModelFromDomain(n)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if n != nil {
		*n = *notificationModelToDomain(model)
	}
	return nil
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

// GetByReference finds the notification a provider reference was issued for.
// References are cleared on carrier retry, so a late callback for an earlier
// attempt resolves to ErrNotFound.
func (r *GormNotificationRepo) GetByReference(ctx context.Context, reference string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).
		Where("reference = ?", reference).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationRepo) List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error) {
	query := r.db.WithContext(ctx).Model(&NotificationModel{})

	if params.ServiceID != nil {
		query = query.Where("service_id = ?", *params.ServiceID)
	}
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Type != nil {
		query = query.Where("notification_type = ?", *params.Type)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []NotificationModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return notificationsToDomain(models), total, nil
}

// MarkSent records the provider hand-off. Only a created notification can be
// marked, which keeps a redelivered task from overwriting a newer reference.
// sent_at keeps the first hand-off so a resend does not restart the retry window.
func (r *GormNotificationRepo) MarkSent(ctx context.Context, id string, upd domain.SentUpdate) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusCreated).
		Updates(map[string]any{
			"status":         upd.Status,
			"reference":      upd.Reference,
			"sent_by":        upd.SentBy,
			"sent_at":        gorm.Expr("COALESCE(sent_at, ?)", upd.SentAt),
			"billable_units": upd.BillableUnits,
			"status_reason":  nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormNotificationRepo) UpdateStatus(ctx context.Context, id string, from, to domain.Status, reason *string) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{
			"status":        to,
			"status_reason": reason,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// ApplyStatusUpdate writes a provider status onto an in-flight notification.
// It reports false when the row had already left the in-flight states, which
// happens when a concurrent callback won the race.
func (r *GormNotificationRepo) ApplyStatusUpdate(ctx context.Context, id string, upd domain.StatusUpdate) (bool, error) {
	updates := map[string]any{
		"status":        upd.Status,
		"status_reason": upd.StatusReason,
	}
	if upd.Status == domain.StatusDelivered {
		updates["status_reason"] = nil
	}
	if upd.CostDelta != 0 {
		updates["cost_in_millicents"] = gorm.Expr("cost_in_millicents + ?", upd.CostDelta)
	}
	if upd.SegmentsCount != nil {
		updates["segments_count"] = *upd.SegmentsCount
	}
	if upd.Carrier != nil {
		updates["carrier"] = *upd.Carrier
	}
	if upd.CountryCode != nil {
		updates["country_code"] = *upd.CountryCode
	}
	if upd.MessageEncoding != nil {
		updates["message_encoding"] = *upd.MessageEncoding
	}
	if upd.ProviderResponse != nil {
		updates["provider_response"] = *upd.ProviderResponse
	}

	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status IN ?", id, domain.InFlightStatuses()).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormNotificationRepo) ResetForRetry(ctx context.Context, id string, costDelta float64, segments *int) error {
	updates := map[string]any{
		"status":             domain.StatusCreated,
		"status_reason":      nil,
		"reference":          nil,
		"cost_in_millicents": gorm.Expr("cost_in_millicents + ?", costDelta),
	}
	if segments != nil {
		updates["segments_count"] = *segments
	}

	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status IN ?", id, domain.InFlightStatuses()).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormNotificationRepo) UpdateBillableUnits(ctx context.Context, id string, units int) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ?", id).
		Update("billable_units", units)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListStaleCreated returns created notifications untouched since idleSince,
// least recently updated first.
func (r *GormNotificationRepo) ListStaleCreated(ctx context.Context, idleSince time.Time, limit int) ([]domain.Notification, error) {
	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at <= ?", domain.StatusCreated, idleSince).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return notificationsToDomain(models), nil
}

// TouchCreated bumps updated_at of a created notification so the next stale
// scan does not pick it up again.
func (r *GormNotificationRepo) TouchCreated(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusCreated).
		Update("updated_at", time.Now().UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func notificationsToDomain(models []NotificationModel) []domain.Notification {
	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}
	return notifications
}

func notificationModelFromDomain(n *domain.Notification) *NotificationModel {
	if n == nil {
		return nil
	}

	return &NotificationModel{
		ID:                  n.ID,
		ServiceID:           n.ServiceID,
		TemplateID:          n.TemplateID,
		TemplateVersion:     n.TemplateVersion,
		NotificationType:    n.Type,
		Status:              n.Status,
		StatusReason:        n.StatusReason,
		To:                  n.To,
		Reference:           n.Reference,
		SentBy:              n.SentBy,
		SentAt:              n.SentAt,
		BillableUnits:       n.BillableUnits,
		SegmentsCount:       n.SegmentsCount,
		CostInMillicents:    n.CostInMillicents,
		ProviderResponse:    n.ProviderResponse,
		SmsSenderID:         n.SmsSenderID,
		ReplyToText:         n.ReplyToText,
		ClientReference:     n.ClientReference,
		KeyType:             n.KeyType,
		International:       n.International,
		RecipientIdentifier: n.RecipientIdentifier,
		Carrier:             n.Carrier,
		CountryCode:         n.CountryCode,
		MessageEncoding:     n.MessageEncoding,
		Personalisation:     encodePersonalisation(n.Personalisation),
		CreatedAt:           n.CreatedAt,
		UpdatedAt:           n.UpdatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	return &domain.Notification{
		ID:                  m.ID,
		ServiceID:           m.ServiceID,
		TemplateID:          m.TemplateID,
		TemplateVersion:     m.TemplateVersion,
		Type:                m.NotificationType,
		Status:              m.Status,
		StatusReason:        m.StatusReason,
		To:                  m.To,
		Reference:           m.Reference,
		SentBy:              m.SentBy,
		SentAt:              m.SentAt,
		BillableUnits:       m.BillableUnits,
		SegmentsCount:       m.SegmentsCount,
		CostInMillicents:    m.CostInMillicents,
		ProviderResponse:    m.ProviderResponse,
		SmsSenderID:         m.SmsSenderID,
		ReplyToText:         m.ReplyToText,
		ClientReference:     m.ClientReference,
		KeyType:             m.KeyType,
		International:       m.International,
		RecipientIdentifier: m.RecipientIdentifier,
		Carrier:             m.Carrier,
		CountryCode:         m.CountryCode,
		MessageEncoding:     m.MessageEncoding,
		Personalisation:     decodePersonalisation(m.Personalisation),
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func encodePersonalisation(values map[string]string) *string {
	if len(values) == 0 {
		return nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	encoded := string(raw)
	return &encoded
}

func decodePersonalisation(raw *string) map[string]string {
	if raw == nil || *raw == "" {
		return nil
	}
	var values map[string]string
	if err := json.Unmarshal([]byte(*raw), &values); err != nil {
		return nil
	}
	return values
}
