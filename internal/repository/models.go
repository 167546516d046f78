package repository

import (
	"time"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID                  string                  `gorm:"type:uuid;primaryKey"`
	ServiceID           string                  `gorm:"type:uuid;not null"`
	TemplateID          string                  `gorm:"type:uuid;not null"`
	TemplateVersion     int                     `gorm:"not null;default:1"`
	NotificationType    domain.NotificationType `gorm:"type:varchar(10);not null"`
	Status              domain.Status           `gorm:"type:varchar(20);not null"`
	StatusReason        *string                 `gorm:"type:varchar(255)"`
	To                  string                  `gorm:"column:to;type:varchar(255);not null"`
	Reference           *string                 `gorm:"type:varchar(255)"`
	SentBy              *string                 `gorm:"type:varchar(50)"`
	SentAt              *time.Time              `gorm:"type:timestamptz"`
	BillableUnits       int                     `gorm:"not null;default:0"`
	SegmentsCount       int                     `gorm:"not null;default:0"`
	CostInMillicents    float64                 `gorm:"not null;default:0"`
	ProviderResponse    *string                 `gorm:"type:text"`
	SmsSenderID         *string                 `gorm:"type:uuid"`
	ReplyToText         *string                 `gorm:"type:varchar(255)"`
	ClientReference     *string                 `gorm:"type:varchar(255)"`
	KeyType             domain.KeyType          `gorm:"type:varchar(10);not null;default:normal"`
	International       bool                    `gorm:"not null;default:false"`
	RecipientIdentifier *string                 `gorm:"type:varchar(255)"`
	Carrier             *string                 `gorm:"type:varchar(255)"`
	CountryCode         *string                 `gorm:"type:varchar(10)"`
	MessageEncoding     *string                 `gorm:"type:varchar(20)"`
	Personalisation     *string                 `gorm:"type:text"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// ProviderDetailsModel is the persistence model for provider_details.
type ProviderDetailsModel struct {
	ID                    string                  `gorm:"type:uuid;primaryKey"`
	Identifier            string                  `gorm:"type:varchar(50);not null"`
	DisplayName           string                  `gorm:"type:varchar(255);not null"`
	NotificationType      domain.NotificationType `gorm:"type:varchar(10);not null"`
	Priority              int                     `gorm:"not null"`
	Active                bool                    `gorm:"not null;default:false"`
	SupportsInternational bool                    `gorm:"not null;default:false"`
	LoadBalancingWeight   int                     `gorm:"not null;default:0"`
	Version               int                     `gorm:"not null;default:1"`
	UpdatedAt             time.Time
}

func (ProviderDetailsModel) TableName() string {
	return "provider_details"
}

// ProviderDetailsHistoryModel is one immutable snapshot per provider_details version.
type ProviderDetailsHistoryModel struct {
	ID                    string                  `gorm:"type:uuid;primaryKey"`
	Version               int                     `gorm:"primaryKey"`
	Identifier            string                  `gorm:"type:varchar(50);not null"`
	DisplayName           string                  `gorm:"type:varchar(255);not null"`
	NotificationType      domain.NotificationType `gorm:"type:varchar(10);not null"`
	Priority              int                     `gorm:"not null"`
	Active                bool                    `gorm:"not null"`
	SupportsInternational bool                    `gorm:"not null"`
	LoadBalancingWeight   int                     `gorm:"not null"`
	UpdatedAt             time.Time
}

func (ProviderDetailsHistoryModel) TableName() string {
	return "provider_details_history"
}

type ServiceModel struct {
	ID               string  `gorm:"type:uuid;primaryKey"`
	Name             string  `gorm:"type:varchar(255);not null"`
	ResearchMode     bool    `gorm:"not null;default:false"`
	SmsProviderID    *string `gorm:"type:uuid"`
	EmailProviderID  *string `gorm:"type:uuid"`
	DefaultSmsSender *string `gorm:"type:varchar(255)"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (ServiceModel) TableName() string {
	return "services"
}

type TemplateModel struct {
	ID           string                  `gorm:"type:uuid;primaryKey"`
	Version      int                     `gorm:"primaryKey"`
	ServiceID    string                  `gorm:"type:uuid;not null"`
	TemplateType domain.NotificationType `gorm:"type:varchar(10);not null"`
	Subject      string                  `gorm:"type:text"`
	Content      string                  `gorm:"type:text;not null"`
	ProviderID   *string                 `gorm:"type:uuid"`
	CreatedAt    time.Time
}

func (TemplateModel) TableName() string {
	return "templates"
}

type ServiceSmsSenderModel struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	ServiceID string `gorm:"type:uuid;not null"`
	SmsSender string `gorm:"type:varchar(255);not null"`
	CreatedAt time.Time
}

func (ServiceSmsSenderModel) TableName() string {
	return "service_sms_senders"
}

// ServiceCallbackModel stores NotificationStatuses comma-joined and BearerToken
// as base64 secretbox ciphertext.
type ServiceCallbackModel struct {
	ID                     string              `gorm:"type:uuid;primaryKey"`
	ServiceID              string              `gorm:"type:uuid;not null"`
	URL                    string              `gorm:"type:varchar(2048);not null"`
	BearerToken            string              `gorm:"type:text;not null"`
	CallbackChannel        string              `gorm:"type:varchar(20);not null;default:webhook"`
	CallbackType           domain.CallbackType `gorm:"type:varchar(20);not null"`
	NotificationStatuses   string              `gorm:"type:text"`
	IncludeProviderPayload bool                `gorm:"not null;default:false"`
	Suspended              bool                `gorm:"not null;default:false"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (ServiceCallbackModel) TableName() string {
	return "service_callbacks"
}
