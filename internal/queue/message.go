package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

type TaskKind string

const (
	TaskDeliver         TaskKind = "deliver"
	TaskDeliveryStatus  TaskKind = "delivery-status"
	TaskServiceCallback TaskKind = "service-callback"
	TaskStatusEvent     TaskKind = "status-event"
)

func (k TaskKind) IsValid() bool {
	switch k {
	case TaskDeliver, TaskDeliveryStatus, TaskServiceCallback, TaskStatusEvent:
		return true
	default:
		return false
	}
}

// Task is the broker envelope for every unit of asynchronous work.
type Task struct {
	ID            string          `json:"id"`
	Kind          TaskKind        `json:"kind"`
	Attempt       int             `json:"attempt"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
}

func NewTask(kind TaskKind, correlationID string, payload any) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return Task{
		ID:            uuid.NewString(),
		Kind:          kind,
		CorrelationID: correlationID,
		Payload:       raw,
		EnqueuedAt:    time.Now().UTC(),
	}, nil
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task id is required")
	}
	if !t.Kind.IsValid() {
		return fmt.Errorf("invalid task kind %q", t.Kind)
	}
	if len(t.Payload) == 0 {
		return fmt.Errorf("task payload is required")
	}
	if t.Attempt < 0 {
		return fmt.Errorf("task attempt must be >= 0")
	}
	return nil
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", t.Kind, err)
	}
	return nil
}

// DeliverPayload asks the dispatcher to send one notification.
type DeliverPayload struct {
	NotificationID string  `json:"notificationId"`
	SenderID       *string `json:"senderId,omitempty"`
}

// StatusEvent carries a raw provider callback body to the reconciler.
type StatusEvent struct {
	Provider   string    `json:"provider"`
	Body       []byte    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
	// NotificationID is set when the callback URL itself identified the notification.
	NotificationID string `json:"notificationId,omitempty"`
}

// CallbackMessage is one signed delivery-status envelope for a service webhook.
type CallbackMessage struct {
	NotificationID string          `json:"notificationId"`
	CallbackID     string          `json:"callbackId"`
	Envelope       json.RawMessage `json:"envelope"`
}

// StatusChange is published to downstream consumers when a notification with a
// recipient identifier changes status.
type StatusChange struct {
	NotificationID      string        `json:"notificationId"`
	RecipientIdentifier string        `json:"recipientIdentifier"`
	NotificationType    string        `json:"notificationType"`
	Status              domain.Status `json:"status"`
	StatusReason        string        `json:"statusReason,omitempty"`
	SentAt              *time.Time    `json:"sentAt,omitempty"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}
