package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const statusRecordKeyPrefix = "notification-status-record-"

// StatusRecordGuard remembers which provider callbacks were already applied
// to a notification, so a redelivered callback does not bill twice.
type StatusRecordGuard struct {
	client *goredis.Client
}

func NewStatusRecordGuard(client *goredis.Client) (*StatusRecordGuard, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &StatusRecordGuard{client: client}, nil
}

// StatusRecordKey identifies one raw callback body for a notification.
func StatusRecordKey(notificationID string, body []byte) string {
	sum := sha256.Sum256(body)
	return statusRecordKeyPrefix + notificationID + "-" + hex.EncodeToString(sum[:])
}

// FirstSeen marks body as applied and reports whether it was new.
func (g *StatusRecordGuard) FirstSeen(ctx context.Context, notificationID string, body []byte, ttl time.Duration) (bool, error) {
	if g == nil || g.client == nil {
		return false, fmt.Errorf("status record guard is not initialized")
	}
	if strings.TrimSpace(notificationID) == "" {
		return false, fmt.Errorf("notification id is required")
	}

	fresh, err := g.client.SetNX(ctx, StatusRecordKey(notificationID, body), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark status record: %w", err)
	}
	return fresh, nil
}

// Forget drops the mark so a callback whose update failed can be applied again.
func (g *StatusRecordGuard) Forget(ctx context.Context, notificationID string, body []byte) error {
	if g == nil || g.client == nil {
		return fmt.Errorf("status record guard is not initialized")
	}
	if err := g.client.Del(ctx, StatusRecordKey(notificationID, body)).Err(); err != nil {
		return fmt.Errorf("failed to forget status record: %w", err)
	}
	return nil
}
