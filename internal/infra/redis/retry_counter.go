package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const retryCounterKeyPrefix = "notification-carrier-sms-retry-count-"

// The expiry is set only by the increment that creates the key, so the window
// starts at the first retry and later increments do not extend it.
var incrementScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RetryCounter counts carrier retries per notification.
type RetryCounter struct {
	client *goredis.Client
	script *goredis.Script
}

func NewRetryCounter(client *goredis.Client) (*RetryCounter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RetryCounter{client: client, script: incrementScript}, nil
}

func RetryCounterKey(notificationID string) string {
	return retryCounterKeyPrefix + notificationID
}

// Increment atomically bumps the counter and returns the new value.
func (c *RetryCounter) Increment(ctx context.Context, notificationID string, ttl time.Duration) (int64, error) {
	if c == nil || c.client == nil {
		return 0, fmt.Errorf("retry counter is not initialized")
	}
	if strings.TrimSpace(notificationID) == "" {
		return 0, fmt.Errorf("notification id is required")
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("retry counter ttl must be positive")
	}

	count, err := c.script.Run(ctx, c.client, []string{RetryCounterKey(notificationID)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry counter: %w", err)
	}
	return count, nil
}

// Reset removes the counter once a notification reaches a final state.
func (c *RetryCounter) Reset(ctx context.Context, notificationID string) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("retry counter is not initialized")
	}
	if err := c.client.Del(ctx, RetryCounterKey(notificationID)).Err(); err != nil {
		return fmt.Errorf("failed to reset retry counter: %w", err)
	}
	return nil
}
