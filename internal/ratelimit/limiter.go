package ratelimit

import "context"

// RateLimiter controls send throughput per provider identifier.
type RateLimiter interface {
	Allow(ctx context.Context, provider string) (bool, error)
	Wait(ctx context.Context, provider string) error
}
