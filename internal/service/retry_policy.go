package service

import (
	"math/rand"
	"time"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

const (
	DefaultMaxRetries  = 3
	DefaultRetryWindow = 15 * time.Minute

	firstRetryDelay = 60 * time.Second
	laterRetryDelay = 600 * time.Second
	// jitter is ±1/retryJitterDivisor of the base delay
	retryJitterDivisor = 10
)

// RetryPolicy decides whether a notification gets another send attempt and
// how long to wait before it.
type RetryPolicy struct {
	MaxRetries int
	Window     time.Duration
	randIntn   func(n int) int
}

func NewRetryPolicy(maxRetries int, window time.Duration) *RetryPolicy {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if window <= 0 {
		window = DefaultRetryWindow
	}
	return &RetryPolicy{
		MaxRetries: maxRetries,
		Window:     window,
		randIntn:   rand.Intn,
	}
}

// ShouldRetry applies the policy's limits to ShouldRetry.
func (p *RetryPolicy) ShouldRetry(status domain.Status, count int64, sentAt *time.Time, now time.Time) bool {
	return ShouldRetry(status, count, p.MaxRetries, sentAt, p.Window, now)
}

// ShouldRetry reports whether a notification is still eligible for a retry:
// it must be in flight, count must be within 1..maxRetries and the first send
// must be no older than window.
func ShouldRetry(status domain.Status, count int64, maxRetries int, sentAt *time.Time, window time.Duration, now time.Time) bool {
	if status != domain.StatusSending && status != domain.StatusSent {
		return false
	}
	if count < 1 || count > int64(maxRetries) {
		return false
	}
	if sentAt == nil {
		return false
	}
	return withinWindow(*sentAt, window, now)
}

// WithinWindow reports whether a retry window that opened at anchor is still open.
func (p *RetryPolicy) WithinWindow(anchor, now time.Time) bool {
	return withinWindow(anchor, p.Window, now)
}

func withinWindow(anchor time.Time, window time.Duration, now time.Time) bool {
	return now.Sub(anchor) <= window
}

// NextDelay returns the delay before retry number count: 60s for the first
// retry and 600s for every later one, each with ±10% uniform jitter.
func (p *RetryPolicy) NextDelay(count int64) time.Duration {
	base := firstRetryDelay
	if count >= 2 {
		base = laterRetryDelay
	}

	jitter := int(base.Milliseconds() / retryJitterDivisor)
	randIntn := p.randIntn
	if randIntn == nil {
		randIntn = rand.Intn
	}
	offset := randIntn(2*jitter+1) - jitter
	return base + time.Duration(offset)*time.Millisecond
}
