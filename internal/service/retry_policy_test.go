package service

import (
	"testing"
	"time"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

func TestRetryPolicyNextDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		count int64
		pick  func(n int) int
		want  time.Duration
	}{
		{name: "first retry lower bound", count: 1, pick: func(n int) int { return 0 }, want: 54 * time.Second},
		{name: "first retry centre", count: 1, pick: func(n int) int { return n / 2 }, want: 60 * time.Second},
		{name: "first retry upper bound", count: 1, pick: func(n int) int { return n - 1 }, want: 66 * time.Second},
		{name: "second retry lower bound", count: 2, pick: func(n int) int { return 0 }, want: 540 * time.Second},
		{name: "third retry upper bound", count: 3, pick: func(n int) int { return n - 1 }, want: 660 * time.Second},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			policy := NewRetryPolicy(DefaultMaxRetries, DefaultRetryWindow)
			policy.randIntn = tt.pick
			if got := policy.NextDelay(tt.count); got != tt.want {
				t.Fatalf("NextDelay(%d) = %s, want %s", tt.count, got, tt.want)
			}
		})
	}
}

func TestRetryPolicyNextDelayStaysWithinJitter(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(DefaultMaxRetries, DefaultRetryWindow)
	for i := 0; i < 200; i++ {
		if got := policy.NextDelay(1); got < 54*time.Second || got > 66*time.Second {
			t.Fatalf("NextDelay(1) = %s, want within [54s, 66s]", got)
		}
		if got := policy.NextDelay(2); got < 540*time.Second || got > 660*time.Second {
			t.Fatalf("NextDelay(2) = %s, want within [540s, 660s]", got)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	now := testNow
	recent := now.Add(-5 * time.Minute)
	old := now.Add(-16 * time.Minute)
	edge := now.Add(-DefaultRetryWindow)

	tests := []struct {
		name   string
		status domain.Status
		count  int64
		sentAt *time.Time
		want   bool
	}{
		{name: "sent first retry", status: domain.StatusSent, count: 1, sentAt: &recent, want: true},
		{name: "sending last retry", status: domain.StatusSending, count: 3, sentAt: &recent, want: true},
		{name: "window boundary", status: domain.StatusSent, count: 1, sentAt: &edge, want: true},
		{name: "retries exhausted", status: domain.StatusSent, count: 4, sentAt: &recent},
		{name: "counter unavailable", status: domain.StatusSent, count: 0, sentAt: &recent},
		{name: "outside window", status: domain.StatusSent, count: 1, sentAt: &old},
		{name: "never sent", status: domain.StatusSent, count: 1},
		{name: "created", status: domain.StatusCreated, count: 1, sentAt: &recent},
		{name: "already delivered", status: domain.StatusDelivered, count: 1, sentAt: &recent},
	}

	policy := NewRetryPolicy(DefaultMaxRetries, DefaultRetryWindow)
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := policy.ShouldRetry(tt.status, tt.count, tt.sentAt, now); got != tt.want {
				t.Fatalf("ShouldRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(-1, 0)
	if policy.MaxRetries != DefaultMaxRetries || policy.Window != DefaultRetryWindow {
		t.Fatalf("NewRetryPolicy(-1, 0) = %d/%s, want %d/%s", policy.MaxRetries, policy.Window, DefaultMaxRetries, DefaultRetryWindow)
	}
}

func TestRetryPolicyWithinWindow(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(DefaultMaxRetries, DefaultRetryWindow)
	if !policy.WithinWindow(testNow, testNow.Add(DefaultRetryWindow)) {
		t.Fatal("WithinWindow() = false at the window edge, want true")
	}
	if policy.WithinWindow(testNow, testNow.Add(DefaultRetryWindow+time.Second)) {
		t.Fatal("WithinWindow() = true past the window, want false")
	}
}
