package queue

import (
	"errors"
	"fmt"
	"time"
)

// ErrDrop marks a task that must be acknowledged without further work.
var ErrDrop = errors.New("task dropped")

// RetryError asks the consumer to republish the task after Delay.
type RetryError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("retry in %s", e.Delay)
	}
	return fmt.Sprintf("retry in %s: %v", e.Delay, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

func Retry(err error, delay time.Duration) error {
	return &RetryError{Err: err, Delay: delay}
}

// Drop wraps err so the consumer acknowledges the task and logs the cause.
func Drop(err error) error {
	if err == nil {
		return ErrDrop
	}
	return fmt.Errorf("%w: %w", ErrDrop, err)
}
