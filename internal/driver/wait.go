package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// WaitPolicy bounds a poll-until-ready loop: fixed interval with optional
// jitter, and a hard overall deadline. Every external wait point is
// parameterized by one of these; none may wait forever.
type WaitPolicy struct {
	Interval    time.Duration
	MaxDuration time.Duration
	Jitter      time.Duration
}

// Retryable marks an error as transient so Poll keeps going.
func Retryable(err error) error {
	return retry.RetryableError(err)
}

// Poll runs fn until it succeeds, returns a non-retryable error, or the
// policy's deadline passes. Deadline exhaustion surfaces as a hard error
// wrapping the last failure.
func (p WaitPolicy) Poll(ctx context.Context, fn func(ctx context.Context) error) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	b := retry.NewConstant(interval)
	if p.Jitter > 0 {
		b = retry.WithJitter(p.Jitter, b)
	}
	if p.MaxDuration > 0 {
		b = retry.WithMaxDuration(p.MaxDuration, b)
	}
	if err := retry.Do(ctx, b, fn); err != nil {
		return fmt.Errorf("wait exhausted after %s: %w", p.MaxDuration, err)
	}
	return nil
}
