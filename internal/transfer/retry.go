package transfer

import (
	"context"
	"errors"
	"time"
)

// ErrRetryAborted is returned by RetryPolicy.Wait when the task was cancelled during backoff.
var ErrRetryAborted = errors.New("retry aborted")

const (
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = 60 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// RetryPolicy decides whether a failed task is retried and after which delay.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PollInterval time.Duration
}

// Decision is the outcome of RetryPolicy.Decide.
type Decision struct {
	Retry    bool
	Delay    time.Duration
	Attempts int
	Class    Classification
}

// DefaultRetryPolicy returns a policy with three attempts and a one second base delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  DefaultMaxAttempts,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		PollInterval: DefaultPollInterval,
	}
}

// Backoff returns base × 2^(attempt−1), capped at MaxDelay when one is set.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}

	return delay
}

// Decide consumes one attempt for a retryable error. Fatal errors leave the attempt count untouched.
func (p RetryPolicy) Decide(state RetryState, err error) Decision {
	class := Classify(err)
	if class != ClassRetryable {
		return Decision{Attempts: state.Attempts, Class: class}
	}

	attempts := state.Attempts + 1
	if attempts > p.MaxAttempts {
		return Decision{Attempts: attempts, Class: class}
	}

	return Decision{
		Retry:    true,
		Delay:    p.Backoff(attempts),
		Attempts: attempts,
		Class:    class,
	}
}

// Wait sleeps for delay, checking cancelled every PollInterval.
// It returns ErrRetryAborted as soon as cancelled reports true, or ctx.Err() when ctx ends.
func (p RetryPolicy) Wait(ctx context.Context, delay time.Duration, cancelled func() bool) error {
	poll := p.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	deadline := time.NewTimer(delay)
	defer deadline.Stop()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if cancelled != nil && cancelled() {
			return ErrRetryAborted
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if cancelled != nil && cancelled() {
				return ErrRetryAborted
			}

			return nil
		case <-ticker.C:
		}
	}
}
