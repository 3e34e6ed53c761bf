// Package backoff retries calls to external collaborators with exponential delays.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shineum/mail2chat/internal/fault"
)

const (
	// DefaultMaxAttempts is the attempt budget used when a Policy leaves it unset.
	DefaultMaxAttempts = 5

	// DefaultBaseDelay is the delay unit used when a Policy leaves it unset.
	DefaultBaseDelay = time.Minute
)

// ErrExhausted is matched by errors.Is when every attempt failed retryably.
var ErrExhausted = errors.New("retries exhausted")

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy is the attempt budget and delay unit of an Executor.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Delay returns the wait after the given zero-based failed attempt:
// BaseDelay * 2^attempt.
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	return p
}

// ExhaustedError is returned when the attempt budget ran out on retryable failures.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// Executor runs an operation until it succeeds, fails terminally or uses up
// its attempts. Only the calling goroutine sleeps between attempts.
type Executor struct {
	policy Policy
	sleep  Sleeper
}

// New creates an Executor with the given policy and a real-time sleeper.
func New(p Policy) *Executor {
	return &Executor{policy: p.withDefaults(), sleep: SleepWithContext}
}

// NewWithSleeper creates an Executor with a custom sleeper, used for testing.
func NewWithSleeper(p Policy, sleep Sleeper) *Executor {
	return &Executor{policy: p.withDefaults(), sleep: sleep}
}

// Policy returns the effective policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do calls fn until it returns nil or a non-retryable error, sleeping
// Policy.Delay(attempt) after each retryable failure except the last.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying operation",
				"op", op,
				"attempt", attempt+1,
				"max_attempts", e.policy.MaxAttempts,
			)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !fault.IsRetryable(err) {
			return err
		}

		if attempt == e.policy.MaxAttempts-1 {
			break
		}

		delay := e.policy.Delay(attempt)
		slog.Info("retryable failure, backing off",
			"op", op,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if err := e.sleep(ctx, delay); err != nil {
			return fault.Fatal(op, fmt.Errorf("context cancelled during retry wait: %w", err))
		}
	}

	return &ExhaustedError{Op: op, Attempts: e.policy.MaxAttempts, Err: lastErr}
}

// SleepWithContext waits for the specified duration or until the context is cancelled.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
