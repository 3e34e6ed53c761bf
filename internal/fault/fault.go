// Package fault classifies failures from external collaborators so callers can
// decide whether to retry, fall back or give up.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the failure class of an error.
type Kind int

const (
	// Terminal failures are surfaced immediately and never retried.
	Terminal Kind = iota
	// Retryable failures are rate limits and transient network errors.
	Retryable
	// Configuration failures mean required settings are missing.
	Configuration
	// PartialDelivery means some parts of a message were sent and some were not.
	PartialDelivery
	// CapabilityUnavailable means the UI automation surface is not permitted.
	CapabilityUnavailable
)

func (k Kind) String() string {
	switch k {
	case Retryable:
		return "retryable_external"
	case Configuration:
		return "configuration"
	case PartialDelivery:
		return "partial_delivery"
	case CapabilityUnavailable:
		return "capability_unavailable"
	default:
		return "terminal_external"
	}
}

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Retry marks err as retryable.
func Retry(op string, err error) error {
	return New(Retryable, op, err)
}

// Fatal marks err as terminal.
func Fatal(op string, err error) error {
	return New(Terminal, op, err)
}

// Config reports a missing or invalid setting.
func Config(op, format string, args ...any) error {
	return New(Configuration, op, fmt.Errorf(format, args...))
}

// KindOf returns the class of err. Errors that carry no classification are
// terminal, except context deadlines and network timeouts which are retryable.
func KindOf(err error) Kind {
	if err == nil {
		return Terminal
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Retryable
	}

	return Terminal
}

// IsRetryable reports whether err should be retried by a backoff executor.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == Retryable
}
