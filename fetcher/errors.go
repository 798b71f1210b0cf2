package fetcher

import (
	"context"
	"errors"
	"fmt"
)

// Class partitions fetch failures by whether retrying can help.
type Class int

const (
	// ClassTransient failures (network resets, timeouts, rate limits)
	// re-enter the retry path.
	ClassTransient Class = iota
	// ClassPermanent failures (removed content, unsupported URL,
	// authentication walls) fail the job immediately.
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Error wraps an engine failure with its retry classification.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &Error{Class: ClassTransient, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(op string, err error) error {
	return &Error{Class: ClassPermanent, Op: op, Err: err}
}

// Classify returns the retry class of err. Unwrapped errors default to
// transient: an engine that does not classify its failures gets the
// retry budget, not an instant terminal failure. Context cancellation
// is permanent — the caller asked for the stop.
func Classify(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	return ClassTransient
}
