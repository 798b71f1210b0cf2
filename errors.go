package fetchq

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("fetchq: no store configured")
	ErrStoreClosed = errors.New("fetchq: store closed")

	// Not found errors.
	ErrJobNotFound      = errors.New("fetchq: job not found")
	ErrRuleNotFound     = errors.New("fetchq: rule not found")
	ErrProfileNotFound  = errors.New("fetchq: profile not found")
	ErrEngineNotFound   = errors.New("fetchq: no engine matches source")
	ErrScheduleNotFound = errors.New("fetchq: schedule entry not found")

	// Conflict errors.
	ErrDuplicateJob      = errors.New("fetchq: duplicate job")
	ErrDuplicateSchedule = errors.New("fetchq: duplicate schedule entry")

	// State errors.
	ErrInvalidTransition  = errors.New("fetchq: invalid state transition")
	ErrMaxRetriesExceeded = errors.New("fetchq: max retries exceeded")

	// Rule errors.
	ErrInvalidCondition = errors.New("fetchq: invalid rule condition")
	ErrInvalidAction    = errors.New("fetchq: invalid rule action")

	// Bus errors.
	ErrSubscriptionClosed = errors.New("fetchq: subscription closed")
)
