// Package lpceerr defines the stable error kinds of spec §7 as a single
// wrapping error type, in the spirit of the teacher pool's flat
// errors.New-style error vars (see vmerrs) but extended with a Kind so
// callers can branch on policy (surface / retry / fatal) without string
// matching.
package lpceerr

import (
	"errors"
	"fmt"
)

// Kind is a stable, wire-compatible identifier (spec §7).
type Kind string

const (
	PoolNotFound                 Kind = "PoolNotFound"
	PoolPaused                   Kind = "PoolPaused"
	AmountBelowMinimum           Kind = "AmountBelowMinimum"
	AmountAboveMaximum           Kind = "AmountAboveMaximum"
	ExposureLimitExceeded        Kind = "ExposureLimitExceeded"
	ReserveRatioViolation        Kind = "ReserveRatioViolation"
	InsufficientEffectiveAvail   Kind = "InsufficientEffectiveAvailable"
	RiskTierMismatch             Kind = "RiskTierMismatch"
	FarmerLimitExceeded          Kind = "FarmerLimitExceeded"
	ConcurrentMutation           Kind = "ConcurrentMutation"
	LockUnavailable              Kind = "LockUnavailable"
	ReservationNotFound          Kind = "ReservationNotFound"
	InvariantViolation           Kind = "InvariantViolation"
	StoreUnavailable             Kind = "StoreUnavailable"
	CacheUnavailable             Kind = "CacheUnavailable"
	ValidationError              Kind = "ValidationError"
	InternalError                Kind = "InternalError"
)

// retryable is the set of kinds spec §7 says the engine should retry
// internally with bounded backoff before surfacing.
var retryable = map[Kind]bool{
	ConcurrentMutation: true,
	LockUnavailable:    true,
}

// fatal is the set of kinds that must abort the enclosing transaction and
// never be retried.
var fatal = map[Kind]bool{
	InvariantViolation: true,
}

// Error is the engine's error type. It always carries a Kind and optionally
// wraps an underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Alternatives carries up to 3 candidate pool ids for PoolNotFound /
	// PoolPaused / ReserveRatioViolation per spec §4.4 step 1.
	Alternatives []Alternative
	// CorrelationID is set for InternalError per spec §7.
	CorrelationID string
}

// Alternative annotates a rejected pool candidate with the constraint that
// disqualified it.
type Alternative struct {
	PoolID             string
	FailingConstraint  string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a bare Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind around an existing cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithAlternatives attaches candidate-pool diagnostics.
func (e *Error) WithAlternatives(alts []Alternative) *Error {
	if len(alts) > 3 {
		alts = alts[:3]
	}
	e.Alternatives = alts
	return e
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the engine should retry the operation that
// produced err internally, per spec §7's caller-policy column.
func IsRetryable(err error) bool {
	return retryable[KindOf(err)]
}

// IsFatal reports whether err must abort the enclosing transaction and page
// on-call rather than be retried or quietly surfaced.
func IsFatal(err error) bool {
	return fatal[KindOf(err)]
}
