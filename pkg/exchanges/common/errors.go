package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Kind classifies a venue error for retry and control-flow decisions.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient covers network failures and venue 5xx responses.
	KindTransient
	// KindRateLimit is a venue throttle response.
	KindRateLimit
	// KindExpectedAbsence is an order or position that is already gone.
	KindExpectedAbsence
	// KindValidation is a request the venue refuses as malformed or out of range.
	KindValidation
	// KindNotModified means the requested state already holds.
	KindNotModified
	// KindRejected is a well-formed request the venue declined (margin, reduce-only, ...).
	KindRejected
	// KindAuth is a key or signature problem.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate_limit"
	case KindExpectedAbsence:
		return "expected_absence"
	case KindValidation:
		return "validation"
	case KindNotModified:
		return "not_modified"
	case KindRejected:
		return "rejected"
	case KindAuth:
		return "auth"
	}
	return "unknown"
}

// Error is the typed error every venue adapter returns.
type Error struct {
	Kind  Kind
	Venue string
	Op    string
	Code  int64
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	s := e.Venue
	if e.Op != "" {
		s += " " + e.Op
	}
	s += ": " + e.Kind.String()
	if e.Code != 0 {
		s += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed venue error.
func NewError(kind Kind, venue, op string, err error) *Error {
	return &Error{Kind: kind, Venue: venue, Op: op, Err: err}
}

// Errorf builds a typed venue error with a formatted message.
func Errorf(kind Kind, venue, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Venue: venue, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the classification of err. Untyped network failures are
// reported as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindUnknown
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return KindTransient
	}
	return KindUnknown
}

// IsRetryable reports whether the call may succeed if repeated later.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindRateLimit
}

func IsRateLimit(err error) bool       { return KindOf(err) == KindRateLimit }
func IsExpectedAbsence(err error) bool { return KindOf(err) == KindExpectedAbsence }
func IsNotModified(err error) bool     { return KindOf(err) == KindNotModified }
func IsValidation(err error) bool      { return KindOf(err) == KindValidation }

// RetryExhaustedError is returned when every attempt failed with a retryable error.
type RetryExhaustedError struct {
	Op       string
	Attempts int
	Cause    error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Op, e.Attempts, e.Cause)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Cause }
