// Package faults defines the tagged error kinds shared by the resilience layer and crawler.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind classifies an Error. Callers branch on Kind instead of matching message text.
type Kind int

const (
	// KindUnknown is the zero Kind.
	KindUnknown Kind = iota
	// KindCircuitOpen means a circuit breaker rejected the call without running it.
	KindCircuitOpen
	// KindTimeout means an adaptive deadline elapsed before the operation finished.
	KindTimeout
	// KindLockAcquisition means a distributed lock could not be obtained.
	KindLockAcquisition
	// KindValidation means an input field failed validation.
	KindValidation
	// KindRateLimit means a request budget was exhausted.
	KindRateLimit
	// KindPermission means robots.txt (or similar policy) forbids the request.
	KindPermission
	// KindCrawler is a non-transport crawl failure such as an unexpected status.
	KindCrawler
	// KindNetwork is a transport failure.
	KindNetwork
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindCircuitOpen:     "circuit_open",
	KindTimeout:         "timeout",
	KindLockAcquisition: "lock_acquisition",
	KindValidation:      "validation",
	KindRateLimit:       "rate_limit",
	KindPermission:      "permission",
	KindCrawler:         "crawler",
	KindNetwork:         "network",
}

// String returns the snake_case name used in logs and metrics labels.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is. Any *Error matches the sentinel of its Kind.
var (
	ErrCircuitOpen     = &Error{Kind: KindCircuitOpen}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrLockAcquisition = &Error{Kind: KindLockAcquisition}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrRateLimit       = &Error{Kind: KindRateLimit}
	ErrPermission      = &Error{Kind: KindPermission}
	ErrCrawler         = &Error{Kind: KindCrawler}
	ErrNetwork         = &Error{Kind: KindNetwork}
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the operation or resource involved (breaker name, lock key, URL).
	Op string
	// Field is set for validation errors.
	Field string
	// RetryAfter is set for rate limit errors when the window expiry is known.
	RetryAfter time.Duration
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" [")
		b.WriteString(e.Op)
		b.WriteString("]")
	}
	if e.Field != "" {
		b.WriteString(" field=")
		b.WriteString(e.Field)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies cause under kind. A nil cause yields nil.
func Wrap(kind Kind, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Validation reports an invalid field.
func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

// RateLimited reports an exhausted budget with an optional retry hint.
func RateLimited(op string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Op: op, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RetryAfter extracts the retry hint from a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimit && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// IsRetryable reports whether err is worth another attempt.
// Timeouts, rate limits, network and generic crawl failures are retryable;
// permission, validation, lock and open-circuit failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindTimeout, KindRateLimit, KindNetwork, KindCrawler:
		return true
	case KindPermission, KindValidation, KindLockAcquisition, KindCircuitOpen:
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
