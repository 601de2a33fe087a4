package connector

import (
	"errors"
	"fmt"
)

// Kind classifies an invocation failure. The dispatcher retries only
// transient kinds; everything else fails the node on first occurrence.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindMissingConnection Kind = "missing_connection"
	KindAuthExpired       Kind = "auth_expired"
	KindRateLimited       Kind = "rate_limited"
	KindNetworkTimeout    Kind = "network_timeout"
	KindProviderServer    Kind = "provider_5xx"
	KindProviderRequest   Kind = "provider_4xx"
	KindRefUnresolved     Kind = "ref_unresolved"
	KindInternal          Kind = "fatal_internal"
)

// Error is a classified invocation failure
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindNetworkTimeout, KindProviderServer:
		return true
	default:
		return false
	}
}

// NewError builds a classified failure
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Errorf builds a classified failure from a format string
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classification from any error chain.
// Unclassified errors count as fatal_internal.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsRetryable reports whether any error in the chain is transient
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}
