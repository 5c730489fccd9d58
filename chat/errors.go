package chat

import (
	"errors"
	"fmt"
)

// ErrorKind tags the failure class of a generation. The store persists
// the flat string form for backward compatibility with existing
// readers; the kind only exists in memory.
type ErrorKind string

const (
	ErrUnauthorized   ErrorKind = "unauthorized"
	ErrNotFound       ErrorKind = "not_found"
	ErrModelNotFound  ErrorKind = "model_not_found"
	ErrQuotaExceeded  ErrorKind = "quota_exceeded"
	ErrProviderCall   ErrorKind = "provider_call_failed"
	ErrCancelled      ErrorKind = "cancelled"
	ErrReconciliation ErrorKind = "reconciliation_degraded"
	ErrInternal       ErrorKind = "internal"
)

// GenError is a classified generation failure. Detail is the
// user-facing text written to the message's error field.
type GenError struct {
	Kind   ErrorKind
	Detail string
	cause  error
}

func Errorf(kind ErrorKind, format string, args ...any) *GenError {
	return &GenError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error without losing it.
func WrapError(kind ErrorKind, detail string, cause error) *GenError {
	return &GenError{Kind: kind, Detail: detail, cause: cause}
}

func (e *GenError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *GenError) Unwrap() error { return e.cause }

// Persisted returns the string written to the stored message. Kept
// flat on purpose, see the taxonomy note above.
func (e *GenError) Persisted() string { return e.Detail }

// KindOf extracts the error kind, defaulting to ErrInternal for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var ge *GenError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ErrInternal
}
