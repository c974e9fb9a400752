package customfit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// ErrorCategory classifies failures produced by the SDK. Retriable
// categories drive the backoff layer; the rest surface immediately.
type ErrorCategory string

const (
	CategoryNetwork        ErrorCategory = "NETWORK"
	CategoryTimeout        ErrorCategory = "TIMEOUT"
	CategoryValidation     ErrorCategory = "VALIDATION"
	CategoryAuthentication ErrorCategory = "AUTHENTICATION"
	CategoryState          ErrorCategory = "STATE"
	CategorySerialization  ErrorCategory = "SERIALIZATION"
	CategoryInternal       ErrorCategory = "INTERNAL"
	CategoryUnknown        ErrorCategory = "UNKNOWN"
)

// Error is the error type used across the SDK's public boundary.
// It carries a category and, optionally, the underlying cause.
type Error struct {
	Category ErrorCategory
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(category ErrorCategory, format string, args ...interface{}) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...)}
}

func wrapError(category ErrorCategory, cause error, format string, args ...interface{}) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// asError normalizes an arbitrary error into *Error, classifying
// common transport failures on the way.
func asError(err error) *Error {
	if err == nil {
		return nil
	}
	var cfErr *Error
	if errors.As(err, &cfErr) {
		return cfErr
	}
	return wrapError(categoryForError(err), err, "unexpected error")
}

func categoryForError(err error) ErrorCategory {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}
	return CategoryUnknown
}

// categoryForStatus maps a non-2xx HTTP status to an error category.
// 408 and 429 stay retriable; other 4xx statuses do not.
func categoryForStatus(status int) ErrorCategory {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryAuthentication
	case status == http.StatusRequestTimeout:
		return CategoryTimeout
	case status == http.StatusTooManyRequests:
		return CategoryNetwork
	case status >= 500:
		return CategoryNetwork
	case status >= 400:
		return CategoryValidation
	default:
		return CategoryUnknown
	}
}

// retriable reports whether the retry layer may attempt the operation
// again. Only connectivity-shaped failures qualify.
func (e *Error) retriable() bool {
	if e == nil {
		return false
	}
	return e.Category == CategoryNetwork || e.Category == CategoryTimeout
}
