package datasource

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type ErrorCategory string

const (
	CategoryNetwork  ErrorCategory = "NETWORK"  // Connection issues
	CategoryProtocol ErrorCategory = "PROTOCOL" // Protocol-specific errors
	CategoryIO       ErrorCategory = "IO"       // File system issues
	CategoryResource ErrorCategory = "RESOURCE" // Resource not found, etc.
	CategorySecurity ErrorCategory = "SECURITY" // Auth, permissions, etc.
	CategoryContext  ErrorCategory = "CONTEXT"  // Context cancellation
	CategoryUnknown  ErrorCategory = "UNKNOWN"  // Unclassified errors
)

// Op names the Source operation that failed.
type Op string

const (
	OpOpen  Op = "open"
	OpRead  Op = "read"
	OpClose Op = "close"
)

var (
	ErrInvalidSpec        = errors.New("invalid spec")
	ErrNotOpen            = errors.New("source not open")
	ErrAlreadyOpen        = errors.New("source already open")
	ErrEmptyBuffer        = errors.New("read into empty buffer")
	ErrPositionOutOfRange = errors.New("position out of range")
	ErrResourceNotFound   = errors.New("resource not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrUnsupportedScheme  = errors.New("unsupported uri scheme")
	ErrDuplicateScheme    = errors.New("scheme already registered")
)

// Error is a classified failure of a Source operation.
type Error struct {
	Op         Op
	Category   ErrorCategory
	Transport  string // "file", "http", "s3", ... empty when generic
	Retryable  bool
	Resource   string
	StatusCode int // HTTP status code or protocol equivalent
	Attempts   int // set by the retry layer when recovery is exhausted
	Timestamp  time.Time
	Err        error
}

func (e *Error) Error() string {
	prefix := string(e.Category)
	if e.Transport != "" {
		prefix = e.Transport + ":" + prefix
	}

	msg := fmt.Sprintf("[%s] %s %s", prefix, e.Op, e.Resource)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status: %d)", e.StatusCode)
	}

	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}

	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op Op, category ErrorCategory, err error, resource string, retryable bool) *Error {
	return &Error{
		Op:        op,
		Category:  category,
		Retryable: retryable,
		Timestamp: time.Now(),
		Resource:  resource,
		Err:       err,
	}
}

// NewNetworkError creates a network-related error.
func NewNetworkError(op Op, err error, resource string, retryable bool) *Error {
	return newError(op, CategoryNetwork, err, resource, retryable)
}

// NewIOError creates an I/O error. I/O errors are not retried.
func NewIOError(op Op, err error, resource string) *Error {
	return newError(op, CategoryIO, err, resource, false)
}

// NewContextError creates a cancellation error.
func NewContextError(op Op, err error, resource string) *Error {
	return newError(op, CategoryContext, err, resource, false)
}

// NewResourceError creates an error for a missing or unreadable resource.
func NewResourceError(op Op, err error, resource string) *Error {
	return newError(op, CategoryResource, err, resource, false)
}

// NewHTTPError creates an error carrying an HTTP status code.
func NewHTTPError(op Op, err error, resource string, statusCode int) *Error {
	retryable := false
	category := CategoryProtocol

	switch {
	case statusCode >= 500 && statusCode != 501:
		retryable = true
	case statusCode == 429:
		retryable = true
	case statusCode == 401 || statusCode == 403:
		category = CategorySecurity
	case statusCode >= 400:
		category = CategoryResource
	}

	e := newError(op, category, err, resource, retryable)
	e.Transport = "http"
	e.StatusCode = statusCode

	return e
}

// Classify wraps err for op unless it is already an *Error. Context errors
// become CONTEXT errors and everything else is terminal.
func Classify(op Op, err error, resource string) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewContextError(op, err, resource)
	}

	return newError(op, CategoryUnknown, err, resource, false)
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}

	return false
}

// IsOp reports whether err was raised by op.
func IsOp(err error, op Op) bool {
	var e *Error
	return errors.As(err, &e) && e.Op == op
}

// IsCancellation reports whether err stems from context cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// StatusCode extracts the status code from an error if available.
func StatusCode(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.StatusCode != 0 {
		return e.StatusCode, true
	}

	return 0, false
}

// WithAttempts annotates err with the number of attempts made. The cause
// chain is preserved.
func WithAttempts(err error, attempts int) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		annotated := *e
		annotated.Attempts = attempts

		return &annotated
	}

	annotated := newError("", CategoryUnknown, err, "", false)
	annotated.Attempts = attempts

	return annotated
}

// Attempts returns the attempt count recorded on err, or 0.
func Attempts(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Attempts
	}

	return 0
}
