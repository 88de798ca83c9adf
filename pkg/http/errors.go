package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

var (
	ErrInvalidContentRange = errors.New("invalid Content-Range header")

	ErrTimeout         = errors.New("operation timed out")
	ErrNetworkProblem  = errors.New("network-related error")
	ErrIOProblem       = errors.New("I/O error")
	ErrRequestCreation = errors.New("failed to create request")

	ErrServerProblem         = errors.New("server error (5xx)")
	ErrNotImplemented        = errors.New("not implemented (501)")
	ErrTooManyRequests       = errors.New("too many requests (429)")
	ErrResourceNotFound      = errors.New("resource not found (404)")
	ErrAccessDenied          = errors.New("access denied (403)")
	ErrAuthentication        = errors.New("authentication required (401)")
	ErrGone                  = errors.New("resource gone (410)")
	ErrMethodNotAllowed      = errors.New("method not allowed (405)")
	ErrRangeNotSatisfiable   = errors.New("range not satisfiable (416)")
	ErrClientRequest         = errors.New("client error (4xx)")
	ErrTooManyRedirects      = errors.New("too many redirects")
	ErrCrossProtocolRedirect = errors.New("cross-protocol redirect not allowed")

	ErrUnknown       = errors.New("unknown error")
	ErrUnexpectedEOF = errors.New("unexpected EOF")
)

var retryableErrors = map[error]struct{}{
	ErrNetworkProblem:  {},
	ErrServerProblem:   {},
	ErrTooManyRequests: {},
	ErrTimeout:         {},
	ErrUnexpectedEOF:   {},
}

// StatusError is a response with an error status. It unwraps to the sentinel
// chosen by ClassifyHTTPError.
type StatusError struct {
	Code   int
	Header http.Header
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v (status %d)", e.Err, e.Code)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func newStatusError(resp *http.Response) *StatusError {
	return &StatusError{
		Code:   resp.StatusCode,
		Header: resp.Header.Clone(),
		Err:    ClassifyHTTPError(resp.StatusCode),
	}
}

// ClassifyHTTPError converts an HTTP status code into an appropriate error.
func ClassifyHTTPError(statusCode int) error {
	switch statusCode {
	case http.StatusNotFound:
		return ErrResourceNotFound
	case http.StatusForbidden:
		return ErrAccessDenied
	case http.StatusUnauthorized:
		return ErrAuthentication
	case http.StatusGone:
		return ErrGone
	case http.StatusMethodNotAllowed:
		return ErrMethodNotAllowed
	case http.StatusRequestedRangeNotSatisfiable:
		return ErrRangeNotSatisfiable
	case http.StatusTooManyRequests:
		return ErrTooManyRequests
	case http.StatusNotImplemented:
		return ErrNotImplemented
	default:
		switch {
		case statusCode >= http.StatusInternalServerError:
			return ErrServerProblem
		case statusCode >= http.StatusBadRequest:
			return ErrClientRequest
		default:
			return nil
		}
	}
}

// ClassifyError categorizes a general error into a sentinel error.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, ErrTooManyRedirects) {
		return ErrTooManyRedirects
	}

	if errors.Is(err, ErrCrossProtocolRedirect) {
		return ErrCrossProtocolRedirect
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrUnexpectedEOF
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrTimeout
		}

		return ErrNetworkProblem
	}

	return ErrUnknown
}

// IsRetryable reports whether a classified error is worth another attempt.
func IsRetryable(err error) bool {
	for sentinel := range retryableErrors {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	return false
}
