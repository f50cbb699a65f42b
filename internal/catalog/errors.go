package catalog

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

const (
	CodeUnavailable = "E_CATALOG_UNAVAILABLE"
	CodeTimeout     = "E_TIMEOUT"
	CodeAuthInvalid = "E_AUTH_INVALID"
	CodeSchema      = "E_SCHEMA"
	CodeQuery       = "E_QUERY_FAILED"
	CodeDecode      = "E_DECODE_FAILED"
)

// Error wraps catalog failures with retryability hints.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

func wrapError(code string, retryable bool, err error) *Error {
	return &Error{Code: code, Retryable: retryable, Err: err}
}

// Transient marks err as retryable.
func Transient(err error) error { return wrapError(CodeUnavailable, true, err) }

// Fatal marks err as not retryable.
func Fatal(err error) error { return wrapError(CodeQuery, false, err) }

// IsRetryable reports whether err, or anything it wraps, is a retryable *Error.
func IsRetryable(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Retryable
}

// Classify turns a driver error into an *Error. Cancellation is returned
// unchanged so callers stop instead of retrying.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wrapError(CodeTimeout, true, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "40":
			// connection, resources, operator intervention, serialization
			return wrapError(CodeUnavailable, true, err)
		case "28":
			return wrapError(CodeAuthInvalid, false, err)
		case "42", "3F":
			return wrapError(CodeSchema, false, err)
		}
		return wrapError(CodeQuery, false, err)
	}
	if errors.Is(err, driver.ErrBadConn) {
		return wrapError(CodeUnavailable, true, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return wrapError(CodeTimeout, true, err)
		}
		return wrapError(CodeUnavailable, true, err)
	}
	return wrapError(CodeQuery, false, err)
}
