package common

import (
	"errors"
	"fmt"
)

// Error codes used across the storage service. Adapters translate
// backend-specific failures into these before they reach the core.
const (
	ErrBackendUnavailable   = "backend_unavailable"
	ErrNotFound             = "not_found"
	ErrPermissionDenied     = "permission_denied"
	ErrChecksumMismatch     = "checksum_mismatch"
	ErrQuotaExceeded        = "quota_exceeded"
	ErrNoLocationConfigured = "no_location_configured"
	ErrLocationDisabled     = "location_disabled"
	ErrAmbiguousLocation    = "ambiguous_location"
	ErrDuplicateRequest     = "duplicate_request"
	ErrAlreadyDecided       = "already_decided"
	ErrTimeout              = "timeout"
	ErrInvalidParameters    = "invalid_parameters"
	ErrInternal             = "internal_error"
)

/*Error type for a new application error */
type Error struct {
	Code       string `json:"code,omitempty"`
	Msg        string `json:"msg"`
	StatusCode int    `json:"status_code,omitempty"`
}

func (err *Error) Error() string {
	return fmt.Sprintf("%s: %s", err.Code, err.Msg)
}

/*NewError - create a new error */
func NewError(code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

/*NewErrorf - create a new error with format */
func NewErrorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// ErrorCode returns the application error code of err, or empty string if err
// carries none.
func ErrorCode(err error) string {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return ""
}

// IsError reports whether err carries the given application error code.
func IsError(err error, code string) bool {
	return ErrorCode(err) == code
}

/*InvalidRequest - create error messages that are needed when validating request input */
func InvalidRequest(msg string) error {
	return NewError("invalid_request", fmt.Sprintf("Invalid request (%v)", msg))
}
