package model

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable machine-readable code from the orchestration error
// taxonomy. Codes end up in task error_code columns and API responses.
type ErrorCode string

const (
	CodeValidation           ErrorCode = "validation"
	CodeMapping              ErrorCode = "mapping"
	CodePlaybookMissing      ErrorCode = "playbook_missing"
	CodeRequiredParamMissing ErrorCode = "required_param_missing"
	CodeTransport            ErrorCode = "transport"
	CodeInstanceUpdateFailed ErrorCode = "instance_update_failed"
	CodeCancelled            ErrorCode = "cancelled"
	CodeWorkerDisappeared    ErrorCode = "worker_disappeared"
)

// Error is a structured orchestration error carrying a taxonomy code.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a taxonomy error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a taxonomy code to an underlying error.
func WrapError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the taxonomy code from err, or empty when err carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
