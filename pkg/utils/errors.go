package utils

import (
	"errors"
	"fmt"
	"net/http"
)

// ResponseCode is the application error code carried by AppError and HTTP responses.
type ResponseCode int

const (
	CodeSuccess ResponseCode = 0

	// Rejected before any side effect.
	CodeValidation   ResponseCode = 1001
	CodeNotFound     ResponseCode = 1002
	CodeUnauthorized ResponseCode = 1003
	CodeRateLimit    ResponseCode = 1004

	// Business rule outcomes.
	CodeInvalidTransition ResponseCode = 2001
	CodeInsufficientStock ResponseCode = 2002

	// Infrastructure.
	CodeTransient     ResponseCode = 5001
	CodePermanent     ResponseCode = 5002
	CodeInternalError ResponseCode = 5000
)

// AppError application error structure
type AppError struct {
	Code    ResponseCode `json:"code"`
	Message string       `json:"message"`
	Err     error        `json:"-"`
}

// Error implement error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code: %d, message: %s, error: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
}

// Unwrap implement errors.Unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError of the same code, so that
// errors.Is(err, ErrInvalidTransition) matches any invalid transition.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError create new application error
func NewError(code ResponseCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// WrapError wrap error
func WrapError(err error, code ResponseCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Sentinels for errors.Is matching. Match by code, never by identity.
var (
	ErrValidation        = NewError(CodeValidation, "validation failed")
	ErrNotFound          = NewError(CodeNotFound, "not found")
	ErrUnauthorized      = NewError(CodeUnauthorized, "unauthorized")
	ErrRateLimit         = NewError(CodeRateLimit, "rate limit exceeded")
	ErrInvalidTransition = NewError(CodeInvalidTransition, "invalid state transition")
	ErrInsufficientStock = NewError(CodeInsufficientStock, "insufficient stock")
	ErrTransient         = NewError(CodeTransient, "transient infrastructure error")
	ErrPermanent         = NewError(CodePermanent, "permanent failure")
	ErrInternalError     = NewError(CodeInternalError, "internal server error")
)

func Validation(format string, args ...interface{}) *AppError {
	return NewError(CodeValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...interface{}) *AppError {
	return NewError(CodeNotFound, fmt.Sprintf(format, args...))
}

// Transient marks err as a retryable infrastructure failure.
func Transient(err error, message string) *AppError {
	return WrapError(err, CodeTransient, message)
}

// Permanent marks err as a failure that must not be retried.
func Permanent(err error, message string) *AppError {
	return WrapError(err, CodePermanent, message)
}

// IsAppError check if it's an application error
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the outermost AppError in the chain.
func CodeOf(err error) ResponseCode {
	if err == nil {
		return CodeSuccess
	}
	if appErr, ok := IsAppError(err); ok {
		return appErr.Code
	}
	return CodeInternalError
}

// IsRetryable reports whether a consumer should retry after err. Validation failures,
// state machine violations and exhausted operations are final; anything unclassified is
// assumed to be infrastructure and retried.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeValidation, CodeInvalidTransition, CodePermanent, CodeNotFound:
		return false
	}
	return err != nil
}

// IsValidation reports whether err rejects its input
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}

// GetErrorMessage get error message
func GetErrorMessage(err error) string {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Message
	}
	return err.Error()
}

// HTTPStatus maps an error to the HTTP status returned to API callers.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidTransition, CodeInsufficientStock:
		return http.StatusConflict
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
