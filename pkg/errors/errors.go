package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeNegotiation        ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeServerRejected     ErrorCode = "SERVER_REJECTED"
	ErrCodeRaceAborted        ErrorCode = "RACE_ABORTED"
	ErrCodeNetworkLost        ErrorCode = "NETWORK_LOST"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// NewParamError reports a missing or malformed argument of a public call.
func NewParamError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string, cause error) *AppError {
	return WrapError(cause, ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewConflictError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeConflict, message, http.StatusConflict)
}

// NewNegotiationError reports an engine failure during device or transport setup.
func NewNegotiationError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeNegotiation, message, http.StatusBadGateway)
}

// NewServerRejectionError reports a structured error answer from the signaling server.
func NewServerRejectionError(code int, cause error) *AppError {
	return WrapError(cause, ErrCodeServerRejected, fmt.Sprintf("server rejected request with code %d", code), http.StatusBadGateway).
		WithContext("server_code", code)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the code of the first AppError in the chain, or ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}
