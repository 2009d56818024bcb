package common

import (
	"errors"
	"net/http"
)

// Error codes shared by the HTTP boundary.
const (
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	CodePaymentRequired      = "PAYMENT_REQUIRED"
	CodeValidationFailed     = "VALIDATION_FAILED"
	CodeUpstreamFailed       = "UPSTREAM_FAILED"
	CodeStoreUnavailable     = "STORE_UNAVAILABLE"
	CodeInternal             = "INTERNAL"
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
	// UpstreamStatus carries the status code returned by an external provider.
	UpstreamStatus int
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}

// ValidationError reports a user-correctable problem with the request.
func ValidationError(message string) *AppError {
	return NewAppError(CodeValidationFailed, message, http.StatusBadRequest, nil)
}

// PaymentRequired reports a missing, expired or unresolvable session credential.
func PaymentRequired(message string, err error) *AppError {
	return NewAppError(CodePaymentRequired, message, http.StatusForbidden, err)
}

// UpstreamError reports a failure of an external provider. The provider's status
// code and raw body are surfaced to the caller for diagnosis.
func UpstreamError(message string, httpStatus, upstreamStatus int, details string, err error) *AppError {
	appErr := NewAppError(CodeUpstreamFailed, message, httpStatus, err)
	appErr.UpstreamStatus = upstreamStatus
	if details != "" {
		appErr.Details = details
	}
	return appErr
}

// WriteError converts err into the canonical JSON error body. Errors that are not
// AppErrors are reported as a generic internal failure without leaking detail.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr == nil {
		JSONError(w, http.StatusInternalServerError, CodeInternal, "An error occurred while processing your request.", nil)
		return
	}
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	JSON(w, status, ErrorBody{
		Error:   appErr.Message,
		Code:    appErr.Code,
		Status:  appErr.UpstreamStatus,
		Details: appErr.Details,
	})
}
