package errors

import (
	"fmt"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field)
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation)
}

// NewDispatchError creates a transient dispatch error. The queue record stays
// pending and the watchdog heals it; callers must not surface this upstream.
func NewDispatchError(recordID int64, err error) *AppError {
	return WrapRetryable(err, ErrCodeTransientDispatch, "broker enqueue failed").
		WithContext("queue_record_id", recordID)
}

// NewSendError creates a provider send failure with the provider's error
// code when available.
func NewSendError(providerCode string, err error) *AppError {
	appErr := Wrap(err, ErrCodeSendFailure, "provider rejected send")
	if providerCode != "" {
		appErr = appErr.WithContext("provider_code", providerCode)
	}
	return appErr
}

// NewAPIError creates an error for an external HTTP call. Retryability is
// derived from the status code.
func NewAPIError(endpoint string, statusCode int, err error) *AppError {
	appErr := Wrap(err, ErrCodeWhatsAppAPI, "WhatsApp API call failed").
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)
	appErr.Retryable = statusCode >= 500 || statusCode == 429 || statusCode == 408
	return appErr
}
