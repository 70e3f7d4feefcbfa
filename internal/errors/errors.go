// Package errors provides the error taxonomy for the Keystone record core.
// Validation and concurrency conflicts are expected outcomes, not faults:
// they carry enough payload for a UI to special-case them.
package errors

import (
	"fmt"
	"net/http"

	"github.com/veristone/keystone/internal/models"
)

// KeystoneError is the base interface for all Keystone errors
type KeystoneError interface {
	error
	HTTPStatus() int
	Code() string
}

// BaseError is the base implementation of KeystoneError
type BaseError struct {
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	ErrorCode  string `json:"code"`
	Details    string `json:"details,omitempty"`
}

func (e *BaseError) Error() string {
	return e.Message
}

func (e *BaseError) HTTPStatus() int {
	return e.StatusCode
}

func (e *BaseError) Code() string {
	return e.ErrorCode
}

// FieldError describes one field that failed validation and why.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports submitted data that fails the field-definition
// schema. Recoverable; never logged as a system fault.
type ValidationError struct {
	BaseError
	Fields []FieldError `json:"fields"`
}

func NewValidationError(fields []FieldError) *ValidationError {
	msg := "validation failed"
	if len(fields) == 1 {
		msg = fmt.Sprintf("validation failed for field '%s': %s", fields[0].Field, fields[0].Message)
	}
	return &ValidationError{
		BaseError: BaseError{
			Message:    msg,
			StatusCode: http.StatusBadRequest,
			ErrorCode:  "VALIDATION_ERROR",
		},
		Fields: fields,
	}
}

// ConflictError reports a lost-update conflict: the record's persisted
// version no longer matches the version the caller edited against. It always
// carries the latest record so the caller can render a diff without
// re-querying.
type ConflictError struct {
	BaseError
	Latest *models.Record `json:"latest_record"`
}

func NewConflictError(latest *models.Record) *ConflictError {
	msg := "record was modified by another user"
	if latest != nil && latest.IsDeleted {
		msg = "record was deleted by another user"
	}
	return &ConflictError{
		BaseError: BaseError{
			Message:    msg,
			StatusCode: http.StatusConflict,
			ErrorCode:  "VERSION_CONFLICT",
		},
		Latest: latest,
	}
}

// NotFoundError represents a resource not found error
type NotFoundError struct {
	BaseError
	Resource string
}

func NewNotFoundError(resource string) *NotFoundError {
	return &NotFoundError{
		BaseError: BaseError{
			Message:    fmt.Sprintf("%s not found", resource),
			StatusCode: http.StatusNotFound,
			ErrorCode:  "NOT_FOUND",
		},
		Resource: resource,
	}
}

// PermissionDeniedError represents a permission denied error
type PermissionDeniedError struct {
	BaseError
	Action   string
	Resource string
}

func NewPermissionDeniedError(action, resource string) *PermissionDeniedError {
	return &PermissionDeniedError{
		BaseError: BaseError{
			Message:    "permission denied",
			StatusCode: http.StatusForbidden,
			ErrorCode:  "PERMISSION_DENIED",
		},
		Action:   action,
		Resource: resource,
	}
}

// UnauthorizedError represents an authentication error
type UnauthorizedError struct {
	BaseError
}

func NewUnauthorizedError(message string) *UnauthorizedError {
	if message == "" {
		message = "authentication required"
	}
	return &UnauthorizedError{
		BaseError: BaseError{
			Message:    message,
			StatusCode: http.StatusUnauthorized,
			ErrorCode:  "UNAUTHORIZED",
		},
	}
}

// BadRequestError represents a generic bad request error
type BadRequestError struct {
	BaseError
}

func NewBadRequestError(message string) *BadRequestError {
	return &BadRequestError{
		BaseError: BaseError{
			Message:    message,
			StatusCode: http.StatusBadRequest,
			ErrorCode:  "BAD_REQUEST",
		},
	}
}

// InternalError represents an unexpected persistence or system fault. The
// core does not retry these; retry policy belongs to the caller.
type InternalError struct {
	BaseError
	OriginalError error
}

func NewInternalError(original error) *InternalError {
	return &InternalError{
		BaseError: BaseError{
			Message:    "internal server error",
			StatusCode: http.StatusInternalServerError,
			ErrorCode:  "INTERNAL_ERROR",
		},
		OriginalError: original,
	}
}

func (e *InternalError) Unwrap() error {
	return e.OriginalError
}

// ToHTTPError converts any error to an appropriate HTTP response body.
// Conflict responses include the latest record; validation responses include
// the per-field reasons.
func ToHTTPError(err error) (int, map[string]interface{}) {
	if err == nil {
		return http.StatusOK, nil
	}

	switch e := err.(type) {
	case *ValidationError:
		return e.HTTPStatus(), map[string]interface{}{
			"error":   e.Code(),
			"message": e.Error(),
			"fields":  e.Fields,
		}
	case *ConflictError:
		return e.HTTPStatus(), map[string]interface{}{
			"error":         e.Code(),
			"message":       e.Error(),
			"latest_record": e.Latest,
		}
	}

	if ke, ok := err.(KeystoneError); ok {
		return ke.HTTPStatus(), map[string]interface{}{
			"error":   ke.Code(),
			"message": ke.Error(),
		}
	}

	return http.StatusInternalServerError, map[string]interface{}{
		"error":   "INTERNAL_ERROR",
		"message": "internal server error",
	}
}
