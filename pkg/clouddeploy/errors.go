package clouddeploy

import (
	"errors"
	"fmt"
)

// ErrorCategory categorizes errors for handling and reporting.
type ErrorCategory string

const (
	// ErrCategoryIO indicates a local file could not be read or written.
	ErrCategoryIO ErrorCategory = "io"
	// ErrCategoryConfigParse indicates the service configuration lacks a required setting.
	ErrCategoryConfigParse ErrorCategory = "config_parse"
	// ErrCategoryOperation indicates a long-running remote operation reported failure.
	ErrCategoryOperation ErrorCategory = "operation"
	// ErrCategoryNotFound indicates an expected remote resource is absent.
	ErrCategoryNotFound ErrorCategory = "not_found"
	// ErrCategoryRemoteCall indicates any other failure of a remote call.
	ErrCategoryRemoteCall ErrorCategory = "remote_call"
	// ErrCategoryValidation indicates invalid input.
	ErrCategoryValidation ErrorCategory = "validation"
	// ErrCategoryTimeout indicates a wait was cancelled or ran out of time.
	ErrCategoryTimeout ErrorCategory = "timeout"
)

// DeployError is a structured error with category and context.
type DeployError struct {
	// Category classifies the error type.
	Category ErrorCategory

	// Message is a human-readable error message.
	Message string

	// Operation is the step that failed.
	Operation string

	// ResourceType is the type of resource involved.
	ResourceType string

	// ResourceID is the ID of the resource involved.
	ResourceID string

	// Cause is the underlying error.
	Cause error

	// Details contains additional error context.
	Details map[string]interface{}
}

// Error implements the error interface.
func (e *DeployError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Category, e.Message)
	if e.Operation != "" {
		msg = fmt.Sprintf("[%s:%s] %s", e.Operation, e.Category, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *DeployError) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error's category.
func (e *DeployError) Is(target error) bool {
	var dErr *DeployError
	if errors.As(target, &dErr) {
		return e.Category == dErr.Category
	}
	return false
}

// NewError creates a new DeployError.
func NewError(category ErrorCategory, message string) *DeployError {
	return &DeployError{
		Category: category,
		Message:  message,
		Details:  make(map[string]interface{}),
	}
}

// WithOperation sets the operation.
func (e *DeployError) WithOperation(op string) *DeployError {
	e.Operation = op
	return e
}

// WithResource sets the resource type and ID.
func (e *DeployError) WithResource(resourceType, resourceID string) *DeployError {
	e.ResourceType = resourceType
	e.ResourceID = resourceID
	return e
}

// WithCause sets the underlying error.
func (e *DeployError) WithCause(err error) *DeployError {
	e.Cause = err
	return e
}

// WithDetail adds a detail to the error.
func (e *DeployError) WithDetail(key string, value interface{}) *DeployError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common error types

// ErrIO creates a local file error.
func ErrIO(message string) *DeployError {
	return NewError(ErrCategoryIO, message)
}

// ErrConfigParse creates a configuration parse error.
func ErrConfigParse(message string) *DeployError {
	return NewError(ErrCategoryConfigParse, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(resourceType, resourceID string) *DeployError {
	return NewError(ErrCategoryNotFound, fmt.Sprintf("%s not found: %s", resourceType, resourceID)).
		WithResource(resourceType, resourceID)
}

// ErrRemoteCall creates a remote call error.
func ErrRemoteCall(message string) *DeployError {
	return NewError(ErrCategoryRemoteCall, message)
}

// ErrValidation creates a validation error.
func ErrValidation(message string) *DeployError {
	return NewError(ErrCategoryValidation, message)
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DeployError {
	return NewError(ErrCategoryTimeout, message)
}

// ErrOperation wraps a failed long-running operation.
func ErrOperation(operationID string, opErr *OperationError) *DeployError {
	return NewError(ErrCategoryOperation, "operation failed").
		WithResource("operation", operationID).
		WithCause(opErr)
}

// IsCategory checks if an error is of a specific category.
func IsCategory(err error, category ErrorCategory) bool {
	var dErr *DeployError
	if errors.As(err, &dErr) {
		return dErr.Category == category
	}
	return false
}

// OperationError is the failure reported by the control plane for a
// long-running operation. Code and Message are taken verbatim from the
// operation status.
type OperationError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	return fmt.Sprintf("operation failed with code %s: %s", e.Code, e.Message)
}

// remoteErr wraps a failed remote call, keeping an existing DeployError as is.
func remoteErr(op string, err error) error {
	var dErr *DeployError
	if errors.As(err, &dErr) {
		return err
	}
	return ErrRemoteCall(op + " failed").WithOperation(op).WithCause(err)
}
