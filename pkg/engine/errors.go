package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for propagation logic.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates a registry or relation configuration problem.
	// Examples: unknown record type, root type without configuration.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassStructural indicates the graph itself cannot be transferred.
	// Examples: hard-dependency cycles, envelopes referencing unknown keys.
	ErrorClassStructural ErrorClass = "structural"

	// ErrorClassConflict indicates an existing record blocks the import (RAISE policy).
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassConsistency indicates a replaced or covered record differs from the draft.
	// Never fatal.
	ErrorClassConsistency ErrorClass = "consistency"

	// ErrorClassAsset indicates a referenced file could not be relocated.
	// Never fatal.
	ErrorClassAsset ErrorClass = "asset"

	// ErrorClassStorage indicates the backing store failed.
	ErrorClassStorage ErrorClass = "storage"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource key or record type that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	case e.Resource != "":
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return newError(ErrorClassConfiguration, message, err)
}

// NewStructuralError creates a new structural error.
func NewStructuralError(message string, err error) *EngineError {
	return newError(ErrorClassStructural, message, err)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err).WithCode(ErrCodeConflict)
}

// NewConsistencyWarning creates a new consistency warning.
func NewConsistencyWarning(message string) *EngineError {
	return newError(ErrorClassConsistency, message, nil).WithCode(ErrCodeInconsistent)
}

// NewAssetError creates a new asset error.
func NewAssetError(message string, err error) *EngineError {
	return newError(ErrorClassAsset, message, err)
}

// NewStorageError creates a new storage error.
func NewStorageError(message string, err error) *EngineError {
	return newError(ErrorClassStorage, message, err).WithCode(ErrCodeStorage)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool {
	return hasClass(err, ErrorClassConfiguration)
}

// IsStructural returns true if the error is classified as structural.
func IsStructural(err error) bool {
	return hasClass(err, ErrorClassStructural)
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return hasClass(err, ErrorClassConflict)
}

// IsConsistency returns true if the error is a consistency warning.
func IsConsistency(err error) bool {
	return hasClass(err, ErrorClassConsistency)
}

// IsAsset returns true if the error is classified as an asset error.
func IsAsset(err error) bool {
	return hasClass(err, ErrorClassAsset)
}

// IsStorage returns true if the error is classified as a storage error.
func IsStorage(err error) bool {
	return hasClass(err, ErrorClassStorage)
}

// IsFatal returns true if the error must abort the transfer.
// Consistency and asset errors are recorded and never interrupt a batch.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !IsConsistency(err) && !IsAsset(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeUnknownType      = "UNKNOWN_TYPE"
	ErrCodeInvalidRoot      = "INVALID_ROOT"
	ErrCodeInvalidRelation  = "INVALID_RELATION"
	ErrCodeUnexpectedTarget = "UNEXPECTED_TARGET"
	ErrCodeCycle            = "DEPENDENCY_CYCLE"
	ErrCodeInvalidEnvelope  = "INVALID_ENVELOPE"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInconsistent     = "INCONSISTENT"
	ErrCodeMissingFile      = "MISSING_FILE"
	ErrCodeCopyFailed       = "COPY_FAILED"
	ErrCodeRestoreRefused   = "RESTORE_REFUSED"
	ErrCodeStorage          = "STORAGE_FAILED"
)
