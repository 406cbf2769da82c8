// Package errors provides structured error handling for portscribe operations.
// It defines error codes, error types, and provides utilities for creating
// and handling errors with context and structured information.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"

	// Scanner process errors.
	CodeToolNotFound        ErrorCode = "TOOL_NOT_FOUND"
	CodeProcessSpawnFailure ErrorCode = "PROCESS_SPAWN_FAILURE"
	CodeStreamReadFailure   ErrorCode = "STREAM_READ_FAILURE"
	CodeScanFailed          ErrorCode = "SCAN_FAILED"
	CodeScanInProgress      ErrorCode = "SCAN_IN_PROGRESS"
	CodeTargetInvalid       ErrorCode = "TARGET_INVALID"

	// Transcript and export errors.
	CodeSourceNotFound ErrorCode = "SOURCE_NOT_FOUND"
	CodeExportFailed   ErrorCode = "EXPORT_FAILED"

	// Finding sink errors.
	CodeSinkFailed         ErrorCode = "SINK_FAILED"
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"
)

// ScanError represents an error that occurred during scanning operations.
type ScanError struct {
	Code      ErrorCode
	Message   string
	Target    string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target: %s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithOperation records the operation that failed.
func (e *ScanError) WithOperation(op string) *ScanError {
	e.Operation = op
	return e
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Target:  target,
		Context: make(map[string]interface{}),
	}
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// WrapScanErrorWithTarget wraps an error with target information.
func WrapScanErrorWithTarget(code ErrorCode, message, target string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Target:  target,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Query     string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// WithQuery adds the SQL query that caused the error.
func (e *DatabaseError) WithQuery(query string) *DatabaseError {
	e.Query = query
	return e
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
	}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Utility functions for common error operations

// IsCode checks if an error, or any error it wraps, has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if c, ok := codeOf(err); ok && c == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// GetCode extracts the outermost error code from an error chain.
func GetCode(err error) ErrorCode {
	for err != nil {
		if c, ok := codeOf(err); ok {
			return c
		}
		err = stderrors.Unwrap(err)
	}
	return CodeUnknown
}

func codeOf(err error) (ErrorCode, bool) {
	switch e := err.(type) {
	case *ScanError:
		return e.Code, true
	case *DatabaseError:
		return e.Code, true
	case *ConfigError:
		return e.Code, true
	}
	return "", false
}

// IsFatal reports whether an error should stop every further scan attempt
// until the operator intervenes.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeToolNotFound, CodeConfiguration, CodeDatabaseMigration:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrToolNotFound creates an error for a scanner binary missing from PATH.
func ErrToolNotFound(binary string, err error) *ScanError {
	return WrapScanError(CodeToolNotFound,
		"Nmap executable not found. Please install Nmap and ensure it's in your system PATH.", err).
		WithContext("binary", binary)
}

// ErrSpawnFailure creates an error for an OS-level process start failure.
func ErrSpawnFailure(target string, err error) *ScanError {
	return WrapScanErrorWithTarget(CodeProcessSpawnFailure, "Failed to start scanner process", target, err)
}

// ErrStreamRead creates an error for an I/O failure while reading scanner output.
func ErrStreamRead(target string, err error) *ScanError {
	return WrapScanErrorWithTarget(CodeStreamReadFailure, "Failed to read scanner output", target, err)
}

// ErrSourceNotFound creates an error for an export without a transcript on disk.
func ErrSourceNotFound(path string) *ScanError {
	msg := "transcript file not found"
	if path == "" {
		msg = "no completed scan transcript available"
	}
	return NewScanError(CodeSourceNotFound, msg).WithContext("path", path)
}

// ErrScanInProgress creates the single-flight rejection error.
func ErrScanInProgress(target string) *ScanError {
	return NewScanErrorWithTarget(CodeScanInProgress, "scan already running", target)
}

// ErrInvalidTarget creates an error for invalid scan targets.
func ErrInvalidTarget(target string) *ScanError {
	return NewScanErrorWithTarget(CodeTargetInvalid, "Invalid target specification", target)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}
