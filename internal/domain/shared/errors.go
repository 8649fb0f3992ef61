package shared

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Common domain errors
var (
	ErrNotFound     = NewDomainError("NOT_FOUND", "Resource not found")
	ErrInvalidState = NewDomainError("INVALID_STATE", "Operation not allowed in current state")
	ErrValidation   = NewDomainError("VALIDATION_FAILED", "Invalid input provided")
)

// ConfigurationError indicates missing or malformed credentials or settings.
// It is never retryable; an operator has to fix the deployment.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// NewConfigurationError creates a ConfigurationError with a formatted reason
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// AuthorizationRequiredError indicates the user-authorized ledger strategy is
// configured but no stored token exists. Callers should prompt for a new
// authorization instead of retrying.
type AuthorizationRequiredError struct {
	Provider string
}

func (e *AuthorizationRequiredError) Error() string {
	return fmt.Sprintf("authorization required for %s: no stored token", e.Provider)
}

// ExternalServiceError wraps a transient failure from an external collaborator
// (ledger or inventory service). It is not auto-retried; the job consumes one
// attempt when it aborts a run.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// ValidationError reports malformed caller-supplied input, rejected before any
// work is enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// IsAuthorizationRequired reports whether err is (or wraps) an
// AuthorizationRequiredError.
func IsAuthorizationRequired(err error) bool {
	var target *AuthorizationRequiredError
	return errors.As(err, &target)
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}
