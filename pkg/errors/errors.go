// Package errors provides the structured, classified error type returned by every sharepool operation.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies the classified kind of a failure.
type ErrorCode string

const (
	// Credential and permission failures
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeAuthorizationFailed  ErrorCode = "AUTHORIZATION_FAILED"
	ErrCodeCredentialsMissing   ErrorCode = "CREDENTIALS_MISSING"

	// Path and share lookups
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Transport failures
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeConnectionReset   ErrorCode = "CONNECTION_RESET"
	ErrCodeCriticalTransport ErrorCode = "CRITICAL_TRANSPORT"
	ErrCodeUnreachable       ErrorCode = "UNREACHABLE"

	// Caller initiated
	ErrCodeCancelled       ErrorCode = "CANCELLED"
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// Configuration
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	ErrCodeUnknown ErrorCode = "UNKNOWN"
)

// ErrorCategory groups codes for logging and metrics labels.
type ErrorCategory string

const (
	CategoryAuth          ErrorCategory = "auth"
	CategoryPath          ErrorCategory = "path"
	CategoryTransport     ErrorCategory = "transport"
	CategoryOperation     ErrorCategory = "operation"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryInternal      ErrorCategory = "internal"
)

// Error is a classified failure with context and the original cause attached.
type Error struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var msg string
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		} else {
			msg = fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
		}
	} else {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code so callers can use errors.Is(err, errors.NotFound).
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *Error) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Context) > 0 {
		ctx, _ := json.Marshal(e.Context)
		parts = append(parts, fmt.Sprintf("Context=%s", ctx))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// NewError creates a classified error with the defaults for code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Sentinels for errors.Is comparisons.
var (
	AuthenticationFailed = &Error{Code: ErrCodeAuthenticationFailed}
	AuthorizationFailed  = &Error{Code: ErrCodeAuthorizationFailed}
	CredentialsMissing   = &Error{Code: ErrCodeCredentialsMissing}
	NotFound             = &Error{Code: ErrCodeNotFound}
	Timeout              = &Error{Code: ErrCodeTimeout}
	ConnectionReset      = &Error{Code: ErrCodeConnectionReset}
	CriticalTransport    = &Error{Code: ErrCodeCriticalTransport}
	Unreachable          = &Error{Code: ErrCodeUnreachable}
	InvalidArgument      = &Error{Code: ErrCodeInvalidArgument}
	Unknown              = &Error{Code: ErrCodeUnknown}
)

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeAuthenticationFailed, ErrCodeAuthorizationFailed, ErrCodeCredentialsMissing:
		return CategoryAuth
	case ErrCodeNotFound:
		return CategoryPath
	case ErrCodeTimeout, ErrCodeConnectionReset, ErrCodeCriticalTransport, ErrCodeUnreachable:
		return CategoryTransport
	case ErrCodeCancelled, ErrCodeInvalidArgument:
		return CategoryOperation
	case ErrCodeInvalidConfig:
		return CategoryConfiguration
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a fresh connection could change the outcome.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeTimeout, ErrCodeConnectionReset, ErrCodeCriticalTransport:
		return true
	}
	return false
}

// WithContext adds contextual information to an error
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// GetRecommendation returns guidance for resolving the error.
func (e *Error) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeAuthenticationFailed: "Check the username, password and domain saved for this server.",
		ErrCodeAuthorizationFailed:  "The account is valid but lacks permission for this path. Ask the share owner for access.",
		ErrCodeCredentialsMissing:   "No credentials are stored for this server and share. Add them and try again.",
		ErrCodeNotFound:             "Verify the share name and path. The file may have been moved or deleted.",
		ErrCodeTimeout:              "The server responded too slowly. Check the network or raise the degraded timeouts.",
		ErrCodeConnectionReset:      "The server closed the session. Retrying usually succeeds.",
		ErrCodeCriticalTransport:    "The network connection was aborted. Connections were reset; retry the operation.",
		ErrCodeUnreachable:          "Check that the server name resolves and the server is online and reachable.",
		ErrCodeInvalidConfig:        "Check your configuration file syntax and required parameters.",
	}

	if rec, ok := recommendations[e.Code]; ok {
		return rec
	}
	return "Please check the error message for details."
}

// UserFacingMessage returns the pre-classified message shown to end users.
func (e *Error) UserFacingMessage() string {
	messages := map[ErrorCode]string{
		ErrCodeAuthenticationFailed: "Authentication failed",
		ErrCodeAuthorizationFailed:  "Access denied",
		ErrCodeCredentialsMissing:   "Credentials required",
		ErrCodeTimeout:              "Connection timed out",
		ErrCodeConnectionReset:      "Connection was reset by the server",
		ErrCodeCriticalTransport:    "Network connection aborted",
		ErrCodeUnreachable:          "Server unreachable",
		ErrCodeCancelled:            "Operation cancelled",
		ErrCodeInvalidConfig:        "Invalid configuration",
	}

	if e.Code == ErrCodeNotFound {
		if e.Context["kind"] == "share" {
			return "Share not found"
		}
		return "File or folder not found"
	}
	if msg, ok := messages[e.Code]; ok {
		return msg
	}
	return e.Message
}

// DetailedDiagnostic returns a multi-line diagnostic for CLI output and logs.
func (e *Error) DetailedDiagnostic() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Error: %s", e.UserFacingMessage()))
	parts = append(parts, fmt.Sprintf("Code: %s", e.Code))

	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation: %s", e.Operation))
	}
	if len(e.Context) > 0 {
		parts = append(parts, "\nContext:")
		for k, v := range e.Context {
			parts = append(parts, fmt.Sprintf("  %s: %s", k, v))
		}
	}

	parts = append(parts, "\nRecommendation:")
	parts = append(parts, "  "+e.GetRecommendation())

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("\nUnderlying cause: %s", e.Cause.Error()))
	}

	return strings.Join(parts, "\n")
}
