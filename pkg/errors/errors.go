// Package errors defines the error taxonomy shared by the kernel and the
// platform services. Every expected failure is represented as an *Error with
// a kind (Type) used for programmatic handling and an optional stable Code
// surfaced to API clients.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error types
const (
	// ErrConfig is returned for an invalid or conflicting module descriptor,
	// or a missing required environment variable
	ErrConfig = "config"

	// ErrDependency is returned for an ambiguous or unresolved registry
	// lookup, or a cyclic start order
	ErrDependency = "dependency"

	// ErrLifecycle is returned when a module refused start or exceeded its
	// shutdown deadline, or when a lifecycle method was called without the
	// kernel capability key
	ErrLifecycle = "lifecycle"

	// ErrAuthorization is returned when the principal lacks permission for
	// the operation
	ErrAuthorization = "authorization"

	// ErrAuthentication is returned for invalid credentials, an expired or
	// tampered token, a missing refresh token, or an OAuth state mismatch
	ErrAuthentication = "authentication"

	// ErrBlocked is returned when the account is temporarily or permanently
	// blocked
	ErrBlocked = "blocked"

	// ErrNotFound is returned when a user, role, or group is absent
	ErrNotFound = "not_found"

	// ErrConflict is returned for a duplicate username or email
	ErrConflict = "conflict"

	// ErrValidation is returned when a request body is malformed
	ErrValidation = "validation"

	// ErrTimeout is returned when a worker dispatch or store call exceeded
	// its deadline
	ErrTimeout = "timeout"

	// ErrIntegrity is returned when a refresh rotation lost the race
	ErrIntegrity = "integrity"

	// ErrInternal is returned when there is an unexpected internal error
	ErrInternal = "internal"
)

// Stable machine-readable codes surfaced as errorKey in API responses.
const (
	CodeInvalidCredentials     = "INVALID_CREDENTIALS"
	CodeAccountBlockedTemp     = "ACCOUNT_BLOCKED_TEMPORARY"
	CodeAccountBlockedPerm     = "ACCOUNT_BLOCKED_PERMANENT"
	CodeRefreshTokenNotFound   = "REFRESH_TOKEN_NOT_FOUND"
	CodeRefreshTokenExpired    = "REFRESH_TOKEN_EXPIRED"
	CodeRequireRelogin         = "REQUIRE_RELOGIN"
	CodeTokenExpired           = "TOKEN_EXPIRED"
	CodeTokenInvalid           = "TOKEN_INVALID"
	CodeStateMismatch          = "OAUTH_STATE_MISMATCH"
	CodeDuplicateUsername      = "DUPLICATE_USERNAME"
	CodeDuplicateEmail         = "DUPLICATE_EMAIL"
	CodeDuplicateRoleName      = "DUPLICATE_ROLE_NAME"
	CodeCannotModifyPredefined = "CANNOT_MODIFY_PREDEFINED"
	CodeCannotDeletePredefined = "CANNOT_DELETE_PREDEFINED"
	CodeAmbiguousLookup        = "AMBIGUOUS_LOOKUP"
	CodeCyclicDependency       = "CYCLIC_DEPENDENCY"
	CodeUnauthorizedLifecycle  = "UNAUTHORIZED_LIFECYCLE"
	CodeRotationConflict       = "REFRESH_ROTATION_CONFLICT"
	CodeOrgChoiceRequired      = "ORG_CHOICE_REQUIRED"
)

// Error represents an expected error in the platform.
type Error struct {
	// Type is the error kind, one of the Err* constants
	Type string

	// Code is the stable machine-readable code surfaced to API clients.
	// May be empty for errors that never cross the API boundary.
	Code string

	// Message is the human-readable error message
	Message string

	// Data carries structured details for the caller (e.g. blockedUntil)
	Data map[string]any

	// Cause is the underlying error
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithCode returns a copy of the error with the given stable code.
func (e *Error) WithCode(code string) *Error {
	c := *e
	c.Code = code
	return &c
}

// WithData returns a copy of the error with the given detail attached.
func (e *Error) WithData(key string, value any) *Error {
	c := *e
	c.Data = make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		c.Data[k] = v
	}
	c.Data[key] = value
	return &c
}

// HTTPStatus maps the error kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case ErrValidation, ErrConfig:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrAuthorization, ErrBlocked:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict, ErrIntegrity:
		return http.StatusConflict
	case ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new error with the given type.
func New(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a new config error.
func NewConfigError(message string, cause error) *Error {
	return New(ErrConfig, message, cause)
}

// NewDependencyError creates a new dependency error.
func NewDependencyError(message string, cause error) *Error {
	return New(ErrDependency, message, cause)
}

// NewLifecycleError creates a new lifecycle error.
func NewLifecycleError(message string, cause error) *Error {
	return New(ErrLifecycle, message, cause)
}

// NewAuthorizationError creates a new authorization error with a stable code.
func NewAuthorizationError(code, message string) *Error {
	return New(ErrAuthorization, message, nil).WithCode(code)
}

// NewAuthenticationError creates a new authentication error with a stable code.
func NewAuthenticationError(code, message string) *Error {
	return New(ErrAuthentication, message, nil).WithCode(code)
}

// NewBlockedError creates a new blocked error. A zero blockedUntil together
// with permanent=true means the block never expires.
func NewBlockedError(permanent bool, blockedUntil time.Time) *Error {
	code := CodeAccountBlockedTemp
	msg := "account is temporarily blocked"
	if permanent {
		code = CodeAccountBlockedPerm
		msg = "account is permanently blocked"
	}
	e := New(ErrBlocked, msg, nil).WithCode(code).WithData("permanent", permanent)
	if !blockedUntil.IsZero() {
		e = e.WithData("blockedUntil", blockedUntil.UnixMilli())
	}
	return e
}

// NewNotFoundError creates a new not found error.
func NewNotFoundError(message string, cause error) *Error {
	return New(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error.
func NewConflictError(code, message string) *Error {
	return New(ErrConflict, message, nil).WithCode(code)
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, cause error) *Error {
	return New(ErrValidation, message, cause)
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, cause error) *Error {
	return New(ErrTimeout, message, cause)
}

// NewIntegrityError creates a new integrity error.
func NewIntegrityError(message string) *Error {
	return New(ErrIntegrity, message, nil).WithCode(CodeRotationConflict)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, cause error) *Error {
	return New(ErrInternal, message, cause)
}

func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsConfig checks if the error is a config error.
func IsConfig(err error) bool { return isType(err, ErrConfig) }

// IsDependency checks if the error is a dependency error.
func IsDependency(err error) bool { return isType(err, ErrDependency) }

// IsLifecycle checks if the error is a lifecycle error.
func IsLifecycle(err error) bool { return isType(err, ErrLifecycle) }

// IsAuthorization checks if the error is an authorization error.
func IsAuthorization(err error) bool { return isType(err, ErrAuthorization) }

// IsAuthentication checks if the error is an authentication error.
func IsAuthentication(err error) bool { return isType(err, ErrAuthentication) }

// IsBlocked checks if the error is a blocked error.
func IsBlocked(err error) bool { return isType(err, ErrBlocked) }

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool { return isType(err, ErrNotFound) }

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool { return isType(err, ErrConflict) }

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool { return isType(err, ErrValidation) }

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool { return isType(err, ErrTimeout) }

// IsIntegrity checks if the error is an integrity error.
func IsIntegrity(err error) bool { return isType(err, ErrIntegrity) }

// IsInternal checks if the error is an internal error.
func IsInternal(err error) bool { return isType(err, ErrInternal) }

// CodeOf returns the stable code of the error, or empty when the error is
// not a platform error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
