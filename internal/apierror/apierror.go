package apierror

import (
	"errors"
	"fmt"
)

// Error is a caller-facing rejection with a stable code string. These are
// terminal for the request that raised them and are never retried.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches two errors by code so callers can compare against the
// constructors' zero-argument forms with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// Code extracts the stable code from err, or "" when err is not an
// apierror.Error.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func ProviderKeyInvalid(key string) *Error {
	return &Error{Code: "provider_key_invalid", Message: fmt.Sprintf("provider key %q is invalid", key)}
}

func ApplicationNotFound(id string) *Error {
	return &Error{Code: "application_not_found", Message: fmt.Sprintf("application with id=%q was not found", id)}
}

func ApplicationNotActive() *Error {
	return &Error{Code: "application_not_active", Message: "application is not active"}
}

func ApplicationKeyInvalid(key string) *Error {
	return &Error{Code: "application_key_invalid", Message: fmt.Sprintf("application key %q is invalid", key)}
}

func UserKeyInvalid(key string) *Error {
	return &Error{Code: "user_key_invalid", Message: fmt.Sprintf("user key %q is invalid", key)}
}

func AuthenticationError() *Error {
	return &Error{Code: "authentication_error", Message: "either app_id or user_key must be used, not both"}
}

func MetricNotFound(name string) *Error {
	return &Error{Code: "metric_not_found", Message: fmt.Sprintf("metric %q was not found", name)}
}

func UsageValueInvalid(metric, value string) *Error {
	return &Error{Code: "usage_value_invalid", Message: fmt.Sprintf("usage value %q for metric %q is invalid", value, metric)}
}

func UserNotDefined(appID string) *Error {
	return &Error{Code: "user_not_defined", Message: fmt.Sprintf("application with id=%q requires a user id on each request", appID)}
}

func UserRequiresRegistration(serviceID, userID string) *Error {
	return &Error{Code: "user_requires_registration", Message: fmt.Sprintf("user %q is not registered for service %q", userID, serviceID)}
}

func ReferrerNotAllowed(referrer string) *Error {
	return &Error{Code: "referrer_not_allowed", Message: fmt.Sprintf("referrer %q is not allowed", referrer)}
}

func ServiceNotFound(id string) *Error {
	return &Error{Code: "service_id_invalid", Message: fmt.Sprintf("service with id=%q was not found", id)}
}

// LimitsExceededCode is the rejection reason carried on an authorization
// status when usage limits are violated. A limit violation is a normal,
// cacheable outcome and is not returned as an error.
const LimitsExceededCode = "limits_exceeded"

// LimitsExceededMessage is the human-readable reason paired with
// LimitsExceededCode.
const LimitsExceededMessage = "usage limits are exceeded"
