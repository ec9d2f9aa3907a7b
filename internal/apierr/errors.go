// Package apierr defines the typed error taxonomy shared across the
// locate-fee pricing pipeline. Every public operation returns one of
// these kinds instead of an ad-hoc string or a panic, so callers can
// branch on kind with errors.As instead of matching message text.
package apierr

import (
	"errors"
	"fmt"
)

// Kind identifies a category of failure in the pricing pipeline.
type Kind string

const (
	KindDomainError       Kind = "domain_error"
	KindConfigUnavailable Kind = "config_unavailable"
	KindEndpointOpen      Kind = "endpoint_open"
	KindEndpointTimeout   Kind = "endpoint_timeout"
	KindCalculationError  Kind = "calculation_error"
	KindAuditBackpressure Kind = "audit_backpressure"
	KindCacheDegraded     Kind = "cache_degraded"
)

// Error is the common shape for every typed error in this system. It
// wraps an optional underlying cause and carries a Kind a caller can
// switch on without parsing Error().
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, apierr.ErrX) style checks against the
// sentinel *Error values by comparing Kind rather than identity.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newErr(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// DomainError reports that the caller supplied inputs outside the
// formula kernel's declared domain (negative position value,
// loan_days <= 0, a rate or risk factor out of range).
func DomainError(format string, args ...interface{}) *Error {
	return newErr(KindDomainError, format, args...)
}

// ConfigUnavailable reports that a broker configuration or minimum
// rate could not be resolved from either the cache or the backing
// store. Never fabricate a config in its place.
func ConfigUnavailable(format string, args ...interface{}) *Error {
	return newErr(KindConfigUnavailable, format, args...)
}

// WrapConfigUnavailable attaches a cause (typically a store error) to
// a ConfigUnavailable.
func WrapConfigUnavailable(cause error, format string, args ...interface{}) *Error {
	return wrapErr(KindConfigUnavailable, cause, format, args...)
}

// EndpointOpen reports that an external data client's circuit breaker
// is open for the named endpoint.
func EndpointOpen(endpoint string, lastErr error) *Error {
	return wrapErr(KindEndpointOpen, lastErr, "endpoint %q circuit open", endpoint)
}

// EndpointTimeout reports that an external call exhausted its retry
// budget or exceeded its deadline without the breaker tripping.
func EndpointTimeout(endpoint string, lastErr error) *Error {
	return wrapErr(KindEndpointTimeout, lastErr, "endpoint %q timed out", endpoint)
}

// CalculationError reports a formula precondition that failed at
// runtime (as opposed to DomainError's input-shape validation).
func CalculationError(reason string) *Error {
	return newErr(KindCalculationError, "%s", reason)
}

// AuditBackpressure reports the audit queue stayed at or above its
// high watermark past the configured enqueue deadline.
func AuditBackpressure(format string, args ...interface{}) *Error {
	return newErr(KindAuditBackpressure, format, args...)
}

// CacheDegraded reports the shared cache tier is unreachable. This
// kind is internal-only: callers record it as a metric and continue
// serving from the local tier or the backing store.
func CacheDegraded(format string, args ...interface{}) *Error {
	return newErr(KindCacheDegraded, format, args...)
}

// WrapCacheDegraded attaches the underlying transport error.
func WrapCacheDegraded(cause error, format string, args ...interface{}) *Error {
	return wrapErr(KindCacheDegraded, cause, format, args...)
}

// KindOf extracts the Kind of err, if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Sentinel instances usable with errors.Is(err, apierr.ErrDomain) etc.,
// matched on Kind rather than identity (see Error.Is).
var (
	ErrDomain           = &Error{Kind: KindDomainError}
	ErrConfigUnavail    = &Error{Kind: KindConfigUnavailable}
	ErrEndpointOpen     = &Error{Kind: KindEndpointOpen}
	ErrEndpointTimeout  = &Error{Kind: KindEndpointTimeout}
	ErrCalculation      = &Error{Kind: KindCalculationError}
	ErrAuditBackpressure = &Error{Kind: KindAuditBackpressure}
	ErrCacheDegraded    = &Error{Kind: KindCacheDegraded}
)
