package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind categorises adapter failures for the fallback loop.
type ErrorKind int

const (
	// KindTransient covers timeouts, 5xx responses, connection resets, and
	// provider-side rate limits. Eligible for fallback to the next chain
	// element.
	KindTransient ErrorKind = iota

	// KindPermanent covers provider 4xx responses (bad request, unsupported
	// model). Triggers fallback but is never retried on the same pair.
	KindPermanent

	// KindSafetyRefusal is a model refusal on safety grounds. Never a
	// fallback trigger: trying another model to bypass safety is forbidden.
	KindSafetyRefusal

	// KindCanceled is context cancellation surfaced through the adapter.
	// Never an error from the user's point of view.
	KindCanceled

	// KindRateLimited is a provider-side 429. A transient condition that
	// additionally feeds the pacer's AIMD penalty.
	KindRateLimited
)

// String returns the human-readable name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindSafetyRefusal:
		return "safety_refusal"
	case KindCanceled:
		return "canceled"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Error is a categorised adapter failure. Adapters wrap every backend error
// in one of these so raw transport errors never escape to the router.
type Error struct {
	// Kind drives the fallback decision.
	Kind ErrorKind

	// Provider is the adapter name that produced the error.
	Provider string

	// Status is the HTTP status from the backend, when known. Zero otherwise.
	Status int

	// Err is the underlying cause. Its text may contain provider detail and
	// must never be shown to end users.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the [ErrorKind] from err. Non-categorised errors map to
// KindTransient so unknown conditions still get a fallback attempt; context
// cancellation maps to KindCanceled.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindTransient
}

// Categorize wraps err in an [*Error] with a kind inferred from the HTTP
// status and error shape. status may be zero when no response was received.
func Categorize(provider string, status int, err error) *Error {
	kind := KindTransient
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case status == 429:
		kind = KindRateLimited
	case status >= 500:
		kind = KindTransient
	case status >= 400:
		kind = KindPermanent
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = KindTransient
		}
	}
	return &Error{Kind: kind, Provider: provider, Status: status, Err: err}
}

// Retryable reports whether err should trigger a fallback attempt on the next
// chain element. Safety refusals and cancellations never fall back.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindPermanent, KindRateLimited:
		return true
	}
	return false
}
