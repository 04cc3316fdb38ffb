// Package ctlerr defines the control plane's error-kind sum type (spec §7).
// Classification, not exception hierarchy: callers switch on Kind to decide
// retry vs. terminal behaviour.
package ctlerr

import "fmt"

// Kind is one of the error classifications the core's retry and commit
// logic switches on.
type Kind string

const (
	KindMalformed        Kind = "malformed"
	KindNoHandler        Kind = "no_handler"
	KindHandlerTransient Kind = "handler_transient"
	KindHandlerPermanent Kind = "handler_permanent"
	KindTimeout          Kind = "timeout"
	KindStoreUnavailable Kind = "store_unavailable"
	KindBusTransient     Kind = "bus_transient"
	KindCancelled        Kind = "cancelled"
	KindConfigInvalid    Kind = "config_invalid"
)

// Error wraps an underlying cause with a Kind classification.
type Error struct {
	Kind  Kind
	Cause error
	Msg   string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Transient reports whether the core should retry per the Retry Policy
// rather than transition the task straight to FAILED. Handler
// classification is authoritative: a handler that tags its error permanent
// is never retried regardless of remaining attempts (spec §7).
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindHandlerTransient, KindTimeout, KindStoreUnavailable, KindBusTransient:
		return true
	default:
		return false
	}
}

// New builds a classified error.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

func Malformed(msg string, cause error) *Error { return New(KindMalformed, msg, cause) }
func NoHandler(kind string) *Error {
	return New(KindNoHandler, fmt.Sprintf("no handler for kind %q", kind), nil)
}
func HandlerTransient(cause error) *Error { return New(KindHandlerTransient, "handler error", cause) }
func HandlerPermanent(cause error) *Error { return New(KindHandlerPermanent, "handler error", cause) }
func Timeout(cause error) *Error          { return New(KindTimeout, "attempt timeout", cause) }
func StoreUnavailable(cause error) *Error { return New(KindStoreUnavailable, "state store io", cause) }
func BusTransient(cause error) *Error     { return New(KindBusTransient, "bus io", cause) }
func Cancelled() *Error                  { return New(KindCancelled, "cancelled", nil) }
func ConfigInvalid(msg string) *Error     { return New(KindConfigInvalid, msg, nil) }

// As is a convenience wrapper around errors.As for the common case of
// testing whether err carries a *Error, without importing errors at every
// call site.
func As(err error) (*Error, bool) {
	ce, ok := err.(*Error)
	if ok {
		return ce, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if ce, ok := err.(*Error); ok {
			return ce, true
		}
	}
	return nil, false
}
