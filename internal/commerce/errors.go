package commerce

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a remote failure so callers can choose between
// retrying, falling through to another strategy, or giving up.
type ErrorKind int

const (
	// KindTransport covers timeouts, connection failures, 5xx, and
	// rate-limit responses. Transient; safe to retry or fall through.
	KindTransport ErrorKind = iota
	// KindValidation covers 4xx responses where the provider rejected the
	// request payload. Retrying the identical request will not help, but a
	// degraded variant of it might.
	KindValidation
	// KindBusiness covers well-formed provider refusals (e.g. an
	// uninstalled app credential). Neither retry nor degrade helps.
	KindBusiness
)

// Error is a typed remote-call failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Op         string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("commerce: %s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("commerce: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("commerce: %s: status %d", e.Op, e.StatusCode)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from err. Unclassified errors (context
// cancellation, network-level failures) count as transport.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransport
}

// IsTransport reports whether err is a transient remote failure.
func IsTransport(err error) bool { return err != nil && KindOf(err) == KindTransport }

// IsValidation reports whether the provider rejected the request payload.
func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }
