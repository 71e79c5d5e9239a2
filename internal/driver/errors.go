package driver

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicatePlatform is returned when a platform is registered twice.
	ErrDuplicatePlatform = errors.New("platform already registered")
	// ErrUnknownPlatform is returned when no driver is registered for a platform.
	ErrUnknownPlatform = errors.New("unknown platform")
)

// TransientError marks a driver failure that may succeed on retry: network
// trouble, timeouts, a node temporarily behind. The tracker retries these
// with backoff and never surfaces them to the intent submitter.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient driver error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError marks a failure the driver reports as definitive: the
// transfer is invalid and will never land. It terminates the transaction.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent driver error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent driver error: %s", e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent builds a PermanentError with a human-readable reason.
func Permanent(reason string) error {
	return &PermanentError{Reason: reason}
}

// IsTransient reports whether err is (or wraps) a TransientError. Context
// cancellation and deadline expiry on a driver call count as transient: the
// outcome is unknown and the idempotent Submit contract makes a retry safe.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
