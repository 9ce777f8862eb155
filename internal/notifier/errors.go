package notifier

import (
	"errors"
	"fmt"
)

var (
	// ErrDispatchTransient marks a delivery failure worth retrying on the next tick.
	ErrDispatchTransient = errors.New("dispatch failed (transient)")
	// ErrDispatchPermanent marks a delivery failure that will not succeed on retry
	// (blocked bot, deleted chat). The reminder is recorded as handled.
	ErrDispatchPermanent = errors.New("dispatch failed (permanent)")

	ErrStopped = errors.New("notifier stopped")
)

// Transient wraps err as a retryable dispatch failure.
//
//	return notifier.Transient(fmt.Errorf("flood wait: %w", err))
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return dispatchError{kind: ErrDispatchTransient, err: err}
}

// Permanent wraps err as a non-retryable dispatch failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return dispatchError{kind: ErrDispatchPermanent, err: err}
}

// IsPermanent reports whether err is a permanent dispatch failure.
// Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrDispatchPermanent)
}

type dispatchError struct {
	kind error
	err  error
}

func (e dispatchError) Error() string { return fmt.Sprintf("%v: %v", e.kind, e.err) }
func (e dispatchError) Unwrap() []error {
	return []error{e.kind, e.err}
}
