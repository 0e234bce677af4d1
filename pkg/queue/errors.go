package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateRecord is returned by Enqueue when the (tenant, kind, id) triple exists.
	ErrDuplicateRecord = errors.New("queue duplicate record")
	// ErrAlreadyLeased is returned when a conditional claim loses against another writer.
	ErrAlreadyLeased = errors.New("queue record already leased")
	// ErrNotOwner is returned when the caller does not hold the record's lease.
	ErrNotOwner = errors.New("queue caller is not lease owner")
	// ErrInvalidState is returned when the record is not in a state that allows the operation.
	ErrInvalidState = errors.New("queue invalid state")
	// ErrStoreUnavailable classifies backing store failures. The queue never retries them.
	ErrStoreUnavailable = errors.New("queue store unavailable")
	// ErrNotFound is returned when a record does not exist for the tenant.
	ErrNotFound = errors.New("queue record not found")
	// ErrValidation classifies invalid caller input or configuration.
	ErrValidation = errors.New("queue validation error")
	// ErrNotInitialized classifies calls on nil or unconfigured components.
	ErrNotInitialized = errors.New("queue not initialized")
)

func queueError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// StoreUnavailable wraps a driver error so callers can match it with
// errors.Is(err, ErrStoreUnavailable) while keeping the cause reachable.
func StoreUnavailable(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return errors.Join(queueError(ErrStoreUnavailable, op), cause)
}

// NotFound builds an ErrNotFound error for key.
func NotFound(key Key) error {
	return queueError(ErrNotFound, key.String())
}

type permanentError struct {
	cause error
}

func (e *permanentError) Error() string { return "permanent failure: " + e.cause.Error() }
func (e *permanentError) Unwrap() error { return e.cause }

// Permanent marks a handler failure as not worth retrying; Fail dead-letters
// the record regardless of the remaining attempt budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{cause: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var target *permanentError
	return errors.As(err, &target)
}
