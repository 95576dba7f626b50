package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrExpired         = errors.New("session expired")
	ErrWrongPurpose    = errors.New("session purpose mismatch")
	ErrAlreadyConsumed = errors.New("session already consumed")

	// ErrStoreUnavailable wraps every storage-layer failure. It is the only error
	// class the manager lets escape for ordinary lookups.
	ErrStoreUnavailable = errors.New("credential store unavailable")

	ErrInvalidPurpose = errors.New("invalid session purpose")
	ErrInvalidSubject = errors.New("invalid session subject")
)

// Reason explains why a session failed validation or rotation.
type Reason string

const (
	ReasonNotFound        Reason = "NOT_FOUND"
	ReasonExpired         Reason = "EXPIRED"
	ReasonWrongPurpose    Reason = "WRONG_PURPOSE"
	ReasonAlreadyConsumed Reason = "ALREADY_CONSUMED"
)

// Err maps a reason to its sentinel error.
func (r Reason) Err() error {
	switch r {
	case ReasonExpired:
		return ErrExpired
	case ReasonWrongPurpose:
		return ErrWrongPurpose
	case ReasonAlreadyConsumed:
		return ErrAlreadyConsumed
	default:
		return ErrNotFound
	}
}

// RotationError is returned by RotateSession when the old session cannot be rotated.
type RotationError struct {
	Reason Reason
}

func (e *RotationError) Error() string {
	return fmt.Sprintf("rotate session: %s", e.Reason)
}

func (e *RotationError) Unwrap() error { return e.Reason.Err() }

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
