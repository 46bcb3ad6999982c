package types

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the engine.  Using sentinel variables allows
// callers to reliably detect error conditions via errors.Is instead of
// brittle string comparisons.
var (
	// ErrValidation indicates malformed input or an unknown field/step.
	ErrValidation = errors.New("validation error")

	// ErrPermission indicates the caller's role is not authorized for the
	// attempted transition or decision.
	ErrPermission = errors.New("permission denied")

	// ErrNotFound indicates a missing session, step, field or request.
	ErrNotFound = errors.New("not found")

	// ErrLockHeld indicates exclusive-access contention on a step.
	ErrLockHeld = errors.New("lock held")

	// ErrConflict indicates a stale optimistic-concurrency token or a write
	// attempted against a frozen/approved field.
	ErrConflict = errors.New("conflict")

	// ErrIntegrity indicates audit chain verification failure.  It is fatal
	// to trust in the session's history; approvals must be blocked until the
	// chain is manually reconciled.
	ErrIntegrity = errors.New("integrity violation")

	// ErrTimeout indicates heartbeat or lock expiry.
	ErrTimeout = errors.New("timeout")
)

func NewValidationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NewPermissionError(role, action string) error {
	return fmt.Errorf("%w: role %q may not %s", ErrPermission, role, action)
}

func NewNotFoundError(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}

func NewLockHeldError(holder, step string) error {
	return fmt.Errorf("%w: step %q is locked by %s", ErrLockHeld, step, holder)
}

func NewConflictError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func NewIntegrityError(sessionID string, detail string) error {
	return fmt.Errorf("%w: session %s: %s", ErrIntegrity, sessionID, detail)
}

func NewTimeoutError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTimeout, fmt.Sprintf(format, args...))
}
