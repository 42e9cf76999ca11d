package targets

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount rejects negative or malformed achievement amounts.
	ErrInvalidAmount = errors.New("invalid achievement amount")
	// ErrNotFound indicates the target does not exist.
	ErrNotFound = errors.New("target not found")
	// ErrInvalidTarget indicates a create request failed validation.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrVersionConflict is returned by Repository.Update when the stored
	// version no longer matches the expected one.
	ErrVersionConflict = errors.New("target version conflict")
	// ErrTargetInactive rejects achievements against expired, paused or completed
	// targets.
	ErrTargetInactive = errors.New("target is not active")
	// ErrInvalidSort rejects sort fields outside the allowed set.
	ErrInvalidSort = errors.New("invalid sort field")
)

// PersistenceError wraps a storage failure with the operation and target involved.
type PersistenceError struct {
	Op       string
	TargetID string
	Err      error
}

func (e *PersistenceError) Error() string {
	if e.TargetID == "" {
		return fmt.Sprintf("targets: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("targets: %s %s: %v", e.Op, e.TargetID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistenceErr(op, targetID string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, TargetID: targetID, Err: err}
}
