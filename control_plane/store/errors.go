package store

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when a referenced entity does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// StateConflictError is returned when an operation is not allowed from the
// entity's current state. Nothing is mutated when it is returned.
type StateConflictError struct {
	Entity  string
	ID      string
	Current string
	Op      string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Op, e.Entity, e.ID, e.Current)
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsStateConflict reports whether err is, or wraps, a StateConflictError.
func IsStateConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}
