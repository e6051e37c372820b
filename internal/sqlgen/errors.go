package sqlgen

import (
	"errors"
	"fmt"

	"github.com/jacentio/espalier/store"
)

var (
	// ErrNotFound is returned when an update or delete matched no row.
	ErrNotFound = errors.New("espalier: row not found")

	// ErrConcurrentModification is returned when an optimistic update matched no row.
	ErrConcurrentModification = errors.New("espalier: row was modified concurrently")

	// ErrDuplicate is returned on unique or primary key violations.
	ErrDuplicate = errors.New("espalier: duplicate key")

	// ErrForeignKey is returned on foreign key violations.
	ErrForeignKey = errors.New("espalier: foreign key violation")

	// ErrConstraint is returned on other integrity constraint violations.
	ErrConstraint = errors.New("espalier: constraint violation")
)

// Missing reports a conditional statement that affected no row.
func Missing(cmd store.Command, optimistic bool) error {
	ref, _ := store.EntityRef(cmd.EntityType, cmd.Key, cmd.KeyFields)
	if optimistic && cmd.Operation == store.OpUpdate && len(cmd.Original) > 0 {
		return store.WithStatus(store.StatusConflict, fmt.Errorf("%w: %s", ErrConcurrentModification, ref))
	}
	return store.WithStatus(store.StatusNotFound, fmt.Errorf("%w: %s", ErrNotFound, ref))
}

// Violation wraps a driver constraint error with its sentinel and status.
func Violation(sentinel, err error) error {
	status := store.StatusConstraint
	if sentinel == ErrDuplicate {
		status = store.StatusConflict
	}
	return store.WithStatus(status, fmt.Errorf("%w: %w", sentinel, err))
}
