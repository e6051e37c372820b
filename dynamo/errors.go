package dynamo

import (
	"errors"

	"github.com/jacentio/espalier/store"
)

var (
	// ErrParentNotFound is returned when a parent row doesn't exist or is deleted.
	ErrParentNotFound = errors.New("espalier: parent entity not found")

	// ErrNotFound is returned when a row doesn't exist or is deleted (has TTL <= now).
	ErrNotFound = errors.New("espalier: entity not found")

	// ErrAlreadyExists is returned when inserting a row whose key is taken.
	ErrAlreadyExists = errors.New("espalier: entity already exists")

	// ErrHasChildren is returned when deleting a row with active children under OrphanProtect.
	ErrHasChildren = errors.New("espalier: entity has active children")

	// ErrConcurrentModification is returned when the optimistic lock fails (version mismatch).
	ErrConcurrentModification = errors.New("espalier: entity was modified concurrently")

	// ErrUnprocessedItems is returned when a bulk load leaves items unwritten after all retries.
	ErrUnprocessedItems = errors.New("espalier: unprocessed bulk items")

	// ErrNoKey is returned for commands whose entity type has no registered key.
	ErrNoKey = errors.New("espalier: entity type has no key fields")
)

// withStatus attaches the outcome status code for known backend errors.
func withStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrParentNotFound), errors.Is(err, ErrNotFound):
		return store.WithStatus(store.StatusNotFound, err)
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrHasChildren), errors.Is(err, ErrConcurrentModification):
		return store.WithStatus(store.StatusConflict, err)
	case errors.Is(err, ErrUnprocessedItems):
		return store.WithStatus(store.StatusUnavailable, err)
	}
	return err
}
