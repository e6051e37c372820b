package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateKeyDefinition is returned when a type's key is registered twice with different fields.
	ErrDuplicateKeyDefinition = errors.New("espalier: duplicate key definition")

	// ErrInvalidKey is returned when a key registration names no fields.
	ErrInvalidKey = errors.New("espalier: invalid key definition")

	// ErrUnresolvedType is returned when a relationship refers to a type without a registered key.
	ErrUnresolvedType = errors.New("espalier: unresolved entity type")

	// ErrInvalidRelationship is returned when parent and child key lists do not line up.
	ErrInvalidRelationship = errors.New("espalier: invalid relationship")

	// ErrCyclicDependency is returned when dirty entities are mutually required to precede each other.
	ErrCyclicDependency = errors.New("espalier: cyclic dependency")

	// ErrInvalidTransition is returned when a state change would move an entity backwards.
	ErrInvalidTransition = errors.New("espalier: invalid state transition")

	// ErrUnknownEntity is returned for IDs that are not tracked by the session.
	ErrUnknownEntity = errors.New("espalier: entity not tracked")

	// ErrAlreadyTracked is returned when an entity with the same identity is tracked twice.
	ErrAlreadyTracked = errors.New("espalier: entity already tracked")

	// ErrUnresolvedIdentity is returned when a row still references a shadow key at execution time.
	ErrUnresolvedIdentity = errors.New("espalier: unresolved shadow identity")

	// ErrSkipped marks rows that were never dispatched because the batch aborted.
	ErrSkipped = errors.New("espalier: row skipped")

	// ErrBackendFailure wraps a nonzero status reported by a backend without an error value.
	ErrBackendFailure = errors.New("espalier: backend reported failure")
)

// Status codes carried by Outcome.Status.
const (
	StatusSkipped     = -1
	StatusOK          = 0
	StatusFailed      = 1
	StatusNotFound    = 404
	StatusConflict    = 409
	StatusConstraint  = 422
	StatusUnavailable = 503
)

// StatusCoder is implemented by errors that carry a backend status code.
type StatusCoder interface {
	StatusCode() int
}

type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) StatusCode() int { return e.code }

// WithStatus attaches a status code to err. A nil err stays nil.
func WithStatus(code int, err error) error {
	if err == nil {
		return nil
	}
	return &statusError{code: code, err: err}
}

// StatusOf extracts the status code from err: StatusOK for nil,
// StatusFailed when err carries none.
func StatusOf(err error) int {
	if err == nil {
		return StatusOK
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return StatusFailed
}

// CycleError reports the entities that could not be assigned a dependency level.
type CycleError struct {
	Refs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s among %s", ErrCyclicDependency, strings.Join(e.Refs, ", "))
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependency }

// SaveError aggregates the failed rows of a Save call.
type SaveError struct {
	Failed []Outcome
}

func (e *SaveError) Error() string {
	if len(e.Failed) == 1 {
		o := e.Failed[0]
		return fmt.Sprintf("espalier: save failed: %s %s: %s", o.Operation, o.Ref, o.Message)
	}
	return fmt.Sprintf("espalier: save failed for %d rows; first: %s %s: %s",
		len(e.Failed), e.Failed[0].Operation, e.Failed[0].Ref, e.Failed[0].Message)
}

// Unwrap exposes every underlying row error to errors.Is and errors.As.
func (e *SaveError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, o := range e.Failed {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}
