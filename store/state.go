package store

import "fmt"

// State is the change-tracking state of a tracked entity.
type State uint8

const (
	// Unchanged entities match the backend and are not saved.
	Unchanged State = iota
	// Modified entities have dirty fields to update.
	Modified
	// ModifiedPriority entities are updated before any insert is issued.
	ModifiedPriority
	// Added entities are inserted.
	Added
	// Deleted entities are deleted.
	Deleted
	// Unlinked entities have left the unit of work and are never saved.
	Unlinked
)

var stateNames = [...]string{"Unchanged", "Modified", "ModifiedPriority", "Added", "Deleted", "Unlinked"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// Dirty reports whether an entity in this state has pending work.
func (s State) Dirty() bool {
	return s == Modified || s == ModifiedPriority || s == Added || s == Deleted
}

// rank orders states along Unchanged -> Modified -> (Added|Deleted) -> Unlinked.
func (s State) rank() int {
	switch s {
	case Unchanged:
		return 0
	case Modified, ModifiedPriority:
		return 1
	case Added, Deleted:
		return 2
	default:
		return 3
	}
}

// Operation returns the save operation for a dirty state.
func (s State) Operation() (Operation, bool) {
	switch s {
	case Added:
		return OpInsert, true
	case Modified, ModifiedPriority:
		return OpUpdate, true
	case Deleted:
		return OpDelete, true
	}
	return 0, false
}

// transition computes the state reached by marking an entity in state from
// as to. Deleting an Added entity unlinks it, since it was never persisted.
func transition(from, to State) (State, error) {
	switch {
	case from == to:
		return from, nil
	case from == Unlinked:
		return from, fmt.Errorf("%w: entity is unlinked", ErrInvalidTransition)
	case from == Added && to == Deleted:
		return Unlinked, nil
	case from == Added && (to == Modified || to == ModifiedPriority):
		return Added, nil
	case from == Deleted && to != Unlinked:
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	case from == Modified && to == ModifiedPriority:
		return ModifiedPriority, nil
	case from == ModifiedPriority && to == Modified:
		return ModifiedPriority, nil
	case to.rank() < from.rank():
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}
