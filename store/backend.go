package store

import "context"

// Command is one row operation handed to a Backend.
type Command struct {
	Operation  Operation
	EntityType string
	Table      string
	Schema     string

	// KeyFields are the registered key fields of EntityType, in order.
	KeyFields []string

	// Key holds the row's key values. Inserts carry only assigned values.
	Key Values

	// Values are the fields to write: every assigned field for inserts,
	// the changed fields for updates, nothing for deletes.
	Values Values

	// Original holds the pre-change values of the fields in Values (updates only).
	Original Values

	// Row holds every current field value of the entity except shadow keys,
	// e.g. for optimistic concurrency columns not part of Values.
	Row Values

	// Generated lists key fields the backend must assign and return.
	Generated []string

	// Parents are the resolved tracked parents of the row.
	Parents []ParentRef
}

// ParentRef identifies a tracked parent of a row being saved.
type ParentRef struct {
	Relationship string
	EntityType   string
	Table        string
	Schema       string
	Ref          string
	Key          Values
}

// Result is what a backend reports for one executed Command.
type Result struct {
	// Values are output values (assigned keys, server-computed fields) to write back to the row.
	Values Values

	// Status is 0 on success; a nonzero status with a nil error is a backend-reported failure.
	Status int

	// Message accompanies a nonzero Status.
	Message string
}

// Backend executes row commands. Implementations must be safe for concurrent use.
type Backend interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
}

// BulkLoader is implemented by backends that can load many insert rows in
// one set-based call. No output values are captured.
type BulkLoader interface {
	BulkLoad(ctx context.Context, table string, cmds []Command) error
}

// Resetter is implemented by backends that can drop and recreate their
// underlying connection after a transient failure.
type Resetter interface {
	Reset(ctx context.Context) error
}

// TransientClassifier lets a backend mark errors as transient beyond the
// message patterns in Settings.
type TransientClassifier interface {
	Transient(err error) bool
}

// Transactor is implemented by backends that can run a save inside a transaction.
type Transactor interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a Backend bound to an open transaction.
type Tx interface {
	Backend
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Auditor supplies audit stamps (e.g., "updated_by", "updated_at") that are
// written to inserted and updated rows before their command is built.
type Auditor interface {
	Stamp(ctx context.Context, op Operation, e Entity) Values
}

// AuditorFunc adapts a function to Auditor.
type AuditorFunc func(ctx context.Context, op Operation, e Entity) Values

// Stamp implements Auditor.
func (f AuditorFunc) Stamp(ctx context.Context, op Operation, e Entity) Values {
	return f(ctx, op, e)
}
