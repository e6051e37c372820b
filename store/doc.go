// Package store provides a unit-of-work persistence engine for hierarchical entities.
//
// A [Session] tracks a graph of in-memory entities, infers save order from the
// foreign-key relationships declared in a [Registry], and writes changes to a
// [Backend] in dependency order with bounded parallelism and retries.
//
// # Key Features
//
//   - Dependency leveling: parents are inserted before children, children deleted before parents
//   - Identity propagation: keys assigned on insert flow into child foreign keys
//   - Row-by-row or bulk inserts selected per batch by [BulkRule]
//   - Transient failure retries with a shared exponential backoff and backend reset
//   - Deferred accept with rollback of every value the save wrote
//   - Optional backend transactions
//
// # Entities
//
// Every persisted type implements the [Entity] interface:
//
//	type Entity interface {
//	    EntityType() string
//	    TableName() string
//	    Values() Values
//	    SetValue(field string, value any) error
//	}
//
// [Record] is a map-backed implementation for dynamically shaped rows.
//
// # Registry
//
// Keys and relationships are registered once at startup:
//
//	reg := store.NewRegistry()
//	reg.RegisterKey("organization", "id")
//	reg.RegisterKey("studio", "id")
//	reg.RegisterRelationship(store.Relationship{
//	    ParentType: "organization",
//	    ChildType:  "studio",
//	    ChildKey:   []string{"organization_id"},
//	})
//
// # Saving
//
//	s := store.New(backend, reg, store.WithLogger(logger))
//	sess := s.NewSession()
//	org, _ := sess.Add(store.NewRecord("organization", "organizations", nil))
//	studio, _ := sess.Add(store.NewRecord("studio", "studios", store.Values{"name": "north"}))
//	sess.Link(org, studio, "organization.studio")
//	outcomes, err := sess.Save(ctx, store.DefaultSettings())
//
// Added entities hold a [ShadowKey] in unassigned key fields until the
// backend reports the real key.
//
// # Backends
//
//   - dynamo: DynamoDB with parent checks, relationship records and TTL soft deletes
//   - pg: PostgreSQL on pgx with RETURNING, COPY bulk loads and transactions
//   - sqldb: database/sql, SQLite by default
//
// The stream package applies DynamoDB stream records to a [Session] through
// [Session.Refresh] and [Session.EvictKey].
//
// # Errors
//
//   - [ErrDuplicateKeyDefinition], [ErrUnresolvedType] - registry misconfiguration
//   - [ErrCyclicDependency] - dirty entities that cannot be ordered (see [CycleError])
//   - [ErrInvalidTransition] - a state change that would move an entity backwards
//   - [ErrUnresolvedIdentity] - a row still references an unassigned shadow key
//   - [SaveError] - rows that failed with a status not in Settings.ToleratedStatuses
package store
