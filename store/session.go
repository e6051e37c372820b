package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Session is a unit of work: the tracked entities of one logical operation
// sequence and the rows still pending accept from deferred saves.
//
// A Session is single-writer. Save, Commit and Rollback serialize on the
// session; the graph itself is only mutated concurrently by Save's workers.
type Session struct {
	store *Store
	graph *Graph

	mu      sync.Mutex
	pending *journal
}

// Graph returns the tracked graph.
func (s *Session) Graph() *Graph { return s.graph }

// Entity returns a tracked entity.
func (s *Session) Entity(id ID) (Entity, bool) { return s.graph.Entity(id) }

// State returns the state of a tracked entity.
func (s *Session) State(id ID) State { return s.graph.State(id) }

// Add tracks a new entity to be inserted.
func (s *Session) Add(e Entity) (ID, error) {
	return s.graph.Track(e, Added)
}

// Attach tracks an entity already present in the backend.
func (s *Session) Attach(e Entity) (ID, error) {
	return s.graph.Track(e, Unchanged)
}

// Set assigns a field. The first change of a field on a persisted entity
// records its original value and marks the entity Modified.
func (s *Session) Set(id ID, field string, value any) error {
	e, ok := s.graph.Entity(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	if st := s.graph.State(id); st == Deleted || st == Unlinked {
		return fmt.Errorf("%w: set %s on %s entity %s", ErrInvalidTransition, field, st, s.graph.Ref(id))
	}
	return s.writeField(nil, id, e, field, value)
}

// writeField sets a field, journaling its pre-image when j is non-nil.
func (s *Session) writeField(j *journal, id ID, e Entity, field string, value any) error {
	prior := e.Values()[field]
	if j != nil {
		j.field(s.graph, id, e, field, prior)
	}
	switch s.graph.State(id) {
	case Unchanged, Modified, ModifiedPriority:
		s.graph.noteOriginal(id, field, prior)
		if _, err := s.graph.mark(id, Modified); err != nil {
			return err
		}
	}
	if err := e.SetValue(field, value); err != nil {
		return fmt.Errorf("set %s.%s: %w", e.EntityType(), field, err)
	}
	if slices.Contains(s.graph.registry.KeyFields(e.EntityType()), field) {
		return s.graph.reindex(id)
	}
	return nil
}

// MarkModified flags a persisted entity for update. Priority updates are
// issued before any insert of the same save.
func (s *Session) MarkModified(id ID, priority bool) error {
	to := Modified
	if priority {
		to = ModifiedPriority
	}
	_, err := s.graph.mark(id, to)
	return err
}

// MarkDeleted flags an entity for deletion. An entity that was added and
// never saved leaves the session instead.
func (s *Session) MarkDeleted(id ID) error {
	st, err := s.graph.mark(id, Deleted)
	if err != nil {
		return err
	}
	if st == Unlinked {
		s.graph.Evict(id)
	}
	return nil
}

// Link points child at parent through the named relationship by copying
// the parent's key values into the child's foreign-key fields. Shadow keys
// are copied too and replaced once the parent is inserted.
func (s *Session) Link(parentID, childID ID, relationship string) error {
	rel, ok := s.graph.registry.Relationship(relationship)
	if !ok {
		return fmt.Errorf("%w: unknown relationship %q", ErrInvalidRelationship, relationship)
	}
	parent, ok := s.graph.Entity(parentID)
	if !ok {
		return fmt.Errorf("%w: parent %d", ErrUnknownEntity, parentID)
	}
	child, ok := s.graph.Entity(childID)
	if !ok {
		return fmt.Errorf("%w: child %d", ErrUnknownEntity, childID)
	}
	if parent.EntityType() != rel.ParentType || child.EntityType() != rel.ChildType {
		return fmt.Errorf("%w: %s links %s to %s, got %s and %s", ErrInvalidRelationship,
			rel.Name, rel.ParentType, rel.ChildType, parent.EntityType(), child.EntityType())
	}
	pv := parent.Values()
	for i, cf := range rel.ChildKey {
		if err := s.Set(childID, cf, pv[rel.ParentKey[i]]); err != nil {
			return err
		}
	}
	return nil
}

// Evict removes an entity from the session without saving it.
func (s *Session) Evict(id ID) bool {
	return s.graph.Evict(id)
}

// Refresh applies values reported by the backend to the tracked entity with
// the same key. Entities with pending local changes are left alone. It waits
// for a running Save to finish.
func (s *Session) Refresh(entityType string, values Values) (ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.graph.Lookup(entityType, values)
	if !ok || s.graph.State(id) != Unchanged {
		return id, false
	}
	e, _ := s.graph.Entity(id)
	for f, v := range values {
		if err := e.SetValue(f, v); err != nil {
			s.store.logger.Warn("refresh failed", "ref", s.graph.Ref(id), "field", f, "error", err)
			return id, false
		}
	}
	return id, true
}

// EvictKey evicts the unchanged entity with the given key, e.g. after the
// backend reported it deleted. It waits for a running Save to finish.
func (s *Session) EvictKey(entityType string, key Values) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.graph.Lookup(entityType, key)
	if !ok || s.graph.State(id) != Unchanged {
		return false
	}
	return s.graph.Evict(id)
}

// Pending returns the number of rows awaiting Commit or Rollback.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return 0
	}
	return s.pending.len()
}

// Commit accepts every row saved with deferred accept and returns how many
// were accepted.
func (s *Session) Commit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return 0
	}
	return commitRows(s.graph, s.pending.drain())
}

// Rollback restores every row touched by deferred saves to its state and
// values from before the save.
func (s *Session) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	return rollbackRows(s.graph, s.pending.drain())
}

// Save writes the session's dirty entities to the backend and returns the
// per-row outcomes. The error is a *SaveError when rows failed with a status
// not tolerated by settings; configuration errors are returned before any
// row is written.
func (s *Session) Save(ctx context.Context, settings Settings) ([]Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings.validate()
	logger := s.store.logger
	if s.store.backend == nil {
		return nil, errors.New("espalier: store has no backend")
	}
	classify, err := newClassifier(settings, s.store.backend)
	if err != nil {
		return nil, err
	}

	dirty := s.selectDirty(settings)
	if len(dirty) == 0 {
		return nil, nil
	}
	levels, err := Level(s.graph, dirty)
	if err != nil {
		return nil, err
	}
	batches := planBatches(s.graph, dirty, levels)
	s.assignStrategies(batches, settings)

	x := &executor{
		store:    s.store,
		graph:    s.graph,
		backend:  s.store.backend,
		settings: settings,
		classify: classify,
		retries:  settings.SaveRetryCount,
		logger:   logger,
	}
	deferred := settings.DeferAcceptChanges
	var tx Tx
	if settings.Transactional {
		if t, ok := s.store.backend.(Transactor); ok {
			tx, err = t.Begin(ctx)
			if err != nil {
				return nil, fmt.Errorf("begin transaction: %w", err)
			}
			x.backend = tx
			x.retries = 0
			deferred = true
		} else {
			logger.Warn("backend does not support transactions, saving without one")
		}
	}
	if deferred {
		x.journal = newJournal()
	}

	logger.Debug("saving",
		"rows", len(dirty),
		"batches", len(batches),
		"transactional", tx != nil,
	)

	var outcomes, failed []Outcome
	var runErr error
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if s.store.hooks.Preview != nil {
			if err := s.store.hooks.Preview(ctx, b); err != nil {
				runErr = fmt.Errorf("preview %s: %w", b, err)
				break
			}
		}

		start := time.Now()
		results := x.executeBatch(ctx, b)
		took := time.Since(start)

		batchOutcomes := make([]Outcome, len(results))
		for i := range results {
			batchOutcomes[i] = results[i].Outcome
		}
		s.store.metrics.observeBatch(b, took, batchOutcomes)
		if s.store.hooks.BatchDone != nil {
			s.store.hooks.BatchDone(b, batchOutcomes)
		}
		outcomes = append(outcomes, batchOutcomes...)

		batchFailed := Failed(batchOutcomes, settings)
		logger.Debug("batch done",
			"operation", b.Operation.String(),
			"table", b.Table,
			"level", b.Level,
			"strategy", b.Strategy.String(),
			"rows", len(b.Rows),
			"failed", len(batchFailed),
			"took", took,
		)

		if b.Operation == OpInsert {
			if err := s.propagate(x.journal, results); err != nil {
				runErr = fmt.Errorf("propagate identities: %w", err)
				break
			}
		}
		if len(batchFailed) > 0 {
			failed = append(failed, batchFailed...)
			if !settings.ContinueOnError {
				break
			}
		}
	}

	runErr = s.finish(ctx, tx, x.journal, settings, runErr, len(failed) > 0)

	if len(failed) > 0 {
		logger.Warn("save failed", "rows", len(outcomes), "failed", len(failed))
		saveErr := &SaveError{Failed: failed}
		if runErr != nil {
			return outcomes, errors.Join(runErr, saveErr)
		}
		return outcomes, saveErr
	}
	if runErr != nil {
		return outcomes, runErr
	}
	logger.Info("save complete", "rows", len(outcomes), "batches", len(batches))
	return outcomes, nil
}

// finish commits or rolls back the transaction and settles the run's journal.
func (s *Session) finish(ctx context.Context, tx Tx, j *journal, settings Settings, runErr error, failed bool) error {
	if tx == nil {
		if j != nil {
			s.pendingJournal().merge(j)
		}
		return runErr
	}

	if runErr == nil && !failed {
		err := tx.Commit(ctx)
		if err == nil {
			if settings.DeferAcceptChanges {
				s.pendingJournal().merge(j)
			} else {
				commitRows(s.graph, j.drain())
			}
			return nil
		}
		runErr = fmt.Errorf("commit transaction: %w", err)
	}

	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		s.store.logger.Warn("transaction rollback failed", "error", err)
		runErr = errors.Join(runErr, fmt.Errorf("rollback transaction: %w", err))
	}
	if err := rollbackRows(s.graph, j.drain()); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("restore rows: %w", err))
	}
	return runErr
}

func (s *Session) pendingJournal() *journal {
	if s.pending == nil {
		s.pending = newJournal()
	}
	return s.pending
}

// selectDirty returns the dirty entities within the root restriction whose
// operation is allowed. Rows already saved and awaiting Commit are excluded.
func (s *Session) selectDirty(settings Settings) []ID {
	candidates := s.graph.Dirty()
	if len(settings.RootTypes) > 0 || len(settings.Roots) > 0 {
		roots := slices.Clone(settings.Roots)
		for _, t := range settings.RootTypes {
			roots = append(roots, s.graph.OfType(t)...)
		}
		scope := make(map[ID]bool)
		for _, id := range s.graph.Descendants(roots) {
			scope[id] = true
		}
		candidates = slices.DeleteFunc(candidates, func(id ID) bool { return !scope[id] })
	}
	return slices.DeleteFunc(candidates, func(id ID) bool {
		if s.pending != nil && s.pending.saved(id) {
			return true
		}
		op, ok := s.graph.State(id).Operation()
		return !ok || !settings.AllowedOperations.Has(op)
	})
}

// assignStrategies picks row-by-row or bulk for each insert batch. A batch
// holding shadow-keyed rows that tracked children reference stays row by
// row, since bulk loads return no assigned keys.
func (s *Session) assignStrategies(batches []*Batch, settings Settings) {
	_, canBulk := s.store.backend.(BulkLoader)
	deepest := deepestInsertLevel(batches)
	var idx map[string]fkIndex
	for _, b := range batches {
		if b.Operation != OpInsert {
			continue
		}
		b.Strategy = chooseStrategy(b, settings, deepest)
		if b.Strategy != Bulk {
			continue
		}
		if !canBulk {
			b.Strategy = RowByRow
			continue
		}
		if idx == nil {
			idx = s.graph.childIndex()
		}
		if s.needsIdentity(idx, b) {
			s.store.logger.Debug("bulk load skipped, children need assigned keys", "table", b.Table, "rows", len(b.Rows))
			b.Strategy = RowByRow
		}
	}
}

func (s *Session) needsIdentity(idx map[string]fkIndex, b *Batch) bool {
	for _, id := range b.Rows {
		e, ok := s.graph.Entity(id)
		if !ok {
			continue
		}
		values := e.Values()
		shadowed := false
		for _, f := range s.graph.registry.KeyFields(e.EntityType()) {
			if IsShadow(values[f]) {
				shadowed = true
				break
			}
		}
		if shadowed && len(s.graph.childrenWith(idx, id)) > 0 {
			return true
		}
	}
	return false
}

// propagate copies keys assigned by an insert batch into the foreign-key
// fields of the children still holding the previous key values.
func (s *Session) propagate(j *journal, results []rowResult) error {
	var idx map[string]fkIndex
	for _, r := range results {
		if !r.OK() || r.newKey == nil || r.Entity == nil {
			continue
		}
		e := r.Entity
		keyFields := s.graph.registry.KeyFields(e.EntityType())
		oldRef, _ := formatKey(r.oldKey, keyFields)
		newRef, _ := formatKey(r.newKey, keyFields)
		if oldRef == newRef {
			continue
		}
		if idx == nil {
			idx = s.graph.childIndex()
		}

		current := e.Values()
		previous := current.Clone()
		for f, v := range r.oldKey {
			previous[f] = v
		}
		for _, rel := range s.graph.registry.ChildrenOf(e.EntityType()) {
			fk, ok := formatKey(previous, rel.ParentKey)
			if !ok {
				continue
			}
			for _, cid := range idx[rel.Name][fk] {
				if cid == r.ID {
					continue
				}
				child, ok := s.graph.Entity(cid)
				if !ok {
					continue
				}
				for i, cf := range rel.ChildKey {
					if err := s.writeField(j, cid, child, cf, current[rel.ParentKey[i]]); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}
