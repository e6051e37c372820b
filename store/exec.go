package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// executor runs the batches of one Save call against one backend.
type executor struct {
	store    *Store
	graph    *Graph
	backend  Backend
	settings Settings
	classify *classifier
	retries  int
	journal  *journal // nil when rows are accepted as soon as they succeed
	gate     resetGate
	logger   *slog.Logger
}

// rowResult is an Outcome plus the key values before and after execution,
// used for identity propagation.
type rowResult struct {
	Outcome
	oldKey Values
	newKey Values
}

func (r *rowResult) fail(err error) {
	r.Err = err
	r.Status = StatusOf(err)
	if r.Status == StatusOK {
		r.Status = StatusFailed
	}
	r.Message = err.Error()
}

func (x *executor) skipped(b *Batch, id ID) rowResult {
	e, _ := x.graph.Entity(id)
	return rowResult{Outcome: Outcome{
		ID:        id,
		Ref:       x.graph.Ref(id),
		Entity:    e,
		Operation: b.Operation,
		Status:    StatusSkipped,
		Message:   ErrSkipped.Error(),
		Err:       ErrSkipped,
	}}
}

// executeBatch runs one batch. Rows run with bounded parallelism; after a
// non-tolerated failure (unless ContinueOnError) rows not yet started are
// skipped while rows already running finish.
func (x *executor) executeBatch(ctx context.Context, b *Batch) []rowResult {
	if b.Strategy == Bulk {
		if loader, ok := x.backend.(BulkLoader); ok {
			return x.executeBulk(ctx, b, loader)
		}
		x.logger.Debug("backend has no bulk loader, writing row by row", "table", b.Table)
		b.Strategy = RowByRow
	}

	results := make([]rowResult, len(b.Rows))
	bo := newBackoff(x.settings)
	var abort atomic.Bool
	var g errgroup.Group
	g.SetLimit(x.settings.MaxDegreeOfParallelism)

	for i, id := range b.Rows {
		if abort.Load() || ctx.Err() != nil {
			results[i] = x.skipped(b, id)
			continue
		}
		g.Go(func() error {
			if abort.Load() || ctx.Err() != nil {
				results[i] = x.skipped(b, id)
				return nil
			}
			r := x.executeRow(ctx, b, id, bo)
			results[i] = r
			if !r.OK() && !x.settings.ContinueOnError && !x.settings.tolerated(r.Status) {
				abort.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// prepare stamps the row and builds its command.
func (x *executor) prepare(ctx context.Context, b *Batch, id ID) (rowResult, Command, error) {
	r := rowResult{Outcome: Outcome{ID: id, Ref: x.graph.Ref(id), Operation: b.Operation}}
	e, ok := x.graph.Entity(id)
	if !ok {
		return r, Command{}, fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	r.Entity = e
	if x.journal != nil {
		x.journal.row(x.graph, id, e)
	}
	if err := x.stamp(ctx, b.Operation, id, e); err != nil {
		return r, Command{}, err
	}
	cmd, key, err := x.command(b, id, e)
	r.oldKey = key
	return r, cmd, err
}

func (x *executor) executeRow(ctx context.Context, b *Batch, id ID, bo *backoff) rowResult {
	r, cmd, err := x.prepare(ctx, b, id)
	if err != nil {
		r.fail(err)
		x.logFailure(b, r)
		return r
	}

	retrying := false
	defer func() {
		if retrying {
			bo.leave()
		}
	}()
	for {
		r.Attempts++
		res, gen, err := x.gate.run(func() (Result, error) {
			return x.backend.Execute(ctx, cmd)
		})
		if err == nil && res.Status != StatusOK {
			err = WithStatus(res.Status, fmt.Errorf("%w: %s", ErrBackendFailure, res.Message))
		}
		if err == nil {
			if err := x.applyOutputs(id, r.Entity, cmd.KeyFields, res.Values); err != nil {
				r.fail(err)
				x.logFailure(b, r)
				return r
			}
			x.succeed(id, r.Entity, b.Operation)
			r.newKey = r.Entity.Values().Pick(cmd.KeyFields)
			return r
		}
		if r.Attempts > x.retries || !x.classify.transient(ctx, err) {
			r.fail(err)
			x.logFailure(b, r)
			return r
		}
		if !retrying {
			retrying = true
			bo.enter()
		}
		x.resetBackend(ctx, b, gen)
		delay := bo.next()
		x.notifyRetry(b, id, r.Ref, r.Attempts+1, delay, err)
		if err := x.store.sleep(ctx, delay); err != nil {
			r.fail(err)
			x.logFailure(b, r)
			return r
		}
	}
}

// executeBulk hands a whole insert batch to the bulk loader. The call is
// retried as a unit; every row shares its result.
func (x *executor) executeBulk(ctx context.Context, b *Batch, loader BulkLoader) []rowResult {
	results := make([]rowResult, len(b.Rows))
	cmds := make([]Command, 0, len(b.Rows))
	idx := make([]int, 0, len(b.Rows))
	for i, id := range b.Rows {
		r, cmd, err := x.prepare(ctx, b, id)
		if err != nil {
			r.fail(err)
		} else {
			cmds = append(cmds, cmd)
			idx = append(idx, i)
		}
		results[i] = r
	}
	if len(cmds) == 0 {
		return results
	}

	bo := newBackoff(x.settings)
	attempts := 0
	var err error
	for {
		attempts++
		var gen uint64
		_, gen, err = x.gate.run(func() (Result, error) {
			return Result{}, loader.BulkLoad(ctx, b.Table, cmds)
		})
		if err == nil || attempts > x.retries || !x.classify.transient(ctx, err) {
			break
		}
		if attempts == 1 {
			bo.enter()
		}
		x.resetBackend(ctx, b, gen)
		delay := bo.next()
		x.notifyRetry(b, 0, b.String(), attempts+1, delay, err)
		if serr := x.store.sleep(ctx, delay); serr != nil {
			err = serr
			break
		}
	}
	if attempts > 1 {
		bo.leave()
	}

	for _, i := range idx {
		r := &results[i]
		r.Attempts = attempts
		if err != nil {
			r.fail(err)
			continue
		}
		x.succeed(r.ID, r.Entity, b.Operation)
	}
	if err != nil {
		x.logger.Warn("bulk load failed",
			"table", b.Table,
			"rows", len(cmds),
			"attempts", attempts,
			"error", err,
		)
	}
	return results
}

// command builds the backend command for a row. Shadow-keyed key fields
// become Generated on insert; a shadow value anywhere else means the row
// references a parent whose identity was never assigned.
func (x *executor) command(b *Batch, id ID, e Entity) (Command, Values, error) {
	values := e.Values()
	keyFields := x.graph.registry.KeyFields(e.EntityType())
	key := values.Pick(keyFields)
	cmd := Command{
		Operation:  b.Operation,
		EntityType: e.EntityType(),
		Table:      e.TableName(),
		Schema:     schemaOf(e),
		KeyFields:  keyFields,
		Key:        make(Values, len(keyFields)),
	}
	for _, f := range keyFields {
		v := values[f]
		if IsShadow(v) {
			if b.Operation != OpInsert {
				return cmd, key, fmt.Errorf("%w: %s key %s", ErrUnresolvedIdentity, x.graph.Ref(id), f)
			}
			cmd.Generated = append(cmd.Generated, f)
			continue
		}
		cmd.Key[f] = v
	}

	switch b.Operation {
	case OpInsert:
		cmd.Values = make(Values, len(values))
		for f, v := range values {
			if IsShadow(v) && slices.Contains(keyFields, f) {
				continue
			}
			cmd.Values[f] = v
		}
	case OpUpdate:
		original := x.graph.Original(id)
		cmd.Values = make(Values, len(values))
		if len(original) == 0 {
			for f, v := range values {
				if !slices.Contains(keyFields, f) {
					cmd.Values[f] = v
				}
			}
		} else {
			for f := range original {
				cmd.Values[f] = values[f]
			}
			cmd.Original = original
		}
	}
	for f, v := range cmd.Values {
		if IsShadow(v) {
			return cmd, key, fmt.Errorf("%w: %s field %s", ErrUnresolvedIdentity, x.graph.Ref(id), f)
		}
	}
	cmd.Row = make(Values, len(values))
	for f, v := range values {
		if !IsShadow(v) {
			cmd.Row[f] = v
		}
	}
	cmd.Parents = x.graph.ParentRefs(id)
	return cmd, key, nil
}

// stamp writes audit values to inserted and updated rows.
func (x *executor) stamp(ctx context.Context, op Operation, id ID, e Entity) error {
	if x.store.auditor == nil || op == OpDelete {
		return nil
	}
	stamps := x.store.auditor.Stamp(ctx, op, e)
	if len(stamps) == 0 {
		return nil
	}
	prior := e.Values()
	for f, v := range stamps {
		if x.journal != nil {
			x.journal.field(x.graph, id, e, f, prior[f])
		}
		if op == OpUpdate {
			x.graph.noteOriginal(id, f, prior[f])
		}
		if err := e.SetValue(f, v); err != nil {
			return fmt.Errorf("audit stamp %s: %w", f, err)
		}
	}
	return nil
}

// applyOutputs writes backend output values to the row, journaling pre-images.
func (x *executor) applyOutputs(id ID, e Entity, keyFields []string, out Values) error {
	if len(out) == 0 {
		return nil
	}
	prior := e.Values()
	rekey := false
	for f, v := range out {
		if x.journal != nil {
			x.journal.field(x.graph, id, e, f, prior[f])
		}
		if err := e.SetValue(f, v); err != nil {
			return fmt.Errorf("set output %s: %w", f, err)
		}
		if slices.Contains(keyFields, f) {
			rekey = true
		}
	}
	if rekey {
		return x.graph.reindex(id)
	}
	return nil
}

func (x *executor) succeed(id ID, e Entity, op Operation) {
	if x.journal != nil {
		x.journal.succeed(x.graph, id, e, op)
		return
	}
	accept(x.graph, id, op)
}

func (x *executor) resetBackend(ctx context.Context, b *Batch, gen uint64) {
	r, ok := x.backend.(Resetter)
	if !ok {
		return
	}
	did, err := x.gate.reset(ctx, r, gen)
	if !did {
		return
	}
	x.store.metrics.reset(b.Table)
	if err != nil {
		x.logger.Warn("backend reset failed", "table", b.Table, "error", err)
		return
	}
	x.logger.Debug("backend reset", "table", b.Table)
}

func (x *executor) notifyRetry(b *Batch, id ID, ref string, attempt int, delay time.Duration, err error) {
	x.store.metrics.retried(b.Table)
	x.logger.Debug("retrying after transient failure",
		"table", b.Table,
		"ref", ref,
		"attempt", attempt,
		"delay", delay,
		"error", err,
	)
	if x.store.hooks.Retry != nil {
		x.store.hooks.Retry(RetryEvent{Batch: b, ID: id, Ref: ref, Attempt: attempt, Delay: delay, Err: err})
	}
}

func (x *executor) logFailure(b *Batch, r rowResult) {
	x.logger.Warn("row failed",
		"operation", b.Operation.String(),
		"table", b.Table,
		"ref", r.Ref,
		"status", r.Status,
		"attempts", r.Attempts,
		"error", r.Err,
	)
}
