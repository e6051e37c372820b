package store

import (
	"errors"
	"slices"
	"sync"
)

// pendingRow is the undo record of one row touched by a deferred save.
type pendingRow struct {
	id            ID
	entity        Entity
	op            Operation // zero when the row was only written to, never saved
	succeeded     bool
	priorState    State
	priorOriginal Values
	prior         Values // field values before the save first wrote them
}

// journal records pending-accept rows and their pre-images.
type journal struct {
	mu   sync.Mutex
	rows map[ID]*pendingRow
	seq  []ID
}

func newJournal() *journal {
	return &journal{rows: make(map[ID]*pendingRow)}
}

// row returns the record for id, creating it with the entity's current
// state and original values on first touch.
func (j *journal) row(g *Graph, id ID, e Entity) *pendingRow {
	j.mu.Lock()
	defer j.mu.Unlock()
	if r, ok := j.rows[id]; ok {
		return r
	}
	r := &pendingRow{
		id:            id,
		entity:        e,
		priorState:    g.State(id),
		priorOriginal: g.Original(id),
		prior:         make(Values),
	}
	j.rows[id] = r
	j.seq = append(j.seq, id)
	return r
}

// field records the value of field before its first write.
func (j *journal) field(g *Graph, id ID, e Entity, field string, prior any) {
	r := j.row(g, id, e)
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, seen := r.prior[field]; !seen {
		r.prior[field] = prior
	}
}

func (j *journal) succeed(g *Graph, id ID, e Entity, op Operation) {
	r := j.row(g, id, e)
	j.mu.Lock()
	defer j.mu.Unlock()
	r.op = op
	r.succeeded = true
}

// saved reports whether id was saved and awaits accept.
func (j *journal) saved(id ID) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.rows[id]
	return ok && r.succeeded
}

// merge moves other's rows into j, keeping j's pre-images for rows in both.
func (j *journal) merge(other *journal) {
	other.mu.Lock()
	defer other.mu.Unlock()
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, id := range other.seq {
		src := other.rows[id]
		dst, ok := j.rows[id]
		if !ok {
			j.rows[id] = src
			j.seq = append(j.seq, id)
			continue
		}
		for f, v := range src.prior {
			if _, seen := dst.prior[f]; !seen {
				dst.prior[f] = v
			}
		}
		if src.succeeded {
			dst.op, dst.succeeded = src.op, true
		}
	}
}

func (j *journal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.seq)
}

// drain empties the journal and returns its rows in first-touch order.
func (j *journal) drain() []*pendingRow {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*pendingRow, 0, len(j.seq))
	for _, id := range j.seq {
		out = append(out, j.rows[id])
	}
	j.rows = make(map[ID]*pendingRow)
	j.seq = nil
	return out
}

// accept finalizes a saved row: inserts and updates become Unchanged,
// deletes leave the graph.
func accept(g *Graph, id ID, op Operation) {
	switch op {
	case OpInsert, OpUpdate:
		g.setState(id, Unchanged)
		g.swapOriginal(id, nil)
	case OpDelete:
		g.Evict(id)
	}
}

// commitRows accepts every succeeded row.
func commitRows(g *Graph, rows []*pendingRow) int {
	n := 0
	for _, r := range rows {
		if r.succeeded {
			accept(g, r.id, r.op)
			n++
		}
	}
	return n
}

// rollbackRows restores pre-images, original values and state tags, in
// reverse order of first touch.
func rollbackRows(g *Graph, rows []*pendingRow) error {
	var errs []error
	for _, r := range slices.Backward(rows) {
		fields := make([]string, 0, len(r.prior))
		for f := range r.prior {
			fields = append(fields, f)
		}
		slices.Sort(fields)
		for _, f := range fields {
			if err := r.entity.SetValue(f, r.prior[f]); err != nil {
				errs = append(errs, err)
			}
		}
		if _, err := g.get(r.id); err != nil {
			continue
		}
		g.setState(r.id, r.priorState)
		g.swapOriginal(r.id, r.priorOriginal)
		if err := g.reindex(r.id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
