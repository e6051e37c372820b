package store

import (
	"cmp"
	"fmt"
	"slices"
)

// Strategy is how an insert batch reaches the backend.
type Strategy uint8

const (
	// RowByRow executes one command per row and captures output values.
	RowByRow Strategy = iota
	// Bulk hands all rows to the backend's bulk loader without output capture.
	Bulk
)

func (s Strategy) String() string {
	if s == Bulk {
		return "bulk"
	}
	return "row"
}

// Batch is a set of same-operation rows bound for one backend object at one
// dependency level. Batches are built fresh for every Save call.
type Batch struct {
	Operation Operation
	Level     int
	Table     string
	Schema    string
	Priority  bool
	Strategy  Strategy
	Rows      []ID
}

func (b *Batch) String() string {
	name := b.Table
	if b.Schema != "" {
		name = b.Schema + "." + b.Table
	}
	return fmt.Sprintf("%s %s level %d (%d rows)", b.Operation, name, b.Level, len(b.Rows))
}

type batchKey struct {
	op       Operation
	priority bool
	level    int
	schema   string
	table    string
}

// phase orders batch kinds within one save.
func (b *Batch) phase() int {
	switch {
	case b.Operation == OpUpdate && b.Priority:
		return 0
	case b.Operation == OpInsert:
		return 1
	case b.Operation == OpUpdate:
		return 2
	default:
		return 3
	}
}

// planBatches groups leveled rows into batches and orders them: priority
// updates, inserts by ascending level, updates, then deletes by descending
// level. Batches at the same position are ordered by backend object name.
func planBatches(g *Graph, ids []ID, levels map[ID]int) []*Batch {
	groups := make(map[batchKey]*Batch)
	var out []*Batch
	for _, id := range ids {
		en, err := g.get(id)
		if err != nil {
			continue
		}
		state := g.State(id)
		op, ok := state.Operation()
		if !ok {
			continue
		}
		k := batchKey{
			op:       op,
			priority: state == ModifiedPriority,
			level:    levels[id],
			schema:   schemaOf(en.entity),
			table:    en.entity.TableName(),
		}
		b, ok := groups[k]
		if !ok {
			b = &Batch{Operation: k.op, Level: k.level, Table: k.table, Schema: k.schema, Priority: k.priority}
			groups[k] = b
			out = append(out, b)
		}
		b.Rows = append(b.Rows, id)
	}

	slices.SortStableFunc(out, func(a, b *Batch) int {
		if c := cmp.Compare(a.phase(), b.phase()); c != 0 {
			return c
		}
		if a.Operation == OpDelete {
			if c := cmp.Compare(b.Level, a.Level); c != 0 {
				return c
			}
		} else if c := cmp.Compare(a.Level, b.Level); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Schema, b.Schema); c != 0 {
			return c
		}
		return cmp.Compare(a.Table, b.Table)
	})
	return out
}

// deepestInsertLevel returns the highest level among insert batches, or -1.
func deepestInsertLevel(batches []*Batch) int {
	deepest := -1
	for _, b := range batches {
		if b.Operation == OpInsert && b.Level > deepest {
			deepest = b.Level
		}
	}
	return deepest
}

// chooseStrategy applies the bulk insert rules to one insert batch.
func chooseStrategy(b *Batch, s Settings, deepest int) Strategy {
	if b.Operation != OpInsert || s.BulkInsertRules == BulkNever {
		return RowByRow
	}
	rules := s.BulkInsertRules
	eligible := rules.Has(BulkAlways) ||
		(rules.Has(BulkThreshold) && len(b.Rows) >= s.BulkInsertMinimumRows)
	if !eligible {
		return RowByRow
	}
	if rules.Has(BulkLeafOnly) && b.Level != deepest {
		return RowByRow
	}
	if rules.Has(BulkByType) && !s.bulkTable(b.Table) {
		return RowByRow
	}
	return Bulk
}
