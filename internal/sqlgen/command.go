package sqlgen

import (
	"errors"
	"fmt"
	"slices"

	"github.com/jacentio/espalier/store"
)

// ErrNoKey is returned for update and delete commands missing a key value.
var ErrNoKey = errors.New("espalier: command has no key value")

// Statement is a rendered command.
type Statement struct {
	SQL  string
	Args []any

	// Returning lists the columns the statement returns, in order.
	Returning []string

	// Conditional is set when a zero row count means the row was not found
	// or changed concurrently.
	Conditional bool
}

// Options tune how commands are rendered.
type Options struct {
	// Optimistic adds the original values of updated fields to the WHERE
	// clause, so a concurrent change makes the update match no row.
	Optimistic bool

	// Returning names server-computed columns captured after inserts and
	// updates in addition to generated keys.
	Returning []string
}

// Command renders cmd. An update with nothing to set renders an empty
// statement, which callers treat as a no-op.
func (b Builder) Command(cmd store.Command, opts Options) (Statement, error) {
	switch cmd.Operation {
	case store.OpInsert:
		cols := sortedKeys(cmd.Values)
		st := Statement{
			Returning: append(slices.Clone(cmd.Generated), opts.Returning...),
		}
		for _, c := range cols {
			st.Args = append(st.Args, cmd.Values[c])
		}
		st.SQL = b.Insert(cmd.Schema, cmd.Table, cols, st.Returning)
		return st, nil

	case store.OpUpdate:
		set := make([]string, 0, len(cmd.Values))
		for _, c := range sortedKeys(cmd.Values) {
			if !slices.Contains(cmd.KeyFields, c) {
				set = append(set, c)
			}
		}
		if len(set) == 0 {
			return Statement{}, nil
		}
		st := Statement{Returning: opts.Returning, Conditional: true}
		for _, c := range set {
			st.Args = append(st.Args, cmd.Values[c])
		}
		where, args, err := keyWhere(cmd)
		if err != nil {
			return Statement{}, err
		}
		if opts.Optimistic {
			for _, c := range sortedKeys(cmd.Original) {
				if slices.Contains(cmd.KeyFields, c) {
					continue
				}
				v := cmd.Original[c]
				where = append(where, Cond{Column: c, IsNull: v == nil})
				if v != nil {
					args = append(args, v)
				}
			}
		}
		st.Args = append(st.Args, args...)
		st.SQL = b.Update(cmd.Schema, cmd.Table, set, where, st.Returning)
		return st, nil

	case store.OpDelete:
		where, args, err := keyWhere(cmd)
		if err != nil {
			return Statement{}, err
		}
		return Statement{
			SQL:         b.Delete(cmd.Schema, cmd.Table, where),
			Args:        args,
			Conditional: true,
		}, nil
	}
	return Statement{}, fmt.Errorf("unsupported operation %s", cmd.Operation)
}

// keyWhere renders the key equality terms in key field order.
func keyWhere(cmd store.Command) ([]Cond, []any, error) {
	if len(cmd.KeyFields) == 0 {
		return nil, nil, fmt.Errorf("%w: %s has no key fields", ErrNoKey, cmd.EntityType)
	}
	where := make([]Cond, 0, len(cmd.KeyFields))
	args := make([]any, 0, len(cmd.KeyFields))
	for _, f := range cmd.KeyFields {
		v, ok := cmd.Key[f]
		if !ok || v == nil {
			return nil, nil, fmt.Errorf("%w: %s.%s", ErrNoKey, cmd.EntityType, f)
		}
		where = append(where, Cond{Column: f})
		args = append(args, v)
	}
	return where, args, nil
}

// Columns returns the sorted union of the Values keys of cmds, the column
// list of a bulk insert.
func Columns(cmds []store.Command) []string {
	seen := map[string]bool{}
	var cols []string
	for _, cmd := range cmds {
		for c := range cmd.Values {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	slices.Sort(cols)
	return cols
}

// Row returns cmd's values in column order; absent columns are nil.
func Row(cmd store.Command, columns []string) []any {
	row := make([]any, len(columns))
	for i, c := range columns {
		row[i] = cmd.Values[c]
	}
	return row
}

func sortedKeys(v store.Values) []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
