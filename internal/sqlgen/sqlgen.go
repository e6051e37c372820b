// Package sqlgen renders the row-level DML statements the SQL backends send.
// It only varies placeholder style; statements use standard SQL otherwise.
package sqlgen

import (
	"strconv"
	"strings"
)

// Style selects how bind parameters are written.
type Style int

const (
	// Dollar writes $1, $2, ... (PostgreSQL).
	Dollar Style = iota
	// Question writes ? for every parameter (SQLite, MySQL).
	Question
)

// Cond is one equality term of a WHERE clause. IsNull renders "col IS NULL"
// and consumes no parameter.
type Cond struct {
	Column string
	IsNull bool
}

// Builder renders statements in one placeholder style.
type Builder struct {
	style Style
}

// New returns a Builder for style.
func New(style Style) Builder {
	return Builder{style: style}
}

// Ident quotes an identifier, doubling embedded quotes.
func Ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Table renders a possibly schema-qualified table name.
func Table(schema, table string) string {
	if schema == "" {
		return Ident(table)
	}
	return Ident(schema) + "." + Ident(table)
}

type params struct {
	style Style
	n     int
}

func (p *params) next() string {
	p.n++
	if p.style == Question {
		return "?"
	}
	return "$" + strconv.Itoa(p.n)
}

// Insert renders a single-row INSERT with one parameter per column, in order.
func (b Builder) Insert(schema, table string, columns, returning []string) string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(Table(schema, table))
	if len(columns) == 0 {
		sb.WriteString(" DEFAULT VALUES")
	} else {
		p := params{style: b.style}
		sb.WriteString(" (")
		writeIdents(&sb, columns)
		sb.WriteString(") VALUES (")
		for i := range columns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(p.next())
		}
		sb.WriteString(")")
	}
	writeReturning(&sb, returning)
	return sb.String()
}

// InsertMany renders a multi-row INSERT with rows*len(columns) parameters,
// row by row.
func (b Builder) InsertMany(schema, table string, columns []string, rows int) string {
	var sb strings.Builder
	p := params{style: b.style}
	sb.WriteString("INSERT INTO ")
	sb.WriteString(Table(schema, table))
	sb.WriteString(" (")
	writeIdents(&sb, columns)
	sb.WriteString(") VALUES ")
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for i := range columns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(p.next())
		}
		sb.WriteString(")")
	}
	return sb.String()
}

// Update renders an UPDATE. Parameters are the set columns in order, then
// the non-null where terms in order.
func (b Builder) Update(schema, table string, set []string, where []Cond, returning []string) string {
	var sb strings.Builder
	p := params{style: b.style}
	sb.WriteString("UPDATE ")
	sb.WriteString(Table(schema, table))
	sb.WriteString(" SET ")
	for i, c := range set {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(Ident(c))
		sb.WriteString(" = ")
		sb.WriteString(p.next())
	}
	writeWhere(&sb, &p, where)
	writeReturning(&sb, returning)
	return sb.String()
}

// Delete renders a DELETE whose parameters are the non-null where terms.
func (b Builder) Delete(schema, table string, where []Cond) string {
	var sb strings.Builder
	p := params{style: b.style}
	sb.WriteString("DELETE FROM ")
	sb.WriteString(Table(schema, table))
	writeWhere(&sb, &p, where)
	return sb.String()
}

// Select renders a SELECT of columns ("*" when empty) filtered by where.
func (b Builder) Select(schema, table string, columns []string, where []Cond) string {
	var sb strings.Builder
	p := params{style: b.style}
	sb.WriteString("SELECT ")
	if len(columns) == 0 {
		sb.WriteString("*")
	} else {
		writeIdents(&sb, columns)
	}
	sb.WriteString(" FROM ")
	sb.WriteString(Table(schema, table))
	writeWhere(&sb, &p, where)
	return sb.String()
}

func writeIdents(sb *strings.Builder, names []string) {
	for i, n := range names {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(Ident(n))
	}
}

func writeWhere(sb *strings.Builder, p *params, where []Cond) {
	if len(where) == 0 {
		return
	}
	sb.WriteString(" WHERE ")
	for i, c := range where {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(Ident(c.Column))
		if c.IsNull {
			sb.WriteString(" IS NULL")
			continue
		}
		sb.WriteString(" = ")
		sb.WriteString(p.next())
	}
}

func writeReturning(sb *strings.Builder, returning []string) {
	if len(returning) == 0 {
		return
	}
	sb.WriteString(" RETURNING ")
	writeIdents(sb, returning)
}
