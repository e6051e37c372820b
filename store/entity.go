package store

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Values maps field names to field values.
type Values map[string]any

// Clone returns a shallow copy of v.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Pick returns the subset of v named by fields, in a new map.
func (v Values) Pick(fields []string) Values {
	out := make(Values, len(fields))
	for _, f := range fields {
		out[f] = v[f]
	}
	return out
}

// Entity is the capability every persistable type exposes to the save pipeline.
type Entity interface {
	// EntityType returns the registered type name (e.g., "studio").
	EntityType() string

	// TableName returns the backend object name rows of this type are written to.
	TableName() string

	// Values returns the current field values. Implementations return a copy.
	Values() Values

	// SetValue assigns a single field. Used for backend-generated values,
	// audit stamps, identity propagation and rollback.
	SetValue(field string, value any) error
}

// SchemaNamer is implemented by entities whose backend object lives in a
// named schema (or namespace).
type SchemaNamer interface {
	SchemaName() string
}

// schemaOf returns the schema for e, or "" when e does not declare one.
func schemaOf(e Entity) string {
	if s, ok := e.(SchemaNamer); ok {
		return s.SchemaName()
	}
	return ""
}

// ShadowKey is a synthetic identity held in the key fields of an Added
// entity until the backend assigns the real one.
type ShadowKey string

// NewShadowKey returns a fresh, unique shadow key.
func NewShadowKey() ShadowKey {
	return ShadowKey("~" + ulid.Make().String())
}

// String implements fmt.Stringer.
func (k ShadowKey) String() string { return string(k) }

// IsShadow reports whether v is a shadow key.
func IsShadow(v any) bool {
	_, ok := v.(ShadowKey)
	return ok
}

// unassigned reports whether a key value still needs to be assigned.
func unassigned(v any) bool {
	if v == nil {
		return true
	}
	if IsShadow(v) {
		return false
	}
	return reflect.ValueOf(v).IsZero()
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`)

// formatKey renders key values in field order, escaping "|" and "\" inside
// each part so distinct composite keys never render alike. Values compare by
// their printed form so that e.g. int32(7) and int64(7) match across backends.
func formatKey(values Values, fields []string) (string, bool) {
	parts := make([]string, len(fields))
	for i, f := range fields {
		v, ok := values[f]
		if !ok || v == nil {
			return "", false
		}
		parts[i] = keyEscaper.Replace(fmt.Sprint(v))
	}
	return strings.Join(parts, "|"), true
}

// EntityRef builds the type-qualified reference (e.g., "studio#42") for a
// set of key values. ok is false when any key value is missing.
func EntityRef(entityType string, key Values, fields []string) (string, bool) {
	k, ok := formatKey(key, fields)
	if !ok {
		return "", false
	}
	return entityType + "#" + k, true
}

// Record is a map-backed Entity for dynamically shaped rows.
type Record struct {
	Type   string
	Table  string
	Schema string

	mu   sync.RWMutex
	data Values
}

// NewRecord creates a Record holding a copy of data.
func NewRecord(entityType, table string, data Values) *Record {
	return &Record{Type: entityType, Table: table, data: data.Clone()}
}

// EntityType implements Entity.
func (r *Record) EntityType() string { return r.Type }

// TableName implements Entity.
func (r *Record) TableName() string { return r.Table }

// SchemaName implements SchemaNamer.
func (r *Record) SchemaName() string { return r.Schema }

// Values implements Entity.
func (r *Record) Values() Values {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data.Clone()
}

// SetValue implements Entity. Assigning nil removes the field.
func (r *Record) SetValue(field string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if value == nil {
		delete(r.data, field)
		return nil
	}
	if r.data == nil {
		r.data = make(Values)
	}
	r.data[field] = value
	return nil
}

// Get returns a single field value.
func (r *Record) Get(field string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data[field]
}

// Fields returns the record's field names in sorted order.
func (r *Record) Fields() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.data))
	for k := range r.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
