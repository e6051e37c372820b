package store

import (
	"fmt"
	"slices"
	"sync"
)

// ID addresses an entity tracked by a Graph.
type ID uint64

type entry struct {
	id       ID
	entity   Entity
	state    State
	original Values // values of dirty fields before their first change
	ref      string
}

// Graph is the arena of entities tracked by one unit of work.
// Relationships are never stored as pointers: parents and children are
// resolved on demand by matching foreign-key values against key values.
type Graph struct {
	registry *Registry

	mu      sync.RWMutex
	next    ID
	entries map[ID]*entry
	byType  map[string]map[ID]struct{}
	byRef   map[string]ID
}

// NewGraph creates an empty Graph resolving relationships through registry.
func NewGraph(registry *Registry) *Graph {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Graph{
		registry: registry,
		entries:  make(map[ID]*entry),
		byType:   make(map[string]map[ID]struct{}),
		byRef:    make(map[string]ID),
	}
}

// Registry returns the registry the graph resolves relationships with.
func (g *Graph) Registry() *Registry { return g.registry }

// Track adds an entity in the given state. Added entities get a shadow key
// in every key field that is still unassigned.
func (g *Graph) Track(e Entity, state State) (ID, error) {
	if e == nil {
		return 0, fmt.Errorf("%w: nil entity", ErrUnknownEntity)
	}
	if state == Unlinked {
		return 0, fmt.Errorf("%w: cannot track an unlinked entity", ErrInvalidTransition)
	}
	keyFields := g.registry.KeyFields(e.EntityType())
	if state == Added && len(keyFields) > 0 {
		values := e.Values()
		for _, f := range keyFields {
			if unassigned(values[f]) {
				if err := e.SetValue(f, NewShadowKey()); err != nil {
					return 0, fmt.Errorf("assign shadow key %s.%s: %w", e.EntityType(), f, err)
				}
			}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.next++
	id := g.next
	ref := g.refLocked(id, e)
	if other, ok := g.byRef[ref]; ok {
		g.next--
		return 0, fmt.Errorf("%w: %s (id %d)", ErrAlreadyTracked, ref, other)
	}
	g.entries[id] = &entry{id: id, entity: e, state: state, ref: ref}
	if g.byType[e.EntityType()] == nil {
		g.byType[e.EntityType()] = make(map[ID]struct{})
	}
	g.byType[e.EntityType()][id] = struct{}{}
	g.byRef[ref] = id
	return id, nil
}

func (g *Graph) refLocked(id ID, e Entity) string {
	fields := g.registry.KeyFields(e.EntityType())
	if len(fields) > 0 {
		if ref, ok := EntityRef(e.EntityType(), e.Values(), fields); ok {
			return ref
		}
	}
	return fmt.Sprintf("%s#@%d", e.EntityType(), id)
}

// reindex recomputes the ref of id after its key fields changed.
func (g *Graph) reindex(id ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	en, ok := g.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	ref := g.refLocked(id, en.entity)
	if ref == en.ref {
		return nil
	}
	if other, ok := g.byRef[ref]; ok && other != id {
		return fmt.Errorf("%w: %s (id %d)", ErrAlreadyTracked, ref, other)
	}
	if g.byRef[en.ref] == id {
		delete(g.byRef, en.ref)
	}
	en.ref = ref
	g.byRef[ref] = id
	return nil
}

func (g *Graph) get(id ID) (*entry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	en, ok := g.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	return en, nil
}

// Entity returns the tracked entity.
func (g *Graph) Entity(id ID) (Entity, bool) {
	en, err := g.get(id)
	if err != nil {
		return nil, false
	}
	return en.entity, true
}

// State returns the entity's state; Unlinked for untracked IDs.
func (g *Graph) State(id ID) State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if en, ok := g.entries[id]; ok {
		return en.state
	}
	return Unlinked
}

// Ref returns the type-qualified reference of the entity.
func (g *Graph) Ref(id ID) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if en, ok := g.entries[id]; ok {
		return en.ref
	}
	return ""
}

// Original returns the pre-change values of the entity's dirty fields.
func (g *Graph) Original(id ID) Values {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if en, ok := g.entries[id]; ok {
		return en.original.Clone()
	}
	return nil
}

// Lookup finds a tracked entity by type and key values.
func (g *Graph) Lookup(entityType string, key Values) (ID, bool) {
	fields := g.registry.KeyFields(entityType)
	if len(fields) == 0 {
		return 0, false
	}
	ref, ok := EntityRef(entityType, key, fields)
	if !ok {
		return 0, false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.byRef[ref]
	return id, ok
}

// Len returns the number of tracked entities.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// IDs returns all tracked IDs in tracking order.
func (g *Graph) IDs() []ID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]ID, 0, len(g.entries))
	for id := range g.entries {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Dirty returns the IDs of entities with pending work, in tracking order.
func (g *Graph) Dirty() []ID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []ID
	for id, en := range g.entries {
		if en.state.Dirty() {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Parents returns the tracked parents of id across all relationships.
func (g *Graph) Parents(id ID) []ID {
	en, err := g.get(id)
	if err != nil {
		return nil
	}
	values := en.entity.Values()

	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []ID
	for _, rel := range g.registry.ParentsOf(en.entity.EntityType()) {
		fk, ok := formatKey(values, rel.ChildKey)
		if !ok {
			continue
		}
		for _, pid := range g.matchLocked(rel.ParentType, rel.ParentKey, fk) {
			if pid != id && !slices.Contains(out, pid) {
				out = append(out, pid)
			}
		}
	}
	slices.Sort(out)
	return out
}

// matchLocked returns entities of entityType whose fields render as key.
func (g *Graph) matchLocked(entityType string, fields []string, key string) []ID {
	if slices.Equal(fields, g.registry.KeyFields(entityType)) {
		if pid, ok := g.byRef[entityType+"#"+key]; ok {
			return []ID{pid}
		}
		return nil
	}
	var out []ID
	for pid := range g.byType[entityType] {
		if k, ok := formatKey(g.entries[pid].entity.Values(), fields); ok && k == key {
			out = append(out, pid)
		}
	}
	return out
}

// fkIndex maps rendered foreign keys to the child entities holding them,
// for one relationship.
type fkIndex map[string][]ID

// childIndex builds foreign-key indexes for every relationship whose child
// type is tracked.
func (g *Graph) childIndex() map[string]fkIndex {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]fkIndex)
	for _, rel := range g.registry.AllRelationships() {
		ids := g.byType[rel.ChildType]
		if len(ids) == 0 {
			continue
		}
		idx := make(fkIndex)
		for cid := range ids {
			if fk, ok := formatKey(g.entries[cid].entity.Values(), rel.ChildKey); ok {
				idx[fk] = append(idx[fk], cid)
			}
		}
		out[rel.Name] = idx
	}
	return out
}

// childrenWith returns the children of id using a prebuilt index.
func (g *Graph) childrenWith(idx map[string]fkIndex, id ID) []ID {
	en, err := g.get(id)
	if err != nil {
		return nil
	}
	values := en.entity.Values()
	var out []ID
	for _, rel := range g.registry.ChildrenOf(en.entity.EntityType()) {
		pk, ok := formatKey(values, rel.ParentKey)
		if !ok {
			continue
		}
		for _, cid := range idx[rel.Name][pk] {
			if cid != id && !slices.Contains(out, cid) {
				out = append(out, cid)
			}
		}
	}
	slices.Sort(out)
	return out
}

// Children returns the tracked children of id across all relationships.
func (g *Graph) Children(id ID) []ID {
	return g.childrenWith(g.childIndex(), id)
}

// Descendants returns roots and every entity reachable from them through
// child links, in ID order.
func (g *Graph) Descendants(roots []ID) []ID {
	idx := g.childIndex()
	seen := make(map[ID]bool, len(roots))
	queue := append([]ID(nil), roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		if _, err := g.get(id); err != nil {
			continue
		}
		seen[id] = true
		queue = append(queue, g.childrenWith(idx, id)...)
	}
	out := make([]ID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// OfType returns the IDs of tracked entities of the given type.
func (g *Graph) OfType(entityType string) []ID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]ID, 0, len(g.byType[entityType]))
	for id := range g.byType[entityType] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Evict removes an entity from the graph.
func (g *Graph) Evict(id ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	en, ok := g.entries[id]
	if !ok {
		return false
	}
	en.state = Unlinked
	delete(g.entries, id)
	delete(g.byType[en.entity.EntityType()], id)
	if g.byRef[en.ref] == id {
		delete(g.byRef, en.ref)
	}
	return true
}

// setState replaces the state tag without transition checks.
func (g *Graph) setState(id ID, s State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if en, ok := g.entries[id]; ok {
		en.state = s
	}
}

// mark applies a forward transition.
func (g *Graph) mark(id ID, to State) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	en, ok := g.entries[id]
	if !ok {
		return Unlinked, fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	next, err := transition(en.state, to)
	if err != nil {
		return en.state, fmt.Errorf("%s: %w", en.ref, err)
	}
	en.state = next
	return next, nil
}

// noteOriginal records the pre-change value of field unless already recorded.
func (g *Graph) noteOriginal(id ID, field string, value any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	en, ok := g.entries[id]
	if !ok {
		return
	}
	if en.original == nil {
		en.original = make(Values)
	}
	if _, seen := en.original[field]; !seen {
		en.original[field] = value
	}
}

// swapOriginal replaces the original-values map and returns the previous one.
func (g *Graph) swapOriginal(id ID, v Values) Values {
	g.mu.Lock()
	defer g.mu.Unlock()
	en, ok := g.entries[id]
	if !ok {
		return nil
	}
	prev := en.original
	en.original = v
	return prev
}

// ParentRefs resolves the tracked parents of id, one entry per
// relationship and parent.
func (g *Graph) ParentRefs(id ID) []ParentRef {
	en, err := g.get(id)
	if err != nil {
		return nil
	}
	values := en.entity.Values()

	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []ParentRef
	for _, rel := range g.registry.ParentsOf(en.entity.EntityType()) {
		fk, ok := formatKey(values, rel.ChildKey)
		if !ok {
			continue
		}
		pids := g.matchLocked(rel.ParentType, rel.ParentKey, fk)
		slices.Sort(pids)
		for _, pid := range pids {
			if pid == id {
				continue
			}
			pe := g.entries[pid].entity
			out = append(out, ParentRef{
				Relationship: rel.Name,
				EntityType:   rel.ParentType,
				Table:        pe.TableName(),
				Schema:       schemaOf(pe),
				Ref:          g.entries[pid].ref,
				Key:          pe.Values().Pick(g.registry.KeyFields(rel.ParentType)),
			})
		}
	}
	return out
}
