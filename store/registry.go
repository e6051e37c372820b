package store

import (
	"fmt"
	"slices"
	"sync"
)

// Relationship declares a parent-child link between two entity types.
type Relationship struct {
	// Name identifies the relationship; needed when a type pair has more than one.
	Name string

	// ParentType is the parent entity type (e.g., "organization").
	ParentType string

	// ChildType is the child entity type (e.g., "studio").
	ChildType string

	// ParentKey lists the parent fields the child references.
	// Empty means the parent's registered key.
	ParentKey []string

	// ChildKey lists the child's foreign-key fields, positionally matching ParentKey.
	ChildKey []string

	// ParentCollection is the parent-side collection name (e.g., "Studios").
	ParentCollection string

	// ChildReference is the child-side reference name (e.g., "Organization").
	ChildReference string
}

// SelfReferencing reports whether the relationship links a type to itself.
func (r Relationship) SelfReferencing() bool {
	return r.ParentType == r.ChildType
}

// Registry holds primary-key definitions and relationships for all entity types.
// It is populated at startup and read-only afterwards.
type Registry struct {
	mu            sync.RWMutex
	keys          map[string][]string
	relationships []Relationship
	byParent      map[string][]Relationship
	byChild       map[string][]Relationship
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		keys:          make(map[string][]string),
		relationships: []Relationship{},
		byParent:      make(map[string][]Relationship),
		byChild:       make(map[string][]Relationship),
	}
}

// RegisterKey defines the ordered primary-key fields of an entity type.
// Registering the same field set twice is a no-op.
func (r *Registry) RegisterKey(entityType string, fields ...string) error {
	if entityType == "" || len(fields) == 0 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, entityType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.keys[entityType]; ok {
		if slices.Equal(existing, fields) {
			return nil
		}
		return fmt.Errorf("%w: %s has %v, got %v", ErrDuplicateKeyDefinition, entityType, existing, fields)
	}
	r.keys[entityType] = slices.Clone(fields)
	return nil
}

// RegisterRelationship adds a relationship. Both types must have a registered key.
func (r *Registry) RegisterRelationship(rel Relationship) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	parentKey, ok := r.keys[rel.ParentType]
	if !ok {
		return fmt.Errorf("%w: parent %q", ErrUnresolvedType, rel.ParentType)
	}
	if _, ok := r.keys[rel.ChildType]; !ok {
		return fmt.Errorf("%w: child %q", ErrUnresolvedType, rel.ChildType)
	}
	if len(rel.ParentKey) == 0 {
		rel.ParentKey = parentKey
	}
	if len(rel.ChildKey) == 0 || len(rel.ChildKey) != len(rel.ParentKey) {
		return fmt.Errorf("%w: %s -> %s maps %v to %v",
			ErrInvalidRelationship, rel.ParentType, rel.ChildType, rel.ParentKey, rel.ChildKey)
	}
	if rel.Name == "" {
		rel.Name = rel.ParentType + "." + rel.ChildType
	}
	rel.ParentKey = slices.Clone(rel.ParentKey)
	rel.ChildKey = slices.Clone(rel.ChildKey)

	r.relationships = append(r.relationships, rel)
	r.byParent[rel.ParentType] = append(r.byParent[rel.ParentType], rel)
	r.byChild[rel.ChildType] = append(r.byChild[rel.ChildType], rel)
	return nil
}

// KeyFields returns the key fields of an entity type, or nil if unregistered.
func (r *Registry) KeyFields(entityType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.keys[entityType])
}

// Relationships returns every relationship the type takes part in, on either side.
func (r *Registry) Relationships(entityType string) []Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Relationship
	for _, rel := range r.relationships {
		if rel.ParentType == entityType || rel.ChildType == entityType {
			out = append(out, rel)
		}
	}
	return out
}

// Relationship returns the named relationship.
func (r *Registry) Relationship(name string) (Relationship, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rel := range r.relationships {
		if rel.Name == name {
			return rel, true
		}
	}
	return Relationship{}, false
}

// ChildrenOf returns all relationships where the type is the parent.
func (r *Registry) ChildrenOf(parentType string) []Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.byParent[parentType])
}

// ParentsOf returns all relationships where the type is the child.
func (r *Registry) ParentsOf(childType string) []Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.byChild[childType])
}

// AllRelationships returns all registered relationships.
func (r *Registry) AllRelationships() []Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.relationships)
}

// HasChildren returns true if the parent type has any registered child relationships.
func (r *Registry) HasChildren(parentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byParent[parentType]) > 0
}
