package store_test

import (
	"errors"
	"testing"

	"github.com/jacentio/espalier/store"
)

// hierarchy registers organization -> studio -> title.
func hierarchy(t *testing.T) *store.Registry {
	t.Helper()
	r := store.NewRegistry()
	for _, typ := range []string{"organization", "studio", "title"} {
		if err := r.RegisterKey(typ, "id"); err != nil {
			t.Fatalf("RegisterKey(%s): %v", typ, err)
		}
	}
	if err := r.RegisterRelationship(store.Relationship{
		ParentType:       "organization",
		ChildType:        "studio",
		ChildKey:         []string{"organization_id"},
		ParentCollection: "Studios",
		ChildReference:   "Organization",
	}); err != nil {
		t.Fatalf("RegisterRelationship: %v", err)
	}
	if err := r.RegisterRelationship(store.Relationship{
		ParentType: "studio",
		ChildType:  "title",
		ChildKey:   []string{"studio_id"},
	}); err != nil {
		t.Fatalf("RegisterRelationship: %v", err)
	}
	return r
}

func TestNewRegistry(t *testing.T) {
	r := store.NewRegistry()
	if r == nil {
		t.Fatal("expected non-nil Registry")
	}
}

// --- RegisterKey Tests ---

func TestRegistry_RegisterKey(t *testing.T) {
	r := store.NewRegistry()

	if err := r.RegisterKey("title", "studio_id", "id"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fields := r.KeyFields("title")
	if len(fields) != 2 || fields[0] != "studio_id" || fields[1] != "id" {
		t.Errorf("expected [studio_id id], got %v", fields)
	}
}

func TestRegistry_RegisterKey_SameFieldsIsIdempotent(t *testing.T) {
	r := store.NewRegistry()

	if err := r.RegisterKey("studio", "id"); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterKey("studio", "id"); err != nil {
		t.Errorf("expected no error re-registering the same key, got %v", err)
	}
}

func TestRegistry_RegisterKey_Duplicate(t *testing.T) {
	r := store.NewRegistry()

	if err := r.RegisterKey("studio", "id"); err != nil {
		t.Fatal(err)
	}
	err := r.RegisterKey("studio", "organization_id", "id")
	if !errors.Is(err, store.ErrDuplicateKeyDefinition) {
		t.Errorf("expected ErrDuplicateKeyDefinition, got %v", err)
	}

	// Original definition is kept
	if fields := r.KeyFields("studio"); len(fields) != 1 {
		t.Errorf("expected original key to be kept, got %v", fields)
	}
}

func TestRegistry_RegisterKey_NoFields(t *testing.T) {
	r := store.NewRegistry()

	if err := r.RegisterKey("studio"); !errors.Is(err, store.ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if err := r.RegisterKey("", "id"); !errors.Is(err, store.ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for empty type, got %v", err)
	}
}

func TestRegistry_KeyFields_ReturnsCopy(t *testing.T) {
	r := store.NewRegistry()
	_ = r.RegisterKey("studio", "id")

	fields := r.KeyFields("studio")
	fields[0] = "mutated"

	if got := r.KeyFields("studio")[0]; got != "id" {
		t.Errorf("expected registry to be unaffected, got %q", got)
	}
}

// --- RegisterRelationship Tests ---

func TestRegistry_RegisterRelationship(t *testing.T) {
	r := hierarchy(t)

	rels := r.AllRelationships()
	if len(rels) != 2 {
		t.Fatalf("expected 2 relationships, got %d", len(rels))
	}
	if rels[0].Name != "organization.studio" {
		t.Errorf("expected default name 'organization.studio', got %q", rels[0].Name)
	}
	if len(rels[0].ParentKey) != 1 || rels[0].ParentKey[0] != "id" {
		t.Errorf("expected ParentKey to default to parent key, got %v", rels[0].ParentKey)
	}
	if rels[0].ParentCollection != "Studios" || rels[0].ChildReference != "Organization" {
		t.Errorf("expected navigation names to be kept, got %q/%q", rels[0].ParentCollection, rels[0].ChildReference)
	}
}

func TestRegistry_RegisterRelationship_UnresolvedType(t *testing.T) {
	r := store.NewRegistry()
	_ = r.RegisterKey("organization", "id")

	err := r.RegisterRelationship(store.Relationship{
		ParentType: "organization",
		ChildType:  "studio",
		ChildKey:   []string{"organization_id"},
	})
	if !errors.Is(err, store.ErrUnresolvedType) {
		t.Errorf("expected ErrUnresolvedType for child, got %v", err)
	}

	err = r.RegisterRelationship(store.Relationship{
		ParentType: "nonexistent",
		ChildType:  "organization",
		ChildKey:   []string{"parent_id"},
	})
	if !errors.Is(err, store.ErrUnresolvedType) {
		t.Errorf("expected ErrUnresolvedType for parent, got %v", err)
	}

	if len(r.AllRelationships()) != 0 {
		t.Error("expected failed registrations to store nothing")
	}
}

func TestRegistry_RegisterRelationship_KeyMismatch(t *testing.T) {
	r := store.NewRegistry()
	_ = r.RegisterKey("title", "studio_id", "id")
	_ = r.RegisterKey("environment", "id")

	err := r.RegisterRelationship(store.Relationship{
		ParentType: "title",
		ChildType:  "environment",
		ChildKey:   []string{"title_id"},
	})
	if !errors.Is(err, store.ErrInvalidRelationship) {
		t.Errorf("expected ErrInvalidRelationship, got %v", err)
	}
}

func TestRegistry_SelfReferencing(t *testing.T) {
	r := store.NewRegistry()
	_ = r.RegisterKey("folder", "id")

	err := r.RegisterRelationship(store.Relationship{
		ParentType: "folder",
		ChildType:  "folder",
		ChildKey:   []string{"parent_id"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rels := r.Relationships("folder")
	if len(rels) != 1 || !rels[0].SelfReferencing() {
		t.Errorf("expected one self-referencing relationship, got %v", rels)
	}
}

func TestRegistry_MultipleRelationshipsPerPair(t *testing.T) {
	r := store.NewRegistry()
	_ = r.RegisterKey("user", "id")
	_ = r.RegisterKey("document", "id")

	for _, rel := range []store.Relationship{
		{Name: "author", ParentType: "user", ChildType: "document", ChildKey: []string{"author_id"}},
		{Name: "reviewer", ParentType: "user", ChildType: "document", ChildKey: []string{"reviewer_id"}},
	} {
		if err := r.RegisterRelationship(rel); err != nil {
			t.Fatal(err)
		}
	}

	if len(r.ChildrenOf("user")) != 2 {
		t.Errorf("expected 2 child relationships for user, got %d", len(r.ChildrenOf("user")))
	}
	rel, ok := r.Relationship("reviewer")
	if !ok || rel.ChildKey[0] != "reviewer_id" {
		t.Errorf("expected reviewer relationship, got %v (found=%v)", rel, ok)
	}
}

// --- Lookup Tests ---

func TestRegistry_ChildrenOf(t *testing.T) {
	r := hierarchy(t)

	// Organization has one child type (studio)
	orgChildren := r.ChildrenOf("organization")
	if len(orgChildren) != 1 {
		t.Errorf("expected 1 child for organization, got %d", len(orgChildren))
	}
	if orgChildren[0].ChildType != "studio" {
		t.Errorf("expected child type 'studio', got %q", orgChildren[0].ChildType)
	}

	// Title has no children
	if len(r.ChildrenOf("title")) != 0 {
		t.Errorf("expected 0 children for title, got %d", len(r.ChildrenOf("title")))
	}
}

func TestRegistry_ParentsOf(t *testing.T) {
	r := hierarchy(t)

	parents := r.ParentsOf("title")
	if len(parents) != 1 || parents[0].ParentType != "studio" {
		t.Errorf("expected studio parent for title, got %v", parents)
	}
	if len(r.ParentsOf("organization")) != 0 {
		t.Error("expected organization to have no parents")
	}
}

func TestRegistry_HasChildren(t *testing.T) {
	r := hierarchy(t)

	if !r.HasChildren("organization") {
		t.Error("expected organization to have children")
	}
	if r.HasChildren("title") {
		t.Error("expected title to not have children")
	}
}

// --- Registry Edge Cases ---

func TestRegistry_Unregistered(t *testing.T) {
	r := store.NewRegistry()

	// Lookups on unregistered types return empty results, not errors
	if fields := r.KeyFields("nonexistent"); len(fields) != 0 {
		t.Errorf("expected no key fields, got %v", fields)
	}
	if rels := r.Relationships("nonexistent"); len(rels) != 0 {
		t.Errorf("expected no relationships, got %v", rels)
	}
	if r.HasChildren("") {
		t.Error("expected false for empty string parent")
	}
	if _, ok := r.Relationship("nonexistent"); ok {
		t.Error("expected unknown relationship to be missing")
	}
}

func TestRegistry_AllRelationships_Order(t *testing.T) {
	r := store.NewRegistry()
	for _, typ := range []string{"a", "b", "c", "d"} {
		_ = r.RegisterKey(typ, "id")
	}

	_ = r.RegisterRelationship(store.Relationship{ParentType: "a", ChildType: "b", ChildKey: []string{"a_id"}})
	_ = r.RegisterRelationship(store.Relationship{ParentType: "c", ChildType: "d", ChildKey: []string{"c_id"}})

	rels := r.AllRelationships()
	if len(rels) != 2 {
		t.Fatalf("expected 2 relationships, got %d", len(rels))
	}

	// Should maintain insertion order
	if rels[0].ParentType != "a" || rels[1].ParentType != "c" {
		t.Errorf("expected insertion order, got %q then %q", rels[0].ParentType, rels[1].ParentType)
	}
}

func TestRegistry_UnicodeTypes(t *testing.T) {
	r := store.NewRegistry()
	_ = r.RegisterKey("親タイプ", "id")
	_ = r.RegisterKey("子タイプ", "id")

	if err := r.RegisterRelationship(store.Relationship{
		ParentType: "親タイプ",
		ChildType:  "子タイプ",
		ChildKey:   []string{"parent_id"},
	}); err != nil {
		t.Fatal(err)
	}

	children := r.ChildrenOf("親タイプ")
	if len(children) != 1 || children[0].ChildType != "子タイプ" {
		t.Error("expected unicode child type")
	}
}
