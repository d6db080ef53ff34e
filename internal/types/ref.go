// Package types holds the value types shared across the relgraph engine:
// entity and subject references, relation tuples, consistency modes, and the
// error kinds surfaced by the public API.
//
// The concrete storage and evaluation logic lives in sibling packages; this
// package has no dependencies so every layer can reference it.
package types

import (
	"fmt"
	"strings"
)

// EntityRef identifies an object as a (type, id) pair. Entities are not
// stored anywhere on their own; they exist iff some tuple mentions them.
type EntityRef struct {
	Type string `json:"type" yaml:"type"`
	ID   string `json:"id" yaml:"id"`
}

// String renders the ref in "type:id" form.
func (e EntityRef) String() string {
	return e.Type + ":" + e.ID
}

// IsZero reports whether the ref is empty.
func (e EntityRef) IsZero() bool {
	return e.Type == "" && e.ID == ""
}

// Validate checks that both fields are present and contain no separator
// characters that would break the canonical string form.
func (e EntityRef) Validate() error {
	if e.Type == "" || e.ID == "" {
		return fmt.Errorf("%w: entity ref requires both type and id, got %q", ErrInvalidRequest, e.String())
	}
	if strings.ContainsAny(e.Type, ":#@|") || strings.ContainsAny(e.ID, ":#@|") {
		return fmt.Errorf("%w: entity ref %q contains reserved characters", ErrInvalidRequest, e.String())
	}
	return nil
}

// ParseEntityRef parses "type:id".
func ParseEntityRef(s string) (EntityRef, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return EntityRef{}, fmt.Errorf("%w: malformed entity ref %q (want type:id)", ErrInvalidRequest, s)
	}
	ref := EntityRef{Type: typ, ID: id}
	if err := ref.Validate(); err != nil {
		return EntityRef{}, err
	}
	return ref, nil
}

// SubjectRef identifies a grantee. With Relation empty it names a concrete
// entity; with Relation set it names a userset: every subject holding
// Relation on the referenced entity.
type SubjectRef struct {
	Type     string `json:"type" yaml:"type"`
	ID       string `json:"id" yaml:"id"`
	Relation string `json:"relation,omitempty" yaml:"relation,omitempty"`
}

// IsUserset reports whether the ref names a userset rather than a concrete
// subject.
func (s SubjectRef) IsUserset() bool {
	return s.Relation != ""
}

// Entity returns the entity portion of the ref.
func (s SubjectRef) Entity() EntityRef {
	return EntityRef{Type: s.Type, ID: s.ID}
}

// String renders "type:id" or "type:id#relation" for usersets.
func (s SubjectRef) String() string {
	if s.Relation == "" {
		return s.Type + ":" + s.ID
	}
	return s.Type + ":" + s.ID + "#" + s.Relation
}

// Validate checks the structural rules for a subject ref.
func (s SubjectRef) Validate() error {
	if err := s.Entity().Validate(); err != nil {
		return err
	}
	if strings.ContainsAny(s.Relation, ":#@|") {
		return fmt.Errorf("%w: subject relation %q contains reserved characters", ErrInvalidRequest, s.Relation)
	}
	return nil
}

// ParseSubjectRef parses "type:id" or "type:id#relation".
func ParseSubjectRef(s string) (SubjectRef, error) {
	base, rel, _ := strings.Cut(s, "#")
	ent, err := ParseEntityRef(base)
	if err != nil {
		return SubjectRef{}, err
	}
	ref := SubjectRef{Type: ent.Type, ID: ent.ID, Relation: rel}
	if err := ref.Validate(); err != nil {
		return SubjectRef{}, err
	}
	return ref, nil
}

// SubjectFromEntity wraps an entity ref as a concrete subject.
func SubjectFromEntity(e EntityRef) SubjectRef {
	return SubjectRef{Type: e.Type, ID: e.ID}
}
