package types

import (
	"fmt"
	"time"
)

// CaveatSpec attaches a named, context-free condition to a tuple. The
// expression is evaluated at check time against the request's caveat
// context; a condition that cannot be decided denies the single tuple it is
// attached to, never the overall query.
type CaveatSpec struct {
	Name       string `json:"name" yaml:"name"`
	Expression string `json:"expression" yaml:"expression"`
}

// Tuple is the atomic authorization fact: Subject has Relation on Object
// within Tenant.
type Tuple struct {
	Tenant    string      `json:"tenant"`
	Object    EntityRef   `json:"object"`
	Relation  string      `json:"relation"`
	Subject   SubjectRef  `json:"subject"`
	Caveat    *CaveatSpec `json:"caveat,omitempty"`
	CreatedAt time.Time   `json:"created_at,omitzero"`
}

// Key returns the unique-key portion of the tuple (everything except caveat
// and created_at). Two tuples with equal keys describe the same fact.
func (t Tuple) Key() string {
	return t.Tenant + "|" + t.Object.String() + "#" + t.Relation + "@" + t.Subject.String()
}

// String renders the tuple in its canonical debug form.
func (t Tuple) String() string {
	s := t.Object.String() + "#" + t.Relation + "@" + t.Subject.String()
	if t.Caveat != nil {
		s += "?" + t.Caveat.Name
	}
	return t.Tenant + "|" + s
}

// Validate checks structural validity. Namespace-level validation (are the
// types registered, is the relation declared) happens in the engine.
func (t Tuple) Validate() error {
	if t.Tenant == "" {
		return fmt.Errorf("%w: tuple missing tenant", ErrInvalidRequest)
	}
	if err := t.Object.Validate(); err != nil {
		return fmt.Errorf("tuple object: %w", err)
	}
	if t.Relation == "" {
		return fmt.Errorf("%w: tuple missing relation", ErrInvalidRequest)
	}
	if err := t.Subject.Validate(); err != nil {
		return fmt.Errorf("tuple subject: %w", err)
	}
	if t.Caveat != nil && (t.Caveat.Name == "" || t.Caveat.Expression == "") {
		return fmt.Errorf("%w: tuple caveat requires name and expression", ErrInvalidRequest)
	}
	return nil
}

// TupleFilter selects tuples by any subset of fields. Zero-valued fields
// match everything. Used by ReadRelationships and DeleteRelationships.
type TupleFilter struct {
	ObjectType      string `json:"object_type,omitempty"`
	ObjectID        string `json:"object_id,omitempty"`
	Relation        string `json:"relation,omitempty"`
	SubjectType     string `json:"subject_type,omitempty"`
	SubjectID       string `json:"subject_id,omitempty"`
	SubjectRelation string `json:"subject_relation,omitempty"`
}

// IsEmpty reports whether the filter matches all tuples. Deletes reject
// empty filters so a missing field cannot wipe a tenant.
func (f TupleFilter) IsEmpty() bool {
	return f == TupleFilter{}
}

// Matches reports whether the tuple satisfies every set field.
func (f TupleFilter) Matches(t Tuple) bool {
	if f.ObjectType != "" && f.ObjectType != t.Object.Type {
		return false
	}
	if f.ObjectID != "" && f.ObjectID != t.Object.ID {
		return false
	}
	if f.Relation != "" && f.Relation != t.Relation {
		return false
	}
	if f.SubjectType != "" && f.SubjectType != t.Subject.Type {
		return false
	}
	if f.SubjectID != "" && f.SubjectID != t.Subject.ID {
		return false
	}
	if f.SubjectRelation != "" && f.SubjectRelation != t.Subject.Relation {
		return false
	}
	return true
}
