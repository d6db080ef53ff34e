// Package namespace holds the per-object-type schema: which direct relations
// a type accepts and how each permission rewrites into tuple lookups.
//
// Registries are immutable once built. Reloads construct a fresh Registry
// and swap it atomically through Store, so evaluator reads never lock.
package namespace

import (
	"fmt"
)

// RewriteKind tags the nodes of the rewrite algebra.
type RewriteKind int

const (
	// KindThis is the union of all direct tuples carrying the relation
	// under evaluation.
	KindThis RewriteKind = iota

	// KindComputedUserset aliases another relation or permission on the
	// same object.
	KindComputedUserset

	// KindTupleToUserset walks the tupleset relation on the object and, for
	// every target object found, evaluates the computed relation there.
	// This is how parent→viewer inheritance is expressed.
	KindTupleToUserset

	// KindUnion allows if any child allows.
	KindUnion

	// KindIntersection allows only if every child allows.
	KindIntersection

	// KindExclusion allows if Include allows and Exclude denies.
	KindExclusion
)

// String returns the schema-file spelling of the kind.
func (k RewriteKind) String() string {
	switch k {
	case KindThis:
		return "this"
	case KindComputedUserset:
		return "computed_userset"
	case KindTupleToUserset:
		return "tuple_to_userset"
	case KindUnion:
		return "union"
	case KindIntersection:
		return "intersection"
	case KindExclusion:
		return "exclusion"
	default:
		return fmt.Sprintf("rewrite(%d)", int(k))
	}
}

// Rewrite is one node of the rewrite expression tree. Exactly the fields
// for its Kind are set; everything else is zero. The tree is immutable
// after load.
type Rewrite struct {
	Kind RewriteKind

	// Relation is the target of a ComputedUserset node.
	Relation string

	// TuplesetRelation and ComputedRelation configure a TupleToUserset
	// node: walk TuplesetRelation on this object, then evaluate
	// ComputedRelation on each object it points at.
	TuplesetRelation string
	ComputedRelation string

	// Children holds the operands of Union and Intersection nodes.
	Children []*Rewrite

	// Include and Exclude hold the operands of an Exclusion node.
	Include *Rewrite
	Exclude *Rewrite
}

// This builds a KindThis node.
func This() *Rewrite {
	return &Rewrite{Kind: KindThis}
}

// ComputedUserset builds an alias for relation on the same object.
func ComputedUserset(relation string) *Rewrite {
	return &Rewrite{Kind: KindComputedUserset, Relation: relation}
}

// TupleToUserset builds the inheritance operator: follow tupleset on this
// object, then evaluate computed on the targets.
func TupleToUserset(tupleset, computed string) *Rewrite {
	return &Rewrite{Kind: KindTupleToUserset, TuplesetRelation: tupleset, ComputedRelation: computed}
}

// Union builds a union node over children.
func Union(children ...*Rewrite) *Rewrite {
	return &Rewrite{Kind: KindUnion, Children: children}
}

// Intersection builds an intersection node over children.
func Intersection(children ...*Rewrite) *Rewrite {
	return &Rewrite{Kind: KindIntersection, Children: children}
}

// Exclusion builds include-minus-exclude.
func Exclusion(include, exclude *Rewrite) *Rewrite {
	return &Rewrite{Kind: KindExclusion, Include: include, Exclude: exclude}
}

// validate checks structural rules for a rewrite node tree.
func (r *Rewrite) validate(path string) error {
	if r == nil {
		return fmt.Errorf("namespace: nil rewrite at %s", path)
	}
	switch r.Kind {
	case KindThis:
		return nil
	case KindComputedUserset:
		if r.Relation == "" {
			return fmt.Errorf("namespace: computed_userset at %s missing relation", path)
		}
	case KindTupleToUserset:
		if r.TuplesetRelation == "" || r.ComputedRelation == "" {
			return fmt.Errorf("namespace: tuple_to_userset at %s requires tupleset and computed relations", path)
		}
	case KindUnion, KindIntersection:
		if len(r.Children) == 0 {
			return fmt.Errorf("namespace: %s at %s has no children", r.Kind, path)
		}
		for i, c := range r.Children {
			if err := c.validate(fmt.Sprintf("%s.%s[%d]", path, r.Kind, i)); err != nil {
				return err
			}
		}
	case KindExclusion:
		if err := r.Include.validate(path + ".include"); err != nil {
			return err
		}
		if err := r.Exclude.validate(path + ".exclude"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("namespace: unknown rewrite kind %d at %s", int(r.Kind), path)
	}
	return nil
}

// directRefs collects the relations referenced through ComputedUserset
// nodes, ignoring TupleToUserset edges. Used by the load-time cycle check.
func (r *Rewrite) directRefs(out map[string]struct{}) {
	if r == nil {
		return
	}
	switch r.Kind {
	case KindComputedUserset:
		out[r.Relation] = struct{}{}
	case KindUnion, KindIntersection:
		for _, c := range r.Children {
			c.directRefs(out)
		}
	case KindExclusion:
		r.Include.directRefs(out)
		r.Exclude.directRefs(out)
	}
}
