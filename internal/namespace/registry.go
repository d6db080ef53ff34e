package namespace

import (
	"fmt"
	"sync/atomic"
)

// RelationDef declares one direct relation on an object type.
type RelationDef struct {
	// Name is the tuple label, e.g. "direct_viewer" or "parent".
	Name string

	// SubjectTypes restricts which subject types may be granted the
	// relation. Empty means any registered type.
	SubjectTypes []string

	// CrossTenant marks the relation as eligible for tuples whose subject
	// lives in another tenant (mount edges). The evaluator never follows
	// such edges; they exist for an external resolver.
	CrossTenant bool
}

// Definition is the schema for a single object type.
type Definition struct {
	Type        string
	relations   map[string]RelationDef
	permissions map[string]*Rewrite
}

// NewDefinition builds a Definition. Permissions and relations share a
// namespace: a permission may not reuse a relation name.
func NewDefinition(objectType string, relations []RelationDef, permissions map[string]*Rewrite) (*Definition, error) {
	if objectType == "" {
		return nil, fmt.Errorf("namespace: definition missing object type")
	}
	d := &Definition{
		Type:        objectType,
		relations:   make(map[string]RelationDef, len(relations)),
		permissions: make(map[string]*Rewrite, len(permissions)),
	}
	for _, rel := range relations {
		if rel.Name == "" {
			return nil, fmt.Errorf("namespace: %s: relation with empty name", objectType)
		}
		if _, dup := d.relations[rel.Name]; dup {
			return nil, fmt.Errorf("namespace: %s: duplicate relation %q", objectType, rel.Name)
		}
		d.relations[rel.Name] = rel
	}
	for name, rw := range permissions {
		if name == "" {
			return nil, fmt.Errorf("namespace: %s: permission with empty name", objectType)
		}
		if _, clash := d.relations[name]; clash {
			return nil, fmt.Errorf("namespace: %s: permission %q collides with a relation", objectType, name)
		}
		if err := rw.validate(objectType + "." + name); err != nil {
			return nil, err
		}
		d.permissions[name] = rw
	}
	return d, nil
}

// HasRelation reports whether the type declares the direct relation.
func (d *Definition) HasRelation(relation string) bool {
	_, ok := d.relations[relation]
	return ok
}

// Relation returns the declaration for a direct relation.
func (d *Definition) Relation(relation string) (RelationDef, bool) {
	rel, ok := d.relations[relation]
	return rel, ok
}

// Relations returns the declared relation names.
func (d *Definition) Relations() []string {
	out := make([]string, 0, len(d.relations))
	for name := range d.relations {
		out = append(out, name)
	}
	return out
}

// Rewrite resolves the expression to evaluate for a permission or relation
// name. Plain relations evaluate as This.
func (d *Definition) Rewrite(name string) (*Rewrite, bool) {
	if rw, ok := d.permissions[name]; ok {
		return rw, true
	}
	if _, ok := d.relations[name]; ok {
		return This(), true
	}
	return nil, false
}

// Permissions returns the declared permission names.
func (d *Definition) Permissions() []string {
	out := make([]string, 0, len(d.permissions))
	for name := range d.permissions {
		out = append(out, name)
	}
	return out
}

// Registry is an immutable set of type definitions.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry builds a registry and rejects cycles in the computed-userset
// graph of every definition. TupleToUserset edges are excluded from the
// cycle check; the evaluator's depth bound covers those.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		if _, dup := r.defs[d.Type]; dup {
			return nil, fmt.Errorf("namespace: duplicate definition for type %q", d.Type)
		}
		r.defs[d.Type] = d
	}
	for _, d := range r.defs {
		if err := checkAcyclic(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Definition looks up the schema for an object type.
func (r *Registry) Definition(objectType string) (*Definition, bool) {
	d, ok := r.defs[objectType]
	return d, ok
}

// HasType reports whether the object type is registered.
func (r *Registry) HasType(objectType string) bool {
	_, ok := r.defs[objectType]
	return ok
}

// Types returns the registered object type names.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	return out
}

// checkAcyclic walks computed-userset references per definition with a
// three-color DFS.
func checkAcyclic(d *Definition) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("namespace: %s: rewrite cycle through %q", d.Type, name)
		case black:
			return nil
		}
		color[name] = gray
		if rw, ok := d.permissions[name]; ok {
			refs := make(map[string]struct{})
			rw.directRefs(refs)
			for ref := range refs {
				if _, known := d.relations[ref]; !known {
					if _, perm := d.permissions[ref]; !perm {
						return fmt.Errorf("namespace: %s.%s references unknown relation %q", d.Type, name, ref)
					}
				}
				if err := visit(ref); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	for name := range d.permissions {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Store publishes a Registry behind an atomic pointer so readers never
// lock and reloads replace the whole registry at once.
type Store struct {
	current atomic.Pointer[Registry]
}

// NewStore creates a store holding reg.
func NewStore(reg *Registry) *Store {
	s := &Store{}
	s.current.Store(reg)
	return s
}

// Current returns the live registry.
func (s *Store) Current() *Registry {
	return s.current.Load()
}

// Replace swaps in a new registry.
func (s *Store) Replace(reg *Registry) {
	s.current.Store(reg)
}
