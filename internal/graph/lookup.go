package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/relgraph/relgraph/internal/namespace"
	"github.com/relgraph/relgraph/internal/types"
)

// LookupRequest asks for every resource of ResourceType on which Subject
// holds Permission within Tenant.
type LookupRequest struct {
	Tenant       string
	Subject      types.SubjectRef
	Permission   string
	ResourceType string
}

// entitySet is a dedup set of object refs keyed by their canonical string
// form.
type entitySet map[string]types.EntityRef

func (s entitySet) add(ref types.EntityRef) {
	s[ref.String()] = ref
}

func (s entitySet) merge(other entitySet) {
	for k, v := range other {
		s[k] = v
	}
}

func (s entitySet) intersect(other entitySet) entitySet {
	out := make(entitySet)
	for k, v := range s {
		if _, ok := other[k]; ok {
			out[k] = v
		}
	}
	return out
}

func (s entitySet) subtract(other entitySet) entitySet {
	out := make(entitySet)
	for k, v := range s {
		if _, ok := other[k]; !ok {
			out[k] = v
		}
	}
	return out
}

func (s entitySet) sorted() []types.EntityRef {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.EntityRef, 0, len(keys))
	for _, k := range keys {
		out = append(out, s[k])
	}
	return out
}

// LookupResources walks the permission's rewrite in reverse, from the
// subject toward objects of the requested type. Like Expand it excludes
// caveated grants, which keeps the result a subset of what Check would
// allow under any context.
func (e *Evaluator) LookupResources(ctx context.Context, req LookupRequest) ([]types.EntityRef, error) {
	if req.Tenant == "" {
		return nil, fmt.Errorf("%w: tenant is required", types.ErrInvalidRequest)
	}
	if err := req.Subject.Validate(); err != nil {
		return nil, err
	}
	reg := e.namespaces.Current()
	if err := e.validateQuery(reg, req.ResourceType, req.Permission); err != nil {
		return nil, err
	}
	set, err := e.lookupRelation(ctx, reg, req, req.ResourceType, req.Permission, visitedSet{}, 0)
	if err != nil {
		return nil, err
	}
	return set.sorted(), nil
}

// lookupRelation resolves the set of objects of objectType on which the
// subject holds relation. The visited key uses a type-level pseudo object
// because reverse walks fan out per type, not per object.
func (e *Evaluator) lookupRelation(ctx context.Context, reg *namespace.Registry, req LookupRequest, objectType, relation string, visited visitedSet, depth int) (entitySet, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	if depth > e.maxDepth {
		return nil, fmt.Errorf("%w: exceeded %d levels looking up %s#%s", types.ErrDepthExceeded, e.maxDepth, objectType, relation)
	}

	key := visitKey(types.EntityRef{Type: objectType, ID: "*"}, relation)
	if _, seen := visited[key]; seen {
		return entitySet{}, nil
	}
	visited = visited.with(key)

	_, rw, ok := resolveRewrite(reg, objectType, relation)
	if !ok {
		return entitySet{}, nil
	}
	return e.lookupRewrite(ctx, reg, req, objectType, relation, rw, visited, depth)
}

func (e *Evaluator) lookupRewrite(ctx context.Context, reg *namespace.Registry, req LookupRequest, objectType, relation string, rw *namespace.Rewrite, visited visitedSet, depth int) (entitySet, error) {
	switch rw.Kind {
	case namespace.KindThis:
		return e.lookupDirect(ctx, reg, req, objectType, relation, visited, depth)

	case namespace.KindComputedUserset:
		return e.lookupRelation(ctx, reg, req, objectType, rw.Relation, visited, depth+1)

	case namespace.KindTupleToUserset:
		return e.lookupTupleToUserset(ctx, reg, req, objectType, rw, visited, depth)

	case namespace.KindUnion:
		out := make(entitySet)
		for _, child := range rw.Children {
			set, err := e.lookupRewrite(ctx, reg, req, objectType, relation, child, visited, depth)
			if err != nil {
				return nil, err
			}
			out.merge(set)
		}
		return out, nil

	case namespace.KindIntersection:
		var out entitySet
		for _, child := range rw.Children {
			set, err := e.lookupRewrite(ctx, reg, req, objectType, relation, child, visited, depth)
			if err != nil {
				return nil, err
			}
			if out == nil {
				out = set
				continue
			}
			out = out.intersect(set)
			if len(out) == 0 {
				return out, nil
			}
		}
		if out == nil {
			out = entitySet{}
		}
		return out, nil

	case namespace.KindExclusion:
		include, err := e.lookupRewrite(ctx, reg, req, objectType, relation, rw.Include, visited, depth)
		if err != nil {
			return nil, err
		}
		if len(include) == 0 {
			return include, nil
		}
		exclude, err := e.lookupRewrite(ctx, reg, req, objectType, relation, rw.Exclude, visited, depth)
		if err != nil {
			return nil, err
		}
		return include.subtract(exclude), nil

	default:
		return nil, fmt.Errorf("%w: unknown rewrite kind %d on %s#%s", types.ErrInvariantViolated, rw.Kind, objectType, relation)
	}
}

// lookupDirect finds objects granting the relation to the subject
// directly, then resolves userset grants by checking the subject's
// membership in each distinct granted userset.
func (e *Evaluator) lookupDirect(ctx context.Context, reg *namespace.Registry, req LookupRequest, objectType, relation string, visited visitedSet, depth int) (entitySet, error) {
	out := make(entitySet)

	direct, err := e.store.FindObjectsForSubject(ctx, req.Tenant, req.Subject, relation, objectType)
	if err != nil {
		return nil, err
	}
	for _, obj := range direct {
		out.add(obj)
	}

	tuples, err := e.store.ReadTuples(ctx, req.Tenant, types.TupleFilter{
		ObjectType: objectType,
		Relation:   relation,
	})
	if err != nil {
		return nil, err
	}

	// Group objects by the userset that grants them, then decide each
	// userset once with a membership check.
	byUserset := make(map[string][]types.EntityRef)
	usersets := make(map[string]types.SubjectRef)
	for _, tup := range tuples {
		if !tup.Subject.IsUserset() || tup.Caveat != nil {
			continue
		}
		key := tup.Subject.String()
		byUserset[key] = append(byUserset[key], tup.Object)
		usersets[key] = tup.Subject
	}
	for key, userset := range usersets {
		verdict, err := e.checkRelation(ctx, reg, CheckRequest{
			Tenant:  req.Tenant,
			Subject: req.Subject,
		}, userset.Entity(), userset.Relation, visited, depth+1)
		if err != nil {
			return nil, err
		}
		if verdict != types.Allow {
			continue
		}
		for _, obj := range byUserset[key] {
			out.add(obj)
		}
	}
	return out, nil
}

// lookupTupleToUserset inverts the arrow: find every container the subject
// holds the computed relation on, then every object whose tupleset relation
// points at one of those containers.
func (e *Evaluator) lookupTupleToUserset(ctx context.Context, reg *namespace.Registry, req LookupRequest, objectType string, rw *namespace.Rewrite, visited visitedSet, depth int) (entitySet, error) {
	tuples, err := e.store.ReadTuples(ctx, req.Tenant, types.TupleFilter{
		ObjectType: objectType,
		Relation:   rw.TuplesetRelation,
	})
	if err != nil {
		return nil, err
	}

	out := make(entitySet)
	decided := make(map[string]bool)
	for _, tup := range tuples {
		if tup.Subject.IsUserset() {
			continue
		}
		container := tup.Subject.Entity()
		key := container.String()
		allowed, seen := decided[key]
		if !seen {
			if _, _, ok := resolveRewrite(reg, container.Type, rw.ComputedRelation); !ok {
				decided[key] = false
				continue
			}
			verdict, err := e.checkRelation(ctx, reg, CheckRequest{
				Tenant:  req.Tenant,
				Subject: req.Subject,
			}, container, rw.ComputedRelation, visited, depth+1)
			if err != nil {
				return nil, err
			}
			allowed = verdict == types.Allow
			decided[key] = allowed
		}
		if allowed {
			out.add(tup.Object)
		}
	}
	return out, nil
}
