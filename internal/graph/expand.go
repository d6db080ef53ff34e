package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/relgraph/relgraph/internal/namespace"
	"github.com/relgraph/relgraph/internal/types"
)

// subjectSet is a dedup set of concrete subjects keyed by their canonical
// string form.
type subjectSet map[string]types.SubjectRef

func (s subjectSet) add(sub types.SubjectRef) {
	s[sub.String()] = sub
}

func (s subjectSet) merge(other subjectSet) {
	for k, v := range other {
		s[k] = v
	}
}

func (s subjectSet) intersect(other subjectSet) subjectSet {
	out := make(subjectSet)
	for k, v := range s {
		if _, ok := other[k]; ok {
			out[k] = v
		}
	}
	return out
}
func (s subjectSet) subtract(other subjectSet) subjectSet {
	out := make(subjectSet)
	for k, v := range s {
		if _, ok := other[k]; !ok {
			out[k] = v
		}
	}
	return out
}

func (s subjectSet) sorted() []types.SubjectRef {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.SubjectRef, 0, len(keys))
	for _, k := range keys {
		out = append(out, s[k])
	}
	return out
}

// Expand enumerates every concrete subject that holds the permission on the
// object, fully resolving userset indirections. Caveated grants are
// excluded: a listing has no request context to decide them, and a listing
// must never name a subject a check would deny.
func (e *Evaluator) Expand(ctx context.Context, tenant string, object types.EntityRef, permission string) ([]types.SubjectRef, error) {
	if tenant == "" {
		return nil, fmt.Errorf("%w: tenant is required", types.ErrInvalidRequest)
	}
	if err := object.Validate(); err != nil {
		return nil, err
	}
	reg := e.namespaces.Current()
	if err := e.validateQuery(reg, object.Type, permission); err != nil {
		return nil, err
	}
	set, err := e.expandRelation(ctx, reg, tenant, object, permission, visitedSet{}, 0)
	if err != nil {
		return nil, err
	}
	return set.sorted(), nil
}

// LookupSubjects is Expand under its query-API name.
func (e *Evaluator) LookupSubjects(ctx context.Context, tenant string, object types.EntityRef, permission string) ([]types.SubjectRef, error) {
	return e.Expand(ctx, tenant, object, permission)
}

func (e *Evaluator) expandRelation(ctx context.Context, reg *namespace.Registry, tenant string, object types.EntityRef, relation string, visited visitedSet, depth int) (subjectSet, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	if depth > e.maxDepth {
		return nil, fmt.Errorf("%w: exceeded %d levels expanding %s#%s", types.ErrDepthExceeded, e.maxDepth, object, relation)
	}

	key := visitKey(object, relation)
	if _, seen := visited[key]; seen {
		return subjectSet{}, nil
	}
	visited = visited.with(key)

	_, rw, ok := resolveRewrite(reg, object.Type, relation)
	if !ok {
		return subjectSet{}, nil
	}
	return e.expandRewrite(ctx, reg, tenant, object, relation, rw, visited, depth)
}

func (e *Evaluator) expandRewrite(ctx context.Context, reg *namespace.Registry, tenant string, object types.EntityRef, relation string, rw *namespace.Rewrite, visited visitedSet, depth int) (subjectSet, error) {
	switch rw.Kind {
	case namespace.KindThis:
		return e.expandDirect(ctx, reg, tenant, object, relation, visited, depth)

	case namespace.KindComputedUserset:
		return e.expandRelation(ctx, reg, tenant, object, rw.Relation, visited, depth+1)

	case namespace.KindTupleToUserset:
		targets, err := e.store.FindRelatedObjects(ctx, tenant, object, rw.TuplesetRelation)
		if err != nil {
			return nil, err
		}
		out := make(subjectSet)
		for _, target := range targets {
			if _, _, ok := resolveRewrite(reg, target.Type, rw.ComputedRelation); !ok {
				continue
			}
			set, err := e.expandRelation(ctx, reg, tenant, target, rw.ComputedRelation, visited, depth+1)
			if err != nil {
				return nil, err
			}
			out.merge(set)
		}
		return out, nil

	case namespace.KindUnion:
		out := make(subjectSet)
		for _, child := range rw.Children {
			set, err := e.expandRewrite(ctx, reg, tenant, object, relation, child, visited, depth)
			if err != nil {
				return nil, err
			}
			out.merge(set)
		}
		return out, nil

	case namespace.KindIntersection:
		var out subjectSet
		for _, child := range rw.Children {
			set, err := e.expandRewrite(ctx, reg, tenant, object, relation, child, visited, depth)
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
			out = subjectSet{}
		}
		return out, nil

	case namespace.KindExclusion:
		include, err := e.expandRewrite(ctx, reg, tenant, object, relation, rw.Include, visited, depth)
		if err != nil {
			return nil, err
		}
		if len(include) == 0 {
			return include, nil
		}
		exclude, err := e.expandRewrite(ctx, reg, tenant, object, relation, rw.Exclude, visited, depth)
		if err != nil {
			return nil, err
		}
		return include.subtract(exclude), nil

	default:
		return nil, fmt.Errorf("%w: unknown rewrite kind %d on %s#%s", types.ErrInvariantViolated, rw.Kind, object.Type, relation)
	}
}

func (e *Evaluator) expandDirect(ctx context.Context, reg *namespace.Registry, tenant string, object types.EntityRef, relation string, visited visitedSet, depth int) (subjectSet, error) {
	grants, err := e.store.GetDirectSubjects(ctx, tenant, object, relation)
	if err != nil {
		return nil, err
	}
	out := make(subjectSet)
	for _, grant := range grants {
		if grant.Caveat != nil {
			continue
		}
		if !grant.Subject.IsUserset() {
			out.add(grant.Subject)
			continue
		}
		set, err := e.expandRelation(ctx, reg, tenant, grant.Subject.Entity(), grant.Subject.Relation, visited, depth+1)
		if err != nil {
			return nil, err
		}
		out.merge(set)
	}
	return out, nil
}
