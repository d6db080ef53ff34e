package graph

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/relgraph/relgraph/internal/namespace"
	"github.com/relgraph/relgraph/internal/types"
)

// CheckRequest asks whether Subject holds Permission on Object within
// Tenant. Context carries caveat variables for the request.
type CheckRequest struct {
	Tenant     string
	Object     types.EntityRef
	Permission string
	Subject    types.SubjectRef
	Context    map[string]any
}

// errBranchAllowed short-circuits parallel union evaluation through the
// errgroup's cancellation path. It never escapes the evaluator.
var errBranchAllowed = errors.New("graph: union branch allowed")

// Check walks the rewrite tree for the requested permission and reports
// whether the subject is a member of the resulting userset.
func (e *Evaluator) Check(ctx context.Context, req CheckRequest) (types.Verdict, error) {
	if req.Tenant == "" {
		return types.Deny, fmt.Errorf("%w: tenant is required", types.ErrInvalidRequest)
	}
	if err := req.Object.Validate(); err != nil {
		return types.Deny, err
	}
	if err := req.Subject.Validate(); err != nil {
		return types.Deny, err
	}

	reg := e.namespaces.Current()
	if err := e.validateQuery(reg, req.Object.Type, req.Permission); err != nil {
		return types.Deny, err
	}
	return e.checkRelation(ctx, reg, req, req.Object, req.Permission, visitedSet{}, 0)
}

// checkRelation evaluates one (object, relation) node on the walk. It owns
// the cycle and depth guards so every recursion path shares them.
func (e *Evaluator) checkRelation(ctx context.Context, reg *namespace.Registry, req CheckRequest, object types.EntityRef, relation string, visited visitedSet, depth int) (types.Verdict, error) {
	if err := cancelled(ctx); err != nil {
		return types.Deny, err
	}
	if depth > e.maxDepth {
		return types.Deny, fmt.Errorf("%w: exceeded %d levels checking %s#%s", types.ErrDepthExceeded, e.maxDepth, object, relation)
	}

	key := visitKey(object, relation)
	if _, seen := visited[key]; seen {
		// Already on the current path: re-expanding cannot add members.
		return types.Deny, nil
	}
	visited = visited.with(key)

	_, rw, ok := resolveRewrite(reg, object.Type, relation)
	if !ok {
		// Mid-traversal references into unregistered territory contribute
		// nothing rather than failing the whole query.
		return types.Deny, nil
	}
	return e.checkRewrite(ctx, reg, req, object, relation, rw, visited, depth)
}

func (e *Evaluator) checkRewrite(ctx context.Context, reg *namespace.Registry, req CheckRequest, object types.EntityRef, relation string, rw *namespace.Rewrite, visited visitedSet, depth int) (types.Verdict, error) {
	switch rw.Kind {
	case namespace.KindThis:
		return e.checkDirect(ctx, reg, req, object, relation, visited, depth)

	case namespace.KindComputedUserset:
		return e.checkRelation(ctx, reg, req, object, rw.Relation, visited, depth+1)

	case namespace.KindTupleToUserset:
		return e.checkTupleToUserset(ctx, reg, req, object, rw, visited, depth)

	case namespace.KindUnion:
		return e.checkUnion(ctx, reg, req, object, relation, rw.Children, visited, depth)

	case namespace.KindIntersection:
		for _, child := range rw.Children {
			verdict, err := e.checkRewrite(ctx, reg, req, object, relation, child, visited, depth)
			if err != nil {
				return types.Deny, err
			}
			if verdict != types.Allow {
				return types.Deny, nil
			}
		}
		return types.Allow, nil

	case namespace.KindExclusion:
		verdict, err := e.checkRewrite(ctx, reg, req, object, relation, rw.Include, visited, depth)
		if err != nil || verdict != types.Allow {
			return types.Deny, err
		}
		excluded, err := e.checkRewrite(ctx, reg, req, object, relation, rw.Exclude, visited, depth)
		if err != nil {
			return types.Deny, err
		}
		if excluded == types.Allow {
			return types.Deny, nil
		}
		return types.Allow, nil

	default:
		return types.Deny, fmt.Errorf("%w: unknown rewrite kind %d on %s#%s", types.ErrInvariantViolated, rw.Kind, object.Type, relation)
	}
}

// checkDirect matches the subject against stored tuples for (object,
// relation), following userset subjects one indirection deeper.
func (e *Evaluator) checkDirect(ctx context.Context, reg *namespace.Registry, req CheckRequest, object types.EntityRef, relation string, visited visitedSet, depth int) (types.Verdict, error) {
	grants, err := e.store.GetDirectSubjects(ctx, req.Tenant, object, relation)
	if err != nil {
		return types.Deny, err
	}

	for _, grant := range grants {
		if grant.Subject.IsUserset() {
			continue
		}
		if grant.Subject != req.Subject {
			continue
		}
		if e.tupleAdmitted(grant.Caveat, req.Context) {
			return types.Allow, nil
		}
	}

	for _, grant := range grants {
		if !grant.Subject.IsUserset() {
			continue
		}
		if !e.tupleAdmitted(grant.Caveat, req.Context) {
			continue
		}
		verdict, err := e.checkRelation(ctx, reg, req, grant.Subject.Entity(), grant.Subject.Relation, visited, depth+1)
		if err != nil {
			return types.Deny, err
		}
		if verdict == types.Allow {
			return types.Allow, nil
		}
	}
	return types.Deny, nil
}

// checkTupleToUserset follows the tupleset relation to each target object
// and evaluates the computed relation there. Targets of unregistered types
// are skipped.
func (e *Evaluator) checkTupleToUserset(ctx context.Context, reg *namespace.Registry, req CheckRequest, object types.EntityRef, rw *namespace.Rewrite, visited visitedSet, depth int) (types.Verdict, error) {
	targets, err := e.store.FindRelatedObjects(ctx, req.Tenant, object, rw.TuplesetRelation)
	if err != nil {
		return types.Deny, err
	}
	for _, target := range targets {
		if _, _, ok := resolveRewrite(reg, target.Type, rw.ComputedRelation); !ok {
			continue
		}
		verdict, err := e.checkRelation(ctx, reg, req, target, rw.ComputedRelation, visited, depth+1)
		if err != nil {
			return types.Deny, err
		}
		if verdict == types.Allow {
			return types.Allow, nil
		}
	}
	return types.Deny, nil
}

// checkUnion evaluates union branches concurrently, first Allow wins. Each
// branch gets its own copy of the visited set so sibling paths cannot mask
// each other.
func (e *Evaluator) checkUnion(ctx context.Context, reg *namespace.Registry, req CheckRequest, object types.EntityRef, relation string, children []*namespace.Rewrite, visited visitedSet, depth int) (types.Verdict, error) {
	if len(children) == 0 {
		return types.Deny, nil
	}
	if len(children) == 1 || e.parallelism <= 1 {
		for _, child := range children {
			verdict, err := e.checkRewrite(ctx, reg, req, object, relation, child, visited, depth)
			if err != nil {
				return types.Deny, err
			}
			if verdict == types.Allow {
				return types.Allow, nil
			}
		}
		return types.Deny, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, child := range children {
		g.Go(func() error {
			verdict, err := e.checkRewrite(gctx, reg, req, object, relation, child, visited.clone(), depth)
			if err != nil {
				return err
			}
			if verdict == types.Allow {
				return errBranchAllowed
			}
			return nil
		})
	}
	err := g.Wait()
	if errors.Is(err, errBranchAllowed) {
		return types.Allow, nil
	}
	if err != nil {
		// A winning sibling cancels the group; losers report the parent
		// context error, which Wait surfaces only if no branch allowed.
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return types.Deny, nil
		}
		return types.Deny, err
	}
	return types.Deny, nil
}
