// Package graph implements the stateless permission evaluator: check,
// expand, and reverse lookup over the tuple store and the namespace
// rewrite rules.
//
// The evaluator never touches the decision cache or the bitmap index; with
// the store and namespace fixed, identical calls return identical verdicts.
// Cycle safety comes from a visited set keyed on (object, relation) that is
// copied into every branch, and a depth bound caps pathological recursion.
package graph

import (
	"context"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/relgraph/relgraph/internal/caveat"
	"github.com/relgraph/relgraph/internal/namespace"
	"github.com/relgraph/relgraph/internal/storage"
	"github.com/relgraph/relgraph/internal/types"
)

// DefaultMaxDepth bounds rewrite recursion when no override is configured.
const DefaultMaxDepth = 16

// defaultParallelism bounds concurrent union branches per check.
const defaultParallelism = 4

// Evaluator answers permission queries by walking rewrite expressions over
// the tuple store.
type Evaluator struct {
	store       storage.TupleStore
	namespaces  *namespace.Store
	caveats     *caveat.Evaluator
	maxDepth    int
	parallelism int
	logger      *zap.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithMaxDepth overrides the recursion bound.
func WithMaxDepth(depth int) Option {
	return func(e *Evaluator) {
		if depth > 0 {
			e.maxDepth = depth
		}
	}
}

// WithParallelism bounds concurrent union-branch evaluation. One disables
// fan-out entirely.
func WithParallelism(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New builds an evaluator over the given store and namespace registry.
func New(store storage.TupleStore, namespaces *namespace.Store, caveats *caveat.Evaluator, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:       store,
		namespaces:  namespaces,
		caveats:     caveats,
		maxDepth:    DefaultMaxDepth,
		parallelism: defaultParallelism,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxDepth returns the configured recursion bound.
func (e *Evaluator) MaxDepth() int {
	return e.maxDepth
}

// visitedSet tracks (object, relation) pairs on the current evaluation
// path. Branches receive copies so parallel evaluation cannot produce
// false-positive cycle hits.
type visitedSet map[string]struct{}

func (v visitedSet) with(key string) visitedSet {
	next := v.clone()
	next[key] = struct{}{}
	return next
}

func (v visitedSet) clone() visitedSet {
	next := make(visitedSet, len(v)+1)
	maps.Copy(next, v)
	return next
}

func visitKey(object types.EntityRef, relation string) string {
	return object.String() + "#" + relation
}

// resolveRewrite looks up the rewrite for relation on the object's type.
// Missing types and relations resolve to (nil, false): the caller decides
// whether that is a deny (mid-traversal) or an InvalidRequest (top level).
func resolveRewrite(reg *namespace.Registry, objectType, relation string) (*namespace.Definition, *namespace.Rewrite, bool) {
	def, ok := reg.Definition(objectType)
	if !ok {
		return nil, nil, false
	}
	rw, ok := def.Rewrite(relation)
	if !ok {
		return def, nil, false
	}
	return def, rw, true
}

// validateQuery rejects top-level queries against unregistered types or
// permissions.
func (e *Evaluator) validateQuery(reg *namespace.Registry, objectType, relation string) error {
	def, ok := reg.Definition(objectType)
	if !ok {
		return fmt.Errorf("%w: unknown object type %q", types.ErrInvalidRequest, objectType)
	}
	if _, ok := def.Rewrite(relation); !ok {
		return fmt.Errorf("%w: type %q has no relation or permission %q", types.ErrInvalidRequest, objectType, relation)
	}
	return nil
}

// tupleAdmitted reports whether a grant's caveat admits the tuple under the
// request context. Uncaveated tuples always pass; undecidable caveats deny
// the single tuple.
func (e *Evaluator) tupleAdmitted(spec *types.CaveatSpec, caveatContext map[string]any) bool {
	if spec == nil {
		return true
	}
	return e.caveats.Evaluate(*spec, caveatContext) == caveat.Allowed
}

func cancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
