// Package engine wires the relgraph components into the public
// authorization API: checks, expansions, lookups, and relationship writes,
// each with zookie-based consistency, caching, bitmap acceleration, and
// per-tenant circuit breaking.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/relgraph/relgraph/internal/bitmap"
	"github.com/relgraph/relgraph/internal/breaker"
	"github.com/relgraph/relgraph/internal/cache"
	"github.com/relgraph/relgraph/internal/caveat"
	"github.com/relgraph/relgraph/internal/consistency"
	"github.com/relgraph/relgraph/internal/events"
	"github.com/relgraph/relgraph/internal/graph"
	"github.com/relgraph/relgraph/internal/namespace"
	"github.com/relgraph/relgraph/internal/storage"
	"github.com/relgraph/relgraph/internal/telemetry"
	"github.com/relgraph/relgraph/internal/types"
)

// Engine is the in-process authorization API.
type Engine struct {
	store       storage.TupleStore
	namespaces  *namespace.Store
	evaluator   *graph.Evaluator
	caveats     *caveat.Evaluator
	decisions   cache.DecisionCache
	index       *bitmap.Index
	circuits    *breaker.Breaker
	manager     *consistency.Manager
	zookies     *consistency.Codec
	bus         *events.Bus
	metrics     *telemetry.Metrics
	logger      *zap.Logger
	defaultMode types.ConsistencyMode
	evalOpts    []graph.Option
	managerOpts []consistency.ManagerOption

	flights singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithDecisionCache installs a decision cache; the default is the null
// cache.
func WithDecisionCache(c cache.DecisionCache) Option {
	return func(e *Engine) {
		if c != nil {
			e.decisions = c
		}
	}
}

// WithBitmapIndex enables the listing index.
func WithBitmapIndex(ix *bitmap.Index) Option {
	return func(e *Engine) { e.index = ix }
}

// WithBreaker overrides the default circuit breaker.
func WithBreaker(b *breaker.Breaker) Option {
	return func(e *Engine) {
		if b != nil {
			e.circuits = b
		}
	}
}

// WithConsistencyManager overrides the default manager.
func WithConsistencyManager(m *consistency.Manager) Option {
	return func(e *Engine) {
		if m != nil {
			e.manager = m
		}
	}
}

// WithConsistencyOptions tunes the default manager's bounded wait. Ignored
// when WithConsistencyManager supplies a manager outright.
func WithConsistencyOptions(opts ...consistency.ManagerOption) Option {
	return func(e *Engine) { e.managerOpts = opts }
}

// WithEventBus installs the notification bus.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// WithMetrics installs telemetry instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDefaultConsistency sets the mode used when a request carries neither
// a selector nor a zookie.
func WithDefaultConsistency(mode types.ConsistencyMode) Option {
	return func(e *Engine) { e.defaultMode = mode }
}

// WithEvaluatorOptions forwards options to the graph evaluator.
func WithEvaluatorOptions(opts ...graph.Option) Option {
	return func(e *Engine) { e.evalOpts = opts }
}

// New assembles an engine over its collaborators. The zookie codec is
// required; everything else has a working default.
func New(store storage.TupleStore, namespaces *namespace.Store, zookies *consistency.Codec, opts ...Option) (*Engine, error) {
	if store == nil || namespaces == nil || zookies == nil {
		return nil, fmt.Errorf("engine: store, namespaces, and zookie codec are required")
	}
	caveats, err := caveat.NewEvaluator()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:       store,
		namespaces:  namespaces,
		caveats:     caveats,
		decisions:   cache.NewNull(),
		circuits:    breaker.New(),
		zookies:     zookies,
		bus:         events.New(nil),
		logger:      zap.NewNop(),
		defaultMode: types.MinimizeLatency,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.manager == nil {
		// Route revision reads through the breaker so an open circuit
		// blocks fully consistent resolution instead of hammering a dead
		// store.
		e.manager = consistency.NewManager(&guardedRevisions{engine: e}, e.managerOpts...)
	}
	e.evaluator = graph.New(store, namespaces, caveats, append(e.evalOpts, graph.WithLogger(e.logger))...)
	return e, nil
}

// Close releases the engine's cache resources. The store is owned by the
// caller.
func (e *Engine) Close() error {
	return e.decisions.Close()
}

// mintZookie issues the response token for a decision at revision.
func (e *Engine) mintZookie(tenant string, revision int64) string {
	return e.zookies.Mint(tenant, revision, time.Now())
}

// resolvePlan turns the inbound zookie and optional explicit selector into
// an evaluation plan. An explicit selector wins; otherwise a zookie
// defaults the request to at-least-as-fresh at its revision; otherwise the
// engine default applies.
func (e *Engine) resolvePlan(ctx context.Context, tenant, zookie string, explicit *types.Consistency) (consistency.Plan, error) {
	if tenant == "" {
		return consistency.Plan{}, fmt.Errorf("%w: tenant is required", types.ErrInvalidRequest)
	}

	var selector types.Consistency
	switch {
	case explicit != nil:
		selector = *explicit
	default:
		selector = types.Consistency{Mode: e.defaultMode}
	}

	if zookie != "" {
		zk, err := e.zookies.Decode(zookie)
		if err != nil {
			return consistency.Plan{}, err
		}
		if zk.Tenant != tenant {
			return consistency.Plan{}, fmt.Errorf("%w: zookie tenant does not match request tenant", types.ErrInvalidRequest)
		}
		if explicit == nil {
			selector = types.FreshAtLeast(zk.Revision)
		}
	}

	plan, err := e.manager.Resolve(ctx, tenant, selector)
	if err != nil {
		if types.IsConsistencyTimeout(err) {
			var cte *types.ConsistencyTimeoutError
			errors.As(err, &cte)
			e.metrics.RecordConsistencyTimeout(ctx, tenant)
			_ = e.bus.Publish(ctx, events.Event{
				Type:     events.ConsistencyTimeout,
				Tenant:   tenant,
				Revision: cte.Requested,
				Detail:   cte.Error(),
			})
		}
		return consistency.Plan{}, err
	}
	return plan, nil
}

// stampedRevision reads the tenant revision that an evaluation is about to
// observe. Run inside the breaker together with the evaluation itself.
func (e *Engine) stampedRevision(ctx context.Context, tenant string) (int64, error) {
	return e.store.CurrentRevision(ctx, tenant)
}

// guardedRevisions is the breaker-wrapped revision source handed to the
// default consistency manager.
type guardedRevisions struct {
	engine *Engine
}

func (g *guardedRevisions) CurrentRevision(ctx context.Context, tenant string) (int64, error) {
	var rev int64
	err := g.engine.circuits.Do(ctx, tenant, func(ctx context.Context) error {
		var err error
		rev, err = g.engine.store.CurrentRevision(ctx, tenant)
		return err
	})
	return rev, err
}
