package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relgraph/relgraph/internal/bitmap"
	"github.com/relgraph/relgraph/internal/breaker"
	"github.com/relgraph/relgraph/internal/events"
	"github.com/relgraph/relgraph/internal/graph"
	"github.com/relgraph/relgraph/internal/storage"
	"github.com/relgraph/relgraph/internal/telemetry"
	"github.com/relgraph/relgraph/internal/types"
)

// ExpandResponse lists the concrete subjects holding a permission.
type ExpandResponse struct {
	Subjects []types.SubjectRef
	Zookie   string
}

// ExpandPermission fully resolves the userset for (object, permission).
func (e *Engine) ExpandPermission(ctx context.Context, tenant string, object types.EntityRef, permission, zookie string, explicit *types.Consistency) (ExpandResponse, error) {
	if _, err := e.resolvePlan(ctx, tenant, zookie, explicit); err != nil {
		return ExpandResponse{}, err
	}

	var subjects []types.SubjectRef
	var stamp int64
	err := e.circuits.Do(ctx, tenant, func(ctx context.Context) error {
		var err error
		if stamp, err = e.stampedRevision(ctx, tenant); err != nil {
			return err
		}
		subjects, err = e.evaluator.Expand(ctx, tenant, object, permission)
		return err
	})
	if err != nil {
		return ExpandResponse{}, err
	}
	return ExpandResponse{
		Subjects: subjects,
		Zookie:   e.mintZookie(tenant, stamp),
	}, nil
}

// LookupSubjects is ExpandPermission under its query-API name.
func (e *Engine) LookupSubjects(ctx context.Context, tenant string, object types.EntityRef, permission, zookie string, explicit *types.Consistency) (ExpandResponse, error) {
	return e.ExpandPermission(ctx, tenant, object, permission, zookie, explicit)
}

// LookupResponse lists the resource IDs a subject can access.
type LookupResponse struct {
	ResourceIDs []string
	Zookie      string
}

// LookupResources returns every resource of resourceType on which subject
// holds permission. A fresh bitmap answers directly; otherwise the graph
// is walked and a backfill recompute is queued so the next call is fast.
func (e *Engine) LookupResources(ctx context.Context, tenant string, subject types.SubjectRef, permission, resourceType, zookie string, explicit *types.Consistency) (LookupResponse, error) {
	plan, err := e.resolvePlan(ctx, tenant, zookie, explicit)
	if err != nil {
		return LookupResponse{}, err
	}

	bkey := storage.BitmapKey{
		Tenant:       tenant,
		Subject:      subject,
		Permission:   permission,
		ResourceType: resourceType,
	}
	if e.index != nil && plan.UseCaches && !subject.IsUserset() {
		names, revision, ok, err := e.index.AccessibleResources(ctx, bkey, plan.MinRevision)
		if err != nil {
			e.logger.Warn("bitmap listing failed", zap.Error(err))
		} else if ok {
			e.metrics.RecordBitmapAnswer(ctx, tenant, "present")
			return LookupResponse{
				ResourceIDs: names,
				Zookie:      e.mintZookie(tenant, revision),
			}, nil
		} else {
			e.metrics.RecordBitmapAnswer(ctx, tenant, "unknown")
		}
	}

	var refs []types.EntityRef
	var stamp int64
	err = e.circuits.Do(ctx, tenant, func(ctx context.Context) error {
		var err error
		if stamp, err = e.stampedRevision(ctx, tenant); err != nil {
			return err
		}
		refs, err = e.evaluator.LookupResources(ctx, graph.LookupRequest{
			Tenant:       tenant,
			Subject:      subject,
			Permission:   permission,
			ResourceType: resourceType,
		})
		return err
	})
	if err != nil {
		return LookupResponse{}, err
	}

	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}

	if e.index != nil && !subject.IsUserset() {
		if err := e.index.EnqueueRecompute(ctx, bkey, bitmap.PriorityBackfill); err != nil {
			e.logger.Warn("enqueueing bitmap backfill failed", zap.Error(err))
		}
	}
	return LookupResponse{
		ResourceIDs: ids,
		Zookie:      e.mintZookie(tenant, stamp),
	}, nil
}

// BitmapResolver adapts the engine's reverse lookup for the recompute
// worker: a fully consistent listing stamped with the revision it
// reflects.
func (e *Engine) BitmapResolver() bitmap.Resolver {
	return func(ctx context.Context, key storage.BitmapKey) ([]string, int64, error) {
		start := time.Now()
		stamp, err := e.store.CurrentRevision(ctx, key.Tenant)
		if err != nil {
			return nil, 0, err
		}
		refs, err := e.evaluator.LookupResources(ctx, graph.LookupRequest{
			Tenant:       key.Tenant,
			Subject:      key.Subject,
			Permission:   key.Permission,
			ResourceType: key.ResourceType,
		})
		if err != nil {
			return nil, 0, err
		}
		ids := make([]string, len(refs))
		for i, ref := range refs {
			ids[i] = ref.ID
		}

		elapsed := time.Since(start)
		e.metrics.RecordBitmapRecompute(ctx, key.Tenant, elapsed)
		if err := e.bus.Publish(ctx, events.Event{
			Type:     events.BitmapRebuilt,
			Tenant:   key.Tenant,
			Revision: stamp,
			Detail:   key.String(),
		}); err != nil && ctx.Err() == nil {
			e.logger.Warn("publishing bitmap rebuild event failed", zap.Error(err))
		}
		return ids, stamp, nil
	}
}

// BreakerEvents builds a breaker state-change hook publishing circuit
// events on bus. Wire it via breaker.WithOnStateChange when constructing
// the breaker handed to the engine.
func BreakerEvents(bus *events.Bus, metrics *telemetry.Metrics) func(tenant string, from, to breaker.State) {
	return func(tenant string, from, to breaker.State) {
		ctx := context.Background()
		switch to {
		case breaker.Open:
			metrics.RecordBreakerOpen(ctx, tenant)
			_ = bus.Publish(ctx, events.Event{
				Type:   events.CircuitOpened,
				Tenant: tenant,
				Detail: "from " + from.String(),
			})
		case breaker.Closed:
			_ = bus.Publish(ctx, events.Event{
				Type:   events.CircuitClosed,
				Tenant: tenant,
				Detail: "from " + from.String(),
			})
		}
	}
}
