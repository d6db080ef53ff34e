package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/relgraph/relgraph/internal/bitmap"
	"github.com/relgraph/relgraph/internal/cache"
	"github.com/relgraph/relgraph/internal/consistency"
	"github.com/relgraph/relgraph/internal/events"
	"github.com/relgraph/relgraph/internal/graph"
	"github.com/relgraph/relgraph/internal/storage"
	"github.com/relgraph/relgraph/internal/types"
)

// CheckRequest asks whether Subject holds Permission on Object within
// Tenant. Zookie and Consistency are both optional: an explicit selector
// wins, a zookie alone means at-least-as-fresh at its revision.
type CheckRequest struct {
	Tenant        string
	Subject       types.SubjectRef
	Permission    string
	Object        types.EntityRef
	Zookie        string
	Consistency   *types.Consistency
	CaveatContext map[string]any
}

// CheckResponse carries the decision and a fresh zookie for causal
// chaining.
type CheckResponse struct {
	Decision types.Decision
	Zookie   string
}

// CheckPermission is the primary query. Deny is always an evaluator
// decision; failures surface as errors, with a degraded cached answer when
// the store is unreachable but the cache can speak.
func (e *Engine) CheckPermission(ctx context.Context, req CheckRequest) (CheckResponse, error) {
	start := time.Now()
	resp, err := e.checkPermission(ctx, req)
	verdict := "error"
	if err == nil {
		verdict = "deny"
		if resp.Decision.Allowed() {
			verdict = "allow"
		}
	}
	e.metrics.RecordCheck(ctx, req.Tenant, verdict, time.Since(start))
	return resp, err
}

func (e *Engine) checkPermission(ctx context.Context, req CheckRequest) (CheckResponse, error) {
	key := cache.Key{
		Tenant:      req.Tenant,
		Object:      req.Object,
		Permission:  req.Permission,
		Subject:     req.Subject,
		ContextHash: cache.HashContext(req.CaveatContext),
	}

	plan, err := e.resolvePlan(ctx, req.Tenant, req.Zookie, req.Consistency)
	if err != nil {
		// An unreachable store can still be answered from the cache,
		// flagged degraded.
		return e.degradeCheck(ctx, req, key, err)
	}

	// Bitmap fast path: a fresh bitmap answering Present is a proven
	// allow. Absent is not a proven deny (caveated grants are outside the
	// bitmap), so anything else falls through.
	if e.index != nil && plan.UseCaches && !req.Subject.IsUserset() {
		bkey := storage.BitmapKey{
			Tenant:       req.Tenant,
			Subject:      req.Subject,
			Permission:   req.Permission,
			ResourceType: req.Object.Type,
		}
		m, rev, err := e.index.CheckAccess(ctx, bkey, req.Object.ID, plan.MinRevision)
		if err == nil && m == bitmap.Present {
			e.metrics.RecordBitmapAnswer(ctx, req.Tenant, "present")
			// Stamp with the revision the bitmap actually reflects, not the
			// plan's floor, so the returned zookie chains causally.
			decision := types.Decision{Verdict: types.Allow, Revision: rev}
			return CheckResponse{
				Decision: decision,
				Zookie:   e.mintZookie(req.Tenant, rev),
			}, nil
		}
		if err != nil {
			e.logger.Warn("bitmap probe failed", zap.Error(err))
		} else {
			e.metrics.RecordBitmapAnswer(ctx, req.Tenant, outcomeName(m))
		}
	}

	if plan.UseCaches {
		entry, hit, err := e.decisions.Get(ctx, key, plan.MinRevision)
		if err != nil {
			e.logger.Warn("decision cache read failed", zap.Error(err))
		}
		e.metrics.RecordCacheLookup(ctx, req.Tenant, err == nil && hit)
		if err == nil && hit {
			return CheckResponse{
				Decision: types.Decision{Verdict: entry.Verdict, Revision: entry.Revision},
				Zookie:   e.mintZookie(req.Tenant, entry.Revision),
			}, nil
		}
	}

	entry, err := e.evaluateCheck(ctx, req, key, plan)
	if err != nil {
		return e.degradeCheck(ctx, req, key, err)
	}
	return CheckResponse{
		Decision: types.Decision{Verdict: entry.Verdict, Revision: entry.Revision},
		Zookie:   e.mintZookie(req.Tenant, entry.Revision),
	}, nil
}

// evaluateCheck runs the breaker-wrapped graph walk, deduplicating
// concurrent identical evaluations. The result is stamped with the
// revision read just before the walk and stored in the cache.
func (e *Engine) evaluateCheck(ctx context.Context, req CheckRequest, key cache.Key, plan consistency.Plan) (cache.Entry, error) {
	flightKey := key.String() + "@" + strconv.FormatInt(plan.MinRevision, 10)
	v, err, _ := e.flights.Do(flightKey, func() (any, error) {
		var entry cache.Entry
		err := e.circuits.Do(ctx, req.Tenant, func(ctx context.Context) error {
			stamp, err := e.stampedRevision(ctx, req.Tenant)
			if err != nil {
				return err
			}
			verdict, err := e.evaluator.Check(ctx, graph.CheckRequest{
				Tenant:     req.Tenant,
				Object:     req.Object,
				Permission: req.Permission,
				Subject:    req.Subject,
				Context:    req.CaveatContext,
			})
			if errors.Is(err, types.ErrDepthExceeded) {
				// Deny with a warning, never a silent retry.
				e.logger.Warn("check hit depth bound, denying",
					zap.String("tenant", req.Tenant),
					zap.String("object", req.Object.String()),
					zap.String("permission", req.Permission))
				verdict, err = types.Deny, nil
			}
			if err != nil {
				return err
			}
			entry = cache.Entry{Verdict: verdict, Revision: stamp, StoredAt: time.Now().UTC()}
			return nil
		})
		if err != nil {
			return cache.Entry{}, err
		}
		if err := e.decisions.Put(ctx, key, entry); err != nil {
			e.logger.Warn("decision cache write failed", zap.Error(err))
		}
		return entry, nil
	})
	if err != nil {
		return cache.Entry{}, err
	}
	return v.(cache.Entry), nil
}

// degradeCheck serves a cached answer, any revision, when the store cannot
// be reached. Only breaker refusals and store failures degrade; other
// errors pass through.
func (e *Engine) degradeCheck(ctx context.Context, req CheckRequest, key cache.Key, evalErr error) (CheckResponse, error) {
	if !errors.Is(evalErr, types.ErrCircuitOpen) && !errors.Is(evalErr, types.ErrStoreUnavailable) {
		return CheckResponse{}, evalErr
	}
	entry, hit, err := e.decisions.Get(ctx, key, cache.AnyRevision)
	if err != nil || !hit {
		return CheckResponse{}, evalErr
	}
	e.logger.Warn("serving degraded cached decision",
		zap.String("tenant", req.Tenant),
		zap.NamedError("cause", evalErr))
	return CheckResponse{
		Decision: types.Decision{Verdict: entry.Verdict, Degraded: true, Revision: entry.Revision},
		Zookie:   e.mintZookie(req.Tenant, entry.Revision),
	}, nil
}

func outcomeName(m bitmap.Membership) string {
	switch m {
	case bitmap.Present:
		return "present"
	case bitmap.Absent:
		return "absent"
	default:
		return "unknown"
	}
}

// publishRevision announces a committed write.
func (e *Engine) publishRevision(ctx context.Context, tenant string, revision int64) {
	if err := e.bus.Publish(ctx, events.Event{
		Type:     events.TenantRevisionChanged,
		Tenant:   tenant,
		Revision: revision,
	}); err != nil && ctx.Err() == nil {
		e.logger.Warn("publishing revision event failed", zap.Error(err))
	}
}
