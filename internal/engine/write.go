package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/relgraph/relgraph/internal/bitmap"
	"github.com/relgraph/relgraph/internal/events"
	"github.com/relgraph/relgraph/internal/namespace"
	"github.com/relgraph/relgraph/internal/storage"
	"github.com/relgraph/relgraph/internal/types"
)

// WriteRelationships applies adds then removes atomically and returns a
// zookie at the resulting revision. Tuples are validated against the
// namespace before any store work: unknown types, undeclared relations,
// disallowed subject types, and malformed caveats all reject the whole
// batch.
func (e *Engine) WriteRelationships(ctx context.Context, tenant string, adds, removes []types.Tuple) (string, error) {
	if tenant == "" {
		return "", fmt.Errorf("%w: tenant is required", types.ErrInvalidRequest)
	}
	reg := e.namespaces.Current()
	for _, tup := range adds {
		if err := e.validateTuple(reg, tenant, tup); err != nil {
			return "", err
		}
	}
	for _, tup := range removes {
		if err := e.validateTuple(reg, tenant, tup); err != nil {
			return "", err
		}
	}

	var revision int64
	var changed bool
	err := e.circuits.Do(ctx, tenant, func(ctx context.Context) error {
		var err error
		revision, changed, err = e.store.WriteTuples(ctx, tenant, adds, removes)
		return err
	})
	if err != nil {
		return "", err
	}
	if changed {
		e.afterCommit(ctx, tenant, revision, adds, removes)
	}
	return e.mintZookie(tenant, revision), nil
}

// DeleteRelationships removes every tuple matching the filter and returns
// a zookie at the resulting revision.
func (e *Engine) DeleteRelationships(ctx context.Context, tenant string, filter types.TupleFilter) (string, error) {
	if tenant == "" {
		return "", fmt.Errorf("%w: tenant is required", types.ErrInvalidRequest)
	}

	var revision int64
	var removed int
	err := e.circuits.Do(ctx, tenant, func(ctx context.Context) error {
		var err error
		revision, removed, err = e.store.DeleteTuples(ctx, tenant, filter)
		return err
	})
	if err != nil {
		return "", err
	}
	if removed > 0 {
		e.afterCommit(ctx, tenant, revision, nil, nil)
	}
	return e.mintZookie(tenant, revision), nil
}

// ReadRelationships returns the tenant's tuples matching the filter. The
// consistency selector is honored the same way as for checks; reads never
// consult caches, so only the bounded wait applies.
func (e *Engine) ReadRelationships(ctx context.Context, tenant string, filter types.TupleFilter, zookie string, explicit *types.Consistency) ([]types.Tuple, error) {
	if _, err := e.resolvePlan(ctx, tenant, zookie, explicit); err != nil {
		return nil, err
	}
	var tuples []types.Tuple
	err := e.circuits.Do(ctx, tenant, func(ctx context.Context) error {
		var err error
		tuples, err = e.store.ReadTuples(ctx, tenant, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tuples, nil
}

// validateTuple enforces the namespace contract on one tuple.
func (e *Engine) validateTuple(reg *namespace.Registry, tenant string, tup types.Tuple) error {
	if err := tup.Validate(); err != nil {
		return err
	}
	if tup.Tenant != tenant {
		return fmt.Errorf("%w: tuple tenant %q does not match request tenant %q", types.ErrInvalidRequest, tup.Tenant, tenant)
	}
	def, ok := reg.Definition(tup.Object.Type)
	if !ok {
		return fmt.Errorf("%w: unknown object type %q", types.ErrInvalidRequest, tup.Object.Type)
	}
	rel, ok := def.Relation(tup.Relation)
	if !ok {
		// Permissions are computed, never written.
		return fmt.Errorf("%w: type %q has no direct relation %q", types.ErrInvalidRequest, tup.Object.Type, tup.Relation)
	}
	if len(rel.SubjectTypes) > 0 {
		allowed := false
		for _, st := range rel.SubjectTypes {
			if st == tup.Subject.Type {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: relation %s.%s does not accept subjects of type %q",
				types.ErrInvalidRequest, tup.Object.Type, tup.Relation, tup.Subject.Type)
		}
	}
	if tup.Caveat != nil {
		if tup.Caveat.Name == "" || tup.Caveat.Expression == "" {
			return fmt.Errorf("%w: caveat requires a name and an expression", types.ErrInvalidRequest)
		}
		if err := e.caveats.Compile(*tup.Caveat); err != nil {
			return err
		}
	}
	return nil
}

// afterCommit fans out the side effects of an effective write: revision
// event, tenant cache invalidation, and bitmap maintenance.
func (e *Engine) afterCommit(ctx context.Context, tenant string, revision int64, adds, removes []types.Tuple) {
	e.publishRevision(ctx, tenant, revision)

	if err := e.decisions.InvalidateTenant(ctx, tenant); err != nil {
		e.logger.Warn("cache invalidation failed",
			zap.String("tenant", tenant), zap.Error(err))
	} else if err := e.bus.Publish(ctx, events.Event{
		Type:   events.CacheInvalidated,
		Tenant: tenant,
	}); err != nil && ctx.Err() == nil {
		e.logger.Warn("publishing invalidation event failed", zap.Error(err))
	}

	if e.index != nil {
		e.maintainBitmaps(ctx, tenant, revision, adds, removes)
	}
}

// maintainBitmaps keeps the listing index warm after a write. A lone
// concrete-subject add patches the relation-keyed bitmap in place; every
// affected (subject, permission) pair gets a recompute enqueued. Usersets
// and bulk changes rely on the recompute path plus revision gating.
func (e *Engine) maintainBitmaps(ctx context.Context, tenant string, revision int64, adds, removes []types.Tuple) {
	reg := e.namespaces.Current()

	if len(adds) == 1 && len(removes) == 0 && !adds[0].Subject.IsUserset() && adds[0].Caveat == nil {
		tup := adds[0]
		key := storage.BitmapKey{
			Tenant:       tenant,
			Subject:      tup.Subject,
			Permission:   tup.Relation,
			ResourceType: tup.Object.Type,
		}
		if err := e.index.GrantOne(ctx, key, tup.Object.ID, revision); err != nil {
			e.logger.Warn("bitmap write-through failed", zap.Error(err))
		}
	}

	seen := make(map[string]struct{})
	enqueue := func(tup types.Tuple) {
		if tup.Subject.IsUserset() {
			return
		}
		def, ok := reg.Definition(tup.Object.Type)
		if !ok {
			return
		}
		perms := append(def.Permissions(), tup.Relation)
		for _, perm := range perms {
			key := storage.BitmapKey{
				Tenant:       tenant,
				Subject:      tup.Subject,
				Permission:   perm,
				ResourceType: tup.Object.Type,
			}
			if _, dup := seen[key.String()]; dup {
				continue
			}
			seen[key.String()] = struct{}{}
			if err := e.index.EnqueueRecompute(ctx, key, bitmap.PriorityInvalidation); err != nil {
				e.logger.Warn("enqueueing bitmap recompute failed",
					zap.String("key", key.String()), zap.Error(err))
			}
		}
	}
	for _, tup := range adds {
		enqueue(tup)
	}
	for _, tup := range removes {
		enqueue(tup)
	}
}
