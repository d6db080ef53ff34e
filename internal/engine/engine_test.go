package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relgraph/relgraph/internal/bitmap"
	"github.com/relgraph/relgraph/internal/breaker"
	"github.com/relgraph/relgraph/internal/cache"
	"github.com/relgraph/relgraph/internal/consistency"
	"github.com/relgraph/relgraph/internal/namespace"
	"github.com/relgraph/relgraph/internal/storage"
	"github.com/relgraph/relgraph/internal/storage/memory"
	"github.com/relgraph/relgraph/internal/types"
)

func testRegistry(t *testing.T) *namespace.Store {
	t.Helper()
	user, err := namespace.NewDefinition("user", nil, nil)
	require.NoError(t, err)
	group, err := namespace.NewDefinition("group",
		[]namespace.RelationDef{{Name: "member"}}, nil)
	require.NoError(t, err)
	folder, err := namespace.NewDefinition("folder",
		[]namespace.RelationDef{{Name: "direct_viewer"}},
		map[string]*namespace.Rewrite{
			"view": namespace.ComputedUserset("direct_viewer"),
		})
	require.NoError(t, err)
	doc, err := namespace.NewDefinition("doc",
		[]namespace.RelationDef{
			{Name: "direct_viewer", SubjectTypes: []string{"user", "group"}},
			{Name: "group_viewer"},
			{Name: "parent", SubjectTypes: []string{"folder"}},
		},
		map[string]*namespace.Rewrite{
			"view": namespace.Union(
				namespace.ComputedUserset("direct_viewer"),
				namespace.ComputedUserset("group_viewer"),
				namespace.TupleToUserset("parent", "view"),
			),
		})
	require.NoError(t, err)

	reg, err := namespace.NewRegistry(user, group, folder, doc)
	require.NoError(t, err)
	return namespace.NewStore(reg)
}

// flakyStore injects store outages on demand.
type flakyStore struct {
	storage.TupleStore
	down atomic.Bool
}

func (f *flakyStore) outage() error {
	if f.down.Load() {
		return types.NewStoreError("query", errors.New("connection reset"))
	}
	return nil
}

func (f *flakyStore) CurrentRevision(ctx context.Context, tenant string) (int64, error) {
	if err := f.outage(); err != nil {
		return 0, err
	}
	return f.TupleStore.CurrentRevision(ctx, tenant)
}

func (f *flakyStore) GetDirectSubjects(ctx context.Context, tenant string, object types.EntityRef, relation string) ([]storage.Grant, error) {
	if err := f.outage(); err != nil {
		return nil, err
	}
	return f.TupleStore.GetDirectSubjects(ctx, tenant, object, relation)
}

func (f *flakyStore) WriteTuples(ctx context.Context, tenant string, adds, removes []types.Tuple) (int64, bool, error) {
	if err := f.outage(); err != nil {
		return 0, false, err
	}
	return f.TupleStore.WriteTuples(ctx, tenant, adds, removes)
}

type testEnv struct {
	engine *Engine
	store  *flakyStore
	mem    *memory.Store
	index  *bitmap.Index
	codec  *consistency.Codec
}

func newEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	mem := memory.New()
	t.Cleanup(func() { _ = mem.Close() })
	store := &flakyStore{TupleStore: mem}

	codec, err := consistency.NewCodec([]byte("engine-test-key"))
	require.NoError(t, err)

	index := bitmap.NewIndex(mem, mem, mem)
	base := []Option{
		WithDecisionCache(cache.NewLocal()),
		WithBitmapIndex(index),
	}
	eng, err := New(store, testRegistry(t), codec, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	return &testEnv{engine: eng, store: store, mem: mem, index: index, codec: codec}
}

func mustTuple(tenant, object, relation, subject string) types.Tuple {
	obj, err := types.ParseEntityRef(object)
	if err != nil {
		panic(err)
	}
	sub, err := types.ParseSubjectRef(subject)
	if err != nil {
		panic(err)
	}
	return types.Tuple{Tenant: tenant, Object: obj, Relation: relation, Subject: sub}
}

func (env *testEnv) check(t *testing.T, req CheckRequest) CheckResponse {
	t.Helper()
	resp, err := env.engine.CheckPermission(context.Background(), req)
	require.NoError(t, err)
	return resp
}

// Scenario A: direct grant and check.
func TestDirectGrantAndCheck(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	z1, err := env.engine.WriteRelationships(ctx, "t1",
		[]types.Tuple{mustTuple("t1", "doc:readme", "direct_viewer", "user:alice")}, nil)
	require.NoError(t, err)

	zk, err := env.codec.Decode(z1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), zk.Revision)

	resp := env.check(t, CheckRequest{
		Tenant:     "t1",
		Subject:    types.SubjectRef{Type: "user", ID: "alice"},
		Permission: "view",
		Object:     types.EntityRef{Type: "doc", ID: "readme"},
		Zookie:     z1,
	})
	assert.True(t, resp.Decision.Allowed())
	assert.False(t, resp.Decision.Degraded)

	resp = env.check(t, CheckRequest{
		Tenant:     "t1",
		Subject:    types.SubjectRef{Type: "user", ID: "bob"},
		Permission: "view",
		Object:     types.EntityRef{Type: "doc", ID: "readme"},
	})
	assert.False(t, resp.Decision.Allowed())
}

// Scenario B: userset via group.
func TestUsersetViaGroup(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	_, err := env.engine.WriteRelationships(ctx, "t1", []types.Tuple{
		mustTuple("t1", "doc:d1", "group_viewer", "group:g#member"),
	}, nil)
	require.NoError(t, err)
	z2, err := env.engine.WriteRelationships(ctx, "t1", []types.Tuple{
		mustTuple("t1", "group:g", "member", "user:alice"),
	}, nil)
	require.NoError(t, err)

	expand, err := env.engine.ExpandPermission(ctx, "t1",
		types.EntityRef{Type: "doc", ID: "d1"}, "view", z2, nil)
	require.NoError(t, err)
	assert.Equal(t, []types.SubjectRef{{Type: "user", ID: "alice"}}, expand.Subjects)

	resp := env.check(t, CheckRequest{
		Tenant:     "t1",
		Subject:    types.SubjectRef{Type: "user", ID: "alice"},
		Permission: "view",
		Object:     types.EntityRef{Type: "doc", ID: "d1"},
		Zookie:     z2,
	})
	assert.True(t, resp.Decision.Allowed())
}

// Scenario C: inheritance via tuple-to-userset, then revocation. Covers
// cache invalidation completeness: the cached allow at the old revision
// must not satisfy a check pinned past the revoke.
func TestInheritanceAndRevocation(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	req := CheckRequest{
		Tenant:     "t1",
		Subject:    types.SubjectRef{Type: "user", ID: "alice"},
		Permission: "view",
		Object:     types.EntityRef{Type: "doc", ID: "d2"},
	}

	z, err := env.engine.WriteRelationships(ctx, "t1", []types.Tuple{
		mustTuple("t1", "doc:d2", "parent", "folder:f"),
		mustTuple("t1", "folder:f", "direct_viewer", "user:alice"),
	}, nil)
	require.NoError(t, err)

	req.Zookie = z
	assert.True(t, env.check(t, req).Decision.Allowed())

	zRevoke, err := env.engine.WriteRelationships(ctx, "t1", nil, []types.Tuple{
		mustTuple("t1", "folder:f", "direct_viewer", "user:alice"),
	})
	require.NoError(t, err)

	req.Zookie = zRevoke
	resp := env.check(t, req)
	assert.False(t, resp.Decision.Allowed(), "revoked grant must not be served from cache")
}

// Scenario D: bounded wait rejects rather than serving stale allows.
func TestConsistencyTimeout(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	_, err := env.engine.WriteRelationships(ctx, "t1",
		[]types.Tuple{mustTuple("t1", "doc:d1", "direct_viewer", "user:alice")}, nil)
	require.NoError(t, err)

	_, err = env.engine.CheckPermission(ctx, CheckRequest{
		Tenant:      "t1",
		Subject:     types.SubjectRef{Type: "user", ID: "alice"},
		Permission:  "view",
		Object:      types.EntityRef{Type: "doc", ID: "d1"},
		Consistency: &types.Consistency{Mode: types.AtLeastAsFresh, MinRevision: 99},
	})
	require.Error(t, err)
	assert.True(t, types.IsConsistencyTimeout(err))
}

func TestZookieTenantMismatchRejected(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	z, err := env.engine.WriteRelationships(ctx, "t2",
		[]types.Tuple{mustTuple("t2", "doc:d1", "direct_viewer", "user:alice")}, nil)
	require.NoError(t, err)

	_, err = env.engine.CheckPermission(ctx, CheckRequest{
		Tenant:     "t1",
		Subject:    types.SubjectRef{Type: "user", ID: "alice"},
		Permission: "view",
		Object:     types.EntityRef{Type: "doc", ID: "d1"},
		Zookie:     z,
	})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestWriteValidation(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	// Permissions cannot be written as tuples.
	_, err := env.engine.WriteRelationships(ctx, "t1",
		[]types.Tuple{mustTuple("t1", "doc:d1", "view", "user:alice")}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	// Subject type not accepted by the relation.
	_, err = env.engine.WriteRelationships(ctx, "t1",
		[]types.Tuple{mustTuple("t1", "doc:d1", "parent", "user:alice")}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	// Malformed caveat is rejected at write time.
	bad := mustTuple("t1", "doc:d1", "direct_viewer", "user:alice")
	bad.Caveat = &types.CaveatSpec{Name: "broken", Expression: "day !="}
	_, err = env.engine.WriteRelationships(ctx, "t1", []types.Tuple{bad}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

// Scenario E: circuit breaker opens, checks degrade to cache, probe
// recovers.
func TestBreakerDegradesToCache(t *testing.T) {
	env := newEnv(t, WithBreaker(breaker.New(
		breaker.WithThreshold(3),
		breaker.WithWindow(10*time.Second),
		breaker.WithOpenInterval(50*time.Millisecond),
		breaker.WithProbes(1),
	)))
	ctx := context.Background()
	req := CheckRequest{
		Tenant:     "t1",
		Subject:    types.SubjectRef{Type: "user", ID: "alice"},
		Permission: "view",
		Object:     types.EntityRef{Type: "doc", ID: "d1"},
	}

	_, err := env.engine.WriteRelationships(ctx, "t1",
		[]types.Tuple{mustTuple("t1", "doc:d1", "direct_viewer", "user:alice")}, nil)
	require.NoError(t, err)

	// Warm the cache with a healthy allow.
	assert.True(t, env.check(t, req).Decision.Allowed())

	env.store.down.Store(true)
	fully := types.Consistency{Mode: types.FullyConsistent}
	fcReq := req
	fcReq.Consistency = &fully
	for i := 0; i < 3; i++ {
		_, err := env.engine.CheckPermission(ctx, fcReq)
		// Until the circuit opens these are degraded cache hits or store
		// errors; either way no healthy answer is fabricated.
		if err != nil {
			assert.True(t, errors.Is(err, types.ErrStoreUnavailable) ||
				errors.Is(err, types.ErrCircuitOpen), err)
		}
	}

	// Fully consistent check with the circuit open degrades to the cached
	// answer.
	resp, err := env.engine.CheckPermission(ctx, fcReq)
	require.NoError(t, err)
	assert.True(t, resp.Decision.Allowed())
	assert.True(t, resp.Decision.Degraded)

	// A check with no cached answer surfaces the refusal.
	miss := fcReq
	miss.Object = types.EntityRef{Type: "doc", ID: "never-seen"}
	_, err = env.engine.CheckPermission(ctx, miss)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrCircuitOpen) ||
		errors.Is(err, types.ErrStoreUnavailable), err)

	// Store recovers; after the open interval a probe closes the circuit.
	env.store.down.Store(false)
	require.Eventually(t, func() bool {
		resp, err := env.engine.CheckPermission(ctx, fcReq)
		return err == nil && resp.Decision.Allowed() && !resp.Decision.Degraded
	}, 2*time.Second, 25*time.Millisecond)
}

// Scenario F: listing answers are identical with and without the bitmap.
func TestBitmapListingMatchesGraph(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	const docs = 500

	adds := make([]types.Tuple, 0, docs)
	for i := 0; i < docs; i++ {
		adds = append(adds, mustTuple("t1",
			fmt.Sprintf("doc:d%04d", i), "direct_viewer", "user:alice"))
	}
	_, err := env.engine.WriteRelationships(ctx, "t1", adds, nil)
	require.NoError(t, err)

	// First lookup walks the graph and queues a backfill.
	first, err := env.engine.LookupResources(ctx, "t1",
		types.SubjectRef{Type: "user", ID: "alice"}, "view", "doc", "", nil)
	require.NoError(t, err)
	require.Len(t, first.ResourceIDs, docs)

	// Drain the queue with the engine's resolver, as the worker would.
	resolver := env.engine.BitmapResolver()
	for {
		job, err := env.mem.Dequeue(ctx)
		if errors.Is(err, storage.ErrQueueEmpty) {
			break
		}
		require.NoError(t, err)
		names, rev, err := resolver(ctx, job.Key)
		require.NoError(t, err)
		require.NoError(t, env.index.Store(ctx, job.Key, names, rev))
		require.NoError(t, env.mem.Complete(ctx, job.ID))
	}

	key := storage.BitmapKey{
		Tenant:       "t1",
		Subject:      types.SubjectRef{Type: "user", ID: "alice"},
		Permission:   "view",
		ResourceType: "doc",
	}
	_, _, ok, err := env.index.AccessibleResources(ctx, key, 0)
	require.NoError(t, err)
	require.True(t, ok, "backfill should have materialized the bitmap")

	second, err := env.engine.LookupResources(ctx, "t1",
		types.SubjectRef{Type: "user", ID: "alice"}, "view", "doc", "", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, first.ResourceIDs, second.ResourceIDs)
}

// A bitmap allow must always agree with the evaluator's answer.
func TestBitmapFastPathAgreesWithEvaluator(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	z, err := env.engine.WriteRelationships(ctx, "t1",
		[]types.Tuple{mustTuple("t1", "doc:d1", "direct_viewer", "user:alice")}, nil)
	require.NoError(t, err)
	zk, err := env.codec.Decode(z)
	require.NoError(t, err)

	key := storage.BitmapKey{
		Tenant:       "t1",
		Subject:      types.SubjectRef{Type: "user", ID: "alice"},
		Permission:   "view",
		ResourceType: "doc",
	}
	names, rev, err := env.engine.BitmapResolver()(ctx, key)
	require.NoError(t, err)
	require.NoError(t, env.index.Store(ctx, key, names, rev))
	require.Equal(t, zk.Revision, rev)

	m, bitmapRev, err := env.index.CheckAccess(ctx, key, "d1", rev)
	require.NoError(t, err)
	require.Equal(t, bitmap.Present, m)
	require.Equal(t, rev, bitmapRev)

	resp := env.check(t, CheckRequest{
		Tenant:     "t1",
		Subject:    types.SubjectRef{Type: "user", ID: "alice"},
		Permission: "view",
		Object:     types.EntityRef{Type: "doc", ID: "d1"},
		Zookie:     z,
	})
	assert.True(t, resp.Decision.Allowed())

	// Without a zookie the fast path still answers, and the token it mints
	// chains at the bitmap's revision rather than revision zero.
	resp = env.check(t, CheckRequest{
		Tenant:     "t1",
		Subject:    types.SubjectRef{Type: "user", ID: "alice"},
		Permission: "view",
		Object:     types.EntityRef{Type: "doc", ID: "d1"},
	})
	assert.True(t, resp.Decision.Allowed())
	assert.Equal(t, rev, resp.Decision.Revision)
	minted, err := env.codec.Decode(resp.Zookie)
	require.NoError(t, err)
	assert.Equal(t, rev, minted.Revision)
}

func TestReadRelationships(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	_, err := env.engine.WriteRelationships(ctx, "t1", []types.Tuple{
		mustTuple("t1", "doc:d1", "direct_viewer", "user:alice"),
		mustTuple("t1", "doc:d2", "direct_viewer", "user:bob"),
	}, nil)
	require.NoError(t, err)

	tuples, err := env.engine.ReadRelationships(ctx, "t1",
		types.TupleFilter{SubjectID: "alice"}, "", nil)
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	assert.Equal(t, "d1", tuples[0].Object.ID)

	z, err := env.engine.DeleteRelationships(ctx, "t1", types.TupleFilter{ObjectType: "doc"})
	require.NoError(t, err)
	zk, err := env.codec.Decode(z)
	require.NoError(t, err)
	assert.Equal(t, int64(2), zk.Revision)

	tuples, err = env.engine.ReadRelationships(ctx, "t1", types.TupleFilter{ObjectType: "doc"}, "", nil)
	require.NoError(t, err)
	assert.Empty(t, tuples)
}
