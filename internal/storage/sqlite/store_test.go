package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relgraph/relgraph/internal/storage"
	"github.com/relgraph/relgraph/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func tuple(tenant, object, relation, subject string) types.Tuple {
	obj, _ := types.ParseEntityRef(object)
	sub, _ := types.ParseSubjectRef(subject)
	return types.Tuple{Tenant: tenant, Object: obj, Relation: relation, Subject: sub}
}

func TestWriteTuplesAllocatesRevisions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rev, changed, err := store.WriteTuples(ctx, "t1",
		[]types.Tuple{tuple("t1", "doc:readme", "direct_viewer", "user:alice")}, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(1), rev)

	// Idempotent re-add does not advance the revision.
	rev, changed, err = store.WriteTuples(ctx, "t1",
		[]types.Tuple{tuple("t1", "doc:readme", "direct_viewer", "user:alice")}, nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(1), rev)

	// A caveat change on the same key is an effective change.
	caveated := tuple("t1", "doc:readme", "direct_viewer", "user:alice")
	caveated.Caveat = &types.CaveatSpec{Name: "weekday", Expression: `day != "sunday"`}
	rev, changed, err = store.WriteTuples(ctx, "t1", []types.Tuple{caveated}, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(2), rev)

	// Removes advance it again.
	rev, changed, err = store.WriteTuples(ctx, "t1", nil,
		[]types.Tuple{tuple("t1", "doc:readme", "direct_viewer", "user:alice")})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(3), rev)

	// Removing a tuple that is not there does not.
	rev, changed, err = store.WriteTuples(ctx, "t1", nil,
		[]types.Tuple{tuple("t1", "doc:readme", "direct_viewer", "user:alice")})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(3), rev)
}

func TestRevisionsArePerTenant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.WriteTuples(ctx, "t1",
		[]types.Tuple{tuple("t1", "doc:a", "direct_viewer", "user:alice")}, nil)
	require.NoError(t, err)
	_, _, err = store.WriteTuples(ctx, "t2",
		[]types.Tuple{tuple("t2", "doc:b", "direct_viewer", "user:bob")}, nil)
	require.NoError(t, err)

	r1, err := store.CurrentRevision(ctx, "t1")
	require.NoError(t, err)
	r2, err := store.CurrentRevision(ctx, "t2")
	require.NoError(t, err)
	r3, err := store.CurrentRevision(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r1)
	assert.Equal(t, int64(1), r2)
	assert.Equal(t, int64(0), r3)
}

func TestWriteTuplesRejectsTenantMismatch(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.WriteTuples(context.Background(), "t1",
		[]types.Tuple{tuple("t2", "doc:a", "direct_viewer", "user:alice")}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestGetDirectSubjects(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	caveated := tuple("t1", "doc:d1", "direct_viewer", "user:carol")
	caveated.Caveat = &types.CaveatSpec{Name: "ip_range", Expression: `ip == "10.0.0.1"`}
	_, _, err := store.WriteTuples(ctx, "t1", []types.Tuple{
		tuple("t1", "doc:d1", "direct_viewer", "user:alice"),
		tuple("t1", "doc:d1", "direct_viewer", "group:eng#member"),
		tuple("t1", "doc:d1", "direct_owner", "user:bob"),
		caveated,
	}, nil)
	require.NoError(t, err)

	grants, err := store.GetDirectSubjects(ctx, "t1", types.EntityRef{Type: "doc", ID: "d1"}, "direct_viewer")
	require.NoError(t, err)
	require.Len(t, grants, 3)

	bySubject := make(map[string]storage.Grant, len(grants))
	for _, g := range grants {
		bySubject[g.Subject.String()] = g
	}
	assert.Contains(t, bySubject, "user:alice")
	assert.Contains(t, bySubject, "group:eng#member")
	assert.True(t, bySubject["group:eng#member"].Subject.IsUserset())
	require.NotNil(t, bySubject["user:carol"].Caveat)
	assert.Equal(t, "ip_range", bySubject["user:carol"].Caveat.Name)
}

func TestFindRelatedObjectsSkipsUsersets(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.WriteTuples(ctx, "t1", []types.Tuple{
		tuple("t1", "doc:d1", "parent", "folder:f1"),
		tuple("t1", "doc:d1", "parent", "folder:f2"),
		tuple("t1", "doc:d1", "parent", "group:g#member"),
	}, nil)
	require.NoError(t, err)

	refs, err := store.FindRelatedObjects(ctx, "t1", types.EntityRef{Type: "doc", ID: "d1"}, "parent")
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.EntityRef{
		{Type: "folder", ID: "f1"},
		{Type: "folder", ID: "f2"},
	}, refs)
}

func TestFindObjectsForSubject(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.WriteTuples(ctx, "t1", []types.Tuple{
		tuple("t1", "doc:d1", "direct_viewer", "user:alice"),
		tuple("t1", "doc:d2", "direct_viewer", "user:alice"),
		tuple("t1", "folder:f1", "direct_viewer", "user:alice"),
		tuple("t1", "doc:d3", "direct_viewer", "user:bob"),
	}, nil)
	require.NoError(t, err)

	refs, err := store.FindObjectsForSubject(ctx, "t1",
		types.SubjectRef{Type: "user", ID: "alice"}, "direct_viewer", "doc")
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.EntityRef{
		{Type: "doc", ID: "d1"},
		{Type: "doc", ID: "d2"},
	}, refs)
}

func TestDeleteTuplesByFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.WriteTuples(ctx, "t1", []types.Tuple{
		tuple("t1", "doc:d1", "direct_viewer", "user:alice"),
		tuple("t1", "doc:d2", "direct_viewer", "user:alice"),
		tuple("t1", "doc:d2", "direct_owner", "user:alice"),
	}, nil)
	require.NoError(t, err)

	_, _, err = store.DeleteTuples(ctx, "t1", types.TupleFilter{})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	rev, removed, err := store.DeleteTuples(ctx, "t1", types.TupleFilter{Relation: "direct_viewer"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, int64(2), rev)

	left, err := store.ReadTuples(ctx, "t1", types.TupleFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "direct_owner", left[0].Relation)
}

func TestReadTuplesRoundTripsCaveat(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := tuple("t1", "doc:d1", "direct_viewer", "user:alice")
	in.Caveat = &types.CaveatSpec{Name: "weekday", Expression: `day != "sunday"`}
	_, _, err := store.WriteTuples(ctx, "t1", []types.Tuple{in}, nil)
	require.NoError(t, err)

	out, err := store.ReadTuples(ctx, "t1", types.TupleFilter{SubjectID: "alice"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Caveat)
	assert.Equal(t, *in.Caveat, *out[0].Caveat)
	assert.False(t, out[0].CreatedAt.IsZero())
}

func TestResourceIDMap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a1, err := store.AssignResourceID(ctx, "t1", "doc", "readme")
	require.NoError(t, err)
	a2, err := store.AssignResourceID(ctx, "t1", "doc", "guide")
	require.NoError(t, err)
	again, err := store.AssignResourceID(ctx, "t1", "doc", "readme")
	require.NoError(t, err)

	assert.Equal(t, a1, again, "ids are stable")
	assert.Greater(t, a2, a1, "ids are monotone per tenant")

	// Independent counter per tenant.
	b1, err := store.AssignResourceID(ctx, "t2", "doc", "readme")
	require.NoError(t, err)
	assert.Equal(t, a1, b1)

	_, ok, err := store.LookupResourceID(ctx, "t1", "doc", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	names, err := store.ResourceNames(ctx, "t1", "doc", []int64{a1, a2, 9999})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{a1: "readme", a2: "guide"}, names)
}

func TestBitmapRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := storage.BitmapKey{
		Tenant:       "t1",
		Subject:      types.SubjectRef{Type: "user", ID: "alice"},
		Permission:   "view",
		ResourceType: "doc",
	}

	_, ok, err := store.GetBitmap(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.PutBitmap(ctx, key, storage.BitmapRecord{Data: []byte{1, 2, 3}, Revision: 7}))
	rec, ok, err := store.GetBitmap(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, rec.Data)
	assert.Equal(t, int64(7), rec.Revision)
	assert.False(t, rec.Stale)

	require.NoError(t, store.MarkBitmapStale(ctx, key))
	rec, ok, err = store.GetBitmap(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Stale)
}

func TestQueueLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := func(sub string) storage.BitmapKey {
		ref, _ := types.ParseSubjectRef(sub)
		return storage.BitmapKey{Tenant: "t1", Subject: ref, Permission: "view", ResourceType: "doc"}
	}

	coalesced, err := store.Enqueue(ctx, key("user:alice"), 100)
	require.NoError(t, err)
	assert.False(t, coalesced)

	// Same key coalesces and keeps the more urgent priority.
	coalesced, err = store.Enqueue(ctx, key("user:alice"), 10)
	require.NoError(t, err)
	assert.True(t, coalesced)

	_, err = store.Enqueue(ctx, key("user:bob"), 50)
	require.NoError(t, err)

	n, err := store.PendingCount(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// alice's job coalesced to priority 10, so it runs first.
	job, err := store.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user:alice", job.Key.Subject.String())
	assert.Equal(t, storage.JobProcessing, job.Status)

	require.NoError(t, store.Complete(ctx, job.ID))

	job, err = store.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user:bob", job.Key.Subject.String())

	// First failure re-pends with a delay; the job is not runnable yet.
	parked, err := store.Fail(ctx, job.ID, "boom", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, parked)

	_, err = store.Dequeue(ctx)
	assert.ErrorIs(t, err, storage.ErrQueueEmpty)
}

func TestEnqueueClearsRetryDelay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ref, _ := types.ParseSubjectRef("user:alice")
	key := storage.BitmapKey{Tenant: "t1", Subject: ref, Permission: "view", ResourceType: "doc"}

	_, err := store.Enqueue(ctx, key, 100)
	require.NoError(t, err)
	job, err := store.Dequeue(ctx)
	require.NoError(t, err)

	// The failed job is parked behind a long retry delay.
	parked, err := store.Fail(ctx, job.ID, "boom", 3, time.Hour)
	require.NoError(t, err)
	assert.False(t, parked)
	_, err = store.Dequeue(ctx)
	require.ErrorIs(t, err, storage.ErrQueueEmpty)

	// A fresh enqueue for the same key coalesces and makes it runnable
	// again right away.
	coalesced, err := store.Enqueue(ctx, key, 10)
	require.NoError(t, err)
	assert.True(t, coalesced)

	job, err = store.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, key, job.Key)
	assert.Equal(t, 10, job.Priority)
}

func TestQueueParksAtRetryCap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ref, _ := types.ParseSubjectRef("user:alice")
	key := storage.BitmapKey{Tenant: "t1", Subject: ref, Permission: "view", ResourceType: "doc"}

	_, err := store.Enqueue(ctx, key, 100)
	require.NoError(t, err)

	var parked bool
	for i := 0; i < 3; i++ {
		job, err := store.Dequeue(ctx)
		require.NoError(t, err)
		parked, err = store.Fail(ctx, job.ID, "boom", 3, 0)
		require.NoError(t, err)
	}
	assert.True(t, parked)

	_, err = store.Dequeue(ctx)
	assert.ErrorIs(t, err, storage.ErrQueueEmpty)
}

func TestRequeueAbandoned(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ref, _ := types.ParseSubjectRef("user:alice")
	key := storage.BitmapKey{Tenant: "t1", Subject: ref, Permission: "view", ResourceType: "doc"}

	_, err := store.Enqueue(ctx, key, 100)
	require.NoError(t, err)
	_, err = store.Dequeue(ctx)
	require.NoError(t, err)

	// Fresh processing rows are not touched.
	n, err := store.RequeueAbandoned(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = store.RequeueAbandoned(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := store.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, key, job.Key)
}

func TestClosedStoreReportsUnavailable(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())

	_, err := store.CurrentRevision(context.Background(), "t1")
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
}
