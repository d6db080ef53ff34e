package graph

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relgraph/relgraph/internal/caveat"
	"github.com/relgraph/relgraph/internal/namespace"
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
		[]namespace.RelationDef{
			{Name: "direct_viewer"},
			{Name: "owner"},
		},
		map[string]*namespace.Rewrite{
			"view": namespace.Union(
				namespace.ComputedUserset("direct_viewer"),
				namespace.ComputedUserset("owner"),
			),
		})
	require.NoError(t, err)

	doc, err := namespace.NewDefinition("doc",
		[]namespace.RelationDef{
			{Name: "direct_viewer"},
			{Name: "owner"},
			{Name: "banned"},
			{Name: "parent"},
		},
		map[string]*namespace.Rewrite{
			"view": namespace.Union(
				namespace.ComputedUserset("direct_viewer"),
				namespace.TupleToUserset("parent", "view"),
			),
			"allowed_view": namespace.Exclusion(
				namespace.ComputedUserset("view"),
				namespace.ComputedUserset("banned"),
			),
			"co_owned": namespace.Intersection(
				namespace.ComputedUserset("direct_viewer"),
				namespace.ComputedUserset("owner"),
			),
		})
	require.NoError(t, err)

	reg, err := namespace.NewRegistry(user, group, folder, doc)
	require.NoError(t, err)
	return namespace.NewStore(reg)
}

func testEvaluator(t *testing.T, opts ...Option) (*Evaluator, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	caveats, err := caveat.NewEvaluator()
	require.NoError(t, err)
	return New(store, testRegistry(t), caveats, opts...), store
}

func write(t *testing.T, store *memory.Store, tenant string, specs ...string) {
	t.Helper()
	tuples := make([]types.Tuple, 0, len(specs))
	for _, spec := range specs {
		var object, relation, subject string
		_, err := fmt.Sscanf(spec, "%s %s %s", &object, &relation, &subject)
		require.NoError(t, err, spec)
		obj, err := types.ParseEntityRef(object)
		require.NoError(t, err, spec)
		sub, err := types.ParseSubjectRef(subject)
		require.NoError(t, err, spec)
		tuples = append(tuples, types.Tuple{Tenant: tenant, Object: obj, Relation: relation, Subject: sub})
	}
	_, _, err := store.WriteTuples(context.Background(), tenant, tuples, nil)
	require.NoError(t, err)
}

func check(t *testing.T, e *Evaluator, tenant, object, permission, subject string) (types.Verdict, error) {
	t.Helper()
	obj, err := types.ParseEntityRef(object)
	require.NoError(t, err)
	sub, err := types.ParseSubjectRef(subject)
	require.NoError(t, err)
	return e.Check(context.Background(), CheckRequest{
		Tenant: tenant, Object: obj, Permission: permission, Subject: sub,
	})
}

func TestCheckDirectGrant(t *testing.T) {
	e, store := testEvaluator(t)
	write(t, store, "t1", "doc:readme direct_viewer user:alice")

	verdict, err := check(t, e, "t1", "doc:readme", "view", "user:alice")
	require.NoError(t, err)
	assert.Equal(t, types.Allow, verdict)

	verdict, err = check(t, e, "t1", "doc:readme", "view", "user:bob")
	require.NoError(t, err)
	assert.Equal(t, types.Deny, verdict)
}

func TestCheckTenantIsolation(t *testing.T) {
	e, store := testEvaluator(t)
	write(t, store, "t1", "doc:readme direct_viewer user:alice")

	verdict, err := check(t, e, "t2", "doc:readme", "view", "user:alice")
	require.NoError(t, err)
	assert.Equal(t, types.Deny, verdict)
}

func TestCheckThroughGroupMembership(t *testing.T) {
	e, store := testEvaluator(t)
	write(t, store, "t1",
		"doc:spec direct_viewer group:eng#member",
		"group:eng member user:alice",
	)

	verdict, err := check(t, e, "t1", "doc:spec", "view", "user:alice")
	require.NoError(t, err)
	assert.Equal(t, types.Allow, verdict)

	verdict, err = check(t, e, "t1", "doc:spec", "view", "user:mallory")
	require.NoError(t, err)
	assert.Equal(t, types.Deny, verdict)
}

func TestCheckParentInheritance(t *testing.T) {
	e, store := testEvaluator(t)
	write(t, store, "t1",
		"doc:spec parent folder:proj",
		"folder:proj direct_viewer user:alice",
		"folder:proj owner user:olivia",
	)

	for _, user := range []string{"user:alice", "user:olivia"} {
		verdict, err := check(t, e, "t1", "doc:spec", "view", user)
		require.NoError(t, err)
		assert.Equal(t, types.Allow, verdict, user)
	}

	verdict, err := check(t, e, "t1", "doc:spec", "view", "user:bob")
	require.NoError(t, err)
	assert.Equal(t, types.Deny, verdict)
}

func TestCheckIntersectionAndExclusion(t *testing.T) {
	e, store := testEvaluator(t)
	write(t, store, "t1",
		"doc:x direct_viewer user:alice",
		"doc:x direct_viewer user:bob",
		"doc:x owner user:alice",
		"doc:x banned user:bob",
	)

	verdict, err := check(t, e, "t1", "doc:x", "co_owned", "user:alice")
	require.NoError(t, err)
	assert.Equal(t, types.Allow, verdict)

	verdict, err = check(t, e, "t1", "doc:x", "co_owned", "user:bob")
	require.NoError(t, err)
	assert.Equal(t, types.Deny, verdict)

	verdict, err = check(t, e, "t1", "doc:x", "allowed_view", "user:alice")
	require.NoError(t, err)
	assert.Equal(t, types.Allow, verdict)

	verdict, err = check(t, e, "t1", "doc:x", "allowed_view", "user:bob")
	require.NoError(t, err)
	assert.Equal(t, types.Deny, verdict)
}

func TestCheckCaveatedTuple(t *testing.T) {
	e, store := testEvaluator(t)
	obj := types.EntityRef{Type: "doc", ID: "gated"}
	_, _, err := store.WriteTuples(context.Background(), "t1", []types.Tuple{{
		Tenant:   "t1",
		Object:   obj,
		Relation: "direct_viewer",
		Subject:  types.SubjectRef{Type: "user", ID: "alice"},
		Caveat:   &types.CaveatSpec{Name: "weekday", Expression: `day != "sunday"`},
	}}, nil)
	require.NoError(t, err)

	run := func(caveatCtx map[string]any) types.Verdict {
		verdict, err := e.Check(context.Background(), CheckRequest{
			Tenant:     "t1",
			Object:     obj,
			Permission: "view",
			Subject:    types.SubjectRef{Type: "user", ID: "alice"},
			Context:    caveatCtx,
		})
		require.NoError(t, err)
		return verdict
	}

	assert.Equal(t, types.Allow, run(map[string]any{"day": "monday"}))
	assert.Equal(t, types.Deny, run(map[string]any{"day": "sunday"}))
	// Undecidable caveat denies the tuple.
	assert.Equal(t, types.Deny, run(nil))
}

func TestCheckMembershipCycleTerminates(t *testing.T) {
	e, store := testEvaluator(t)
	write(t, store, "t1",
		"group:a member group:b#member",
		"group:b member group:a#member",
		"group:b member user:alice",
		"doc:spec direct_viewer group:a#member",
	)

	verdict, err := check(t, e, "t1", "doc:spec", "view", "user:alice")
	require.NoError(t, err)
	assert.Equal(t, types.Allow, verdict)

	verdict, err = check(t, e, "t1", "doc:spec", "view", "user:bob")
	require.NoError(t, err)
	assert.Equal(t, types.Deny, verdict)
}

func TestCheckDepthBound(t *testing.T) {
	const chain = 6
	specs := []string{"group:g0 member group:g1#member"}
	for i := 1; i < chain; i++ {
		specs = append(specs, fmt.Sprintf("group:g%d member group:g%d#member", i, i+1))
	}
	specs = append(specs, fmt.Sprintf("group:g%d member user:alice", chain))

	deep, store := testEvaluator(t, WithMaxDepth(chain))
	write(t, store, "t1", specs...)

	verdict, err := check(t, deep, "t1", "group:g0", "member", "user:alice")
	require.NoError(t, err)
	assert.Equal(t, types.Allow, verdict)

	shallow := New(store, testRegistry(t), deep.caveats, WithMaxDepth(chain-1))
	_, err = check(t, shallow, "t1", "group:g0", "member", "user:alice")
	assert.ErrorIs(t, err, types.ErrDepthExceeded)
}

func TestCheckUnknownTypeOrPermission(t *testing.T) {
	e, _ := testEvaluator(t)

	_, err := check(t, e, "t1", "widget:w1", "view", "user:alice")
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	_, err = check(t, e, "t1", "doc:d1", "teleport", "user:alice")
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestCheckSkipsUnregisteredParentType(t *testing.T) {
	e, store := testEvaluator(t)
	write(t, store, "t1", "doc:spec parent widget:w1")

	verdict, err := check(t, e, "t1", "doc:spec", "view", "user:alice")
	require.NoError(t, err)
	assert.Equal(t, types.Deny, verdict)
}

func TestExpandResolvesUsersetsAndExclusions(t *testing.T) {
	e, store := testEvaluator(t)
	write(t, store, "t1",
		"doc:spec direct_viewer user:alice",
		"doc:spec direct_viewer group:eng#member",
		"group:eng member user:bob",
		"group:eng member user:carol",
		"doc:spec banned user:carol",
	)

	subjects, err := e.Expand(context.Background(), "t1",
		types.EntityRef{Type: "doc", ID: "spec"}, "view")
	require.NoError(t, err)
	assert.Equal(t, []types.SubjectRef{
		{Type: "user", ID: "alice"},
		{Type: "user", ID: "bob"},
		{Type: "user", ID: "carol"},
	}, subjects)

	subjects, err = e.Expand(context.Background(), "t1",
		types.EntityRef{Type: "doc", ID: "spec"}, "allowed_view")
	require.NoError(t, err)
	assert.Equal(t, []types.SubjectRef{
		{Type: "user", ID: "alice"},
		{Type: "user", ID: "bob"},
	}, subjects)
}

func TestExpandExcludesCaveatedGrants(t *testing.T) {
	e, store := testEvaluator(t)
	obj := types.EntityRef{Type: "doc", ID: "gated"}
	_, _, err := store.WriteTuples(context.Background(), "t1", []types.Tuple{
		{
			Tenant: "t1", Object: obj, Relation: "direct_viewer",
			Subject: types.SubjectRef{Type: "user", ID: "alice"},
			Caveat:  &types.CaveatSpec{Name: "weekday", Expression: `day != "sunday"`},
		},
		{
			Tenant: "t1", Object: obj, Relation: "direct_viewer",
			Subject: types.SubjectRef{Type: "user", ID: "bob"},
		},
	}, nil)
	require.NoError(t, err)

	subjects, err := e.Expand(context.Background(), "t1", obj, "view")
	require.NoError(t, err)
	assert.Equal(t, []types.SubjectRef{{Type: "user", ID: "bob"}}, subjects)
}

func TestLookupResourcesDirectAndInherited(t *testing.T) {
	e, store := testEvaluator(t)
	write(t, store, "t1",
		"doc:a direct_viewer user:alice",
		"doc:b direct_viewer group:eng#member",
		"group:eng member user:alice",
		"doc:c parent folder:proj",
		"folder:proj direct_viewer user:alice",
		"doc:other direct_viewer user:bob",
	)

	resources, err := e.LookupResources(context.Background(), LookupRequest{
		Tenant:       "t1",
		Subject:      types.SubjectRef{Type: "user", ID: "alice"},
		Permission:   "view",
		ResourceType: "doc",
	})
	require.NoError(t, err)
	assert.Equal(t, []types.EntityRef{
		{Type: "doc", ID: "a"},
		{Type: "doc", ID: "b"},
		{Type: "doc", ID: "c"},
	}, resources)
}

func TestLookupResourcesHonorsExclusion(t *testing.T) {
	e, store := testEvaluator(t)
	write(t, store, "t1",
		"doc:a direct_viewer user:alice",
		"doc:b direct_viewer user:alice",
		"doc:b banned user:alice",
	)

	resources, err := e.LookupResources(context.Background(), LookupRequest{
		Tenant:       "t1",
		Subject:      types.SubjectRef{Type: "user", ID: "alice"},
		Permission:   "allowed_view",
		ResourceType: "doc",
	})
	require.NoError(t, err)
	assert.Equal(t, []types.EntityRef{{Type: "doc", ID: "a"}}, resources)
}

func TestLookupResourcesEmptyForStranger(t *testing.T) {
	e, store := testEvaluator(t)
	write(t, store, "t1", "doc:a direct_viewer user:alice")

	resources, err := e.LookupResources(context.Background(), LookupRequest{
		Tenant:       "t1",
		Subject:      types.SubjectRef{Type: "user", ID: "nobody"},
		Permission:   "view",
		ResourceType: "doc",
	})
	require.NoError(t, err)
	assert.Empty(t, resources)
}
