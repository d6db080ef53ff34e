package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relgraph/relgraph/internal/types"
)

var (
	_ DecisionCache = Null{}
	_ DecisionCache = (*Local)(nil)
	_ DecisionCache = (*Remote)(nil)
	_ DecisionCache = (*Tiered)(nil)
)

func testKey(tenant, id string) Key {
	return Key{
		Tenant:     tenant,
		Object:     types.EntityRef{Type: "doc", ID: id},
		Permission: "view",
		Subject:    types.SubjectRef{Type: "user", ID: "alice"},
	}
}

func allowAt(rev int64) Entry {
	return Entry{Verdict: types.Allow, Revision: rev, StoredAt: time.Now()}
}

func newRemote(t *testing.T, opts ...RemoteOption) (*Remote, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	remote := NewRemote(context.Background(), client, opts...)
	t.Cleanup(func() { _ = remote.Close() })
	return remote, mr
}

func TestHashContext(t *testing.T) {
	assert.Empty(t, HashContext(nil))
	assert.Empty(t, HashContext(map[string]any{}))

	a := HashContext(map[string]any{"day": "monday", "tier": "pro"})
	b := HashContext(map[string]any{"tier": "pro", "day": "monday"})
	c := HashContext(map[string]any{"day": "sunday", "tier": "pro"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestLocalRevisionGating(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	key := testKey("t1", "d1")

	require.NoError(t, l.Put(ctx, key, allowAt(5)))

	_, ok, err := l.Get(ctx, key, 6)
	require.NoError(t, err)
	assert.False(t, ok, "entry older than required revision must miss")

	entry, ok, err := l.Get(ctx, key, 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.Allow, entry.Verdict)

	_, ok, err = l.Get(ctx, key, AnyRevision)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalInvalidateTenant(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	require.NoError(t, l.Put(ctx, testKey("t1", "d1"), allowAt(1)))
	require.NoError(t, l.Put(ctx, testKey("t2", "d1"), allowAt(1)))
	require.NoError(t, l.InvalidateTenant(ctx, "t1"))

	_, ok, _ := l.Get(ctx, testKey("t1", "d1"), AnyRevision)
	assert.False(t, ok)
	_, ok, _ = l.Get(ctx, testKey("t2", "d1"), AnyRevision)
	assert.True(t, ok, "other tenants keep their entries")
}

func TestRemoteRoundTrip(t *testing.T) {
	remote, _ := newRemote(t)
	ctx := context.Background()
	key := testKey("t1", "d1")

	_, ok, err := remote.Get(ctx, key, AnyRevision)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, remote.Put(ctx, key, allowAt(7)))

	entry, ok, err := remote.Get(ctx, key, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), entry.Revision)

	_, ok, err = remote.Get(ctx, key, 8)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteInvalidateBumpsGeneration(t *testing.T) {
	hits := make(chan string, 1)
	remote, _ := newRemote(t, WithInvalidationHook(func(tenant string) {
		hits <- tenant
	}))
	ctx := context.Background()
	key := testKey("t1", "d1")

	require.NoError(t, remote.Put(ctx, key, allowAt(3)))
	require.NoError(t, remote.InvalidateTenant(ctx, "t1"))

	_, ok, err := remote.Get(ctx, key, AnyRevision)
	require.NoError(t, err)
	assert.False(t, ok)

	select {
	case tenant := <-hits:
		assert.Equal(t, "t1", tenant)
	case <-time.After(2 * time.Second):
		t.Fatal("invalidation broadcast never arrived")
	}
}

func TestTieredBackfillsLocal(t *testing.T) {
	remote, _ := newRemote(t)
	local := NewLocal()
	tiered := NewTiered(local, remote, nil)
	ctx := context.Background()
	key := testKey("t1", "d1")

	require.NoError(t, remote.Put(ctx, key, allowAt(4)))

	entry, ok, err := tiered.Get(ctx, key, AnyRevision)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), entry.Revision)

	_, ok, err = local.Get(ctx, key, AnyRevision)
	require.NoError(t, err)
	assert.True(t, ok, "remote hit should land in the local tier")
}

func TestTieredSurvivesRemoteOutage(t *testing.T) {
	remote, mr := newRemote(t)
	local := NewLocal()
	tiered := NewTiered(local, remote, nil)
	ctx := context.Background()
	key := testKey("t1", "d1")

	mr.SetError("connection refused")

	require.NoError(t, tiered.Put(ctx, key, allowAt(2)))
	entry, ok, err := tiered.Get(ctx, key, AnyRevision)
	require.NoError(t, err)
	require.True(t, ok, "local tier keeps serving while redis is down")
	assert.Equal(t, types.Allow, entry.Verdict)
}
