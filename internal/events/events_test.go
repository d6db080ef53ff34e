package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchByTypeAndPriority(t *testing.T) {
	bus := New(nil)
	var order []string

	bus.Register(HandlerFunc{
		Name:  "second",
		Types: []Type{TenantRevisionChanged},
		Order: 20,
		Callback: func(context.Context, Event) error {
			order = append(order, "second")
			return nil
		},
	})
	bus.Register(HandlerFunc{
		Name:  "first",
		Types: []Type{TenantRevisionChanged, CacheInvalidated},
		Order: 10,
		Callback: func(_ context.Context, e Event) error {
			order = append(order, "first:"+string(e.Type))
			return nil
		},
	})
	bus.Register(HandlerFunc{
		Name:  "unrelated",
		Types: []Type{CircuitOpened},
		Callback: func(context.Context, Event) error {
			order = append(order, "unrelated")
			return nil
		},
	})

	require.NoError(t, bus.Publish(context.Background(), Event{
		Type: TenantRevisionChanged, Tenant: "t1", Revision: 4,
	}))
	assert.Equal(t, []string{"first:tenant.revision_changed", "second"}, order)
}

func TestHandlerErrorDoesNotStopChain(t *testing.T) {
	bus := New(nil)
	var reached bool

	bus.Register(HandlerFunc{
		Name: "broken", Types: []Type{CircuitOpened}, Order: 1,
		Callback: func(context.Context, Event) error {
			return errors.New("boom")
		},
	})
	bus.Register(HandlerFunc{
		Name: "after", Types: []Type{CircuitOpened}, Order: 2,
		Callback: func(context.Context, Event) error {
			reached = true
			return nil
		},
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Type: CircuitOpened, Tenant: "t1"}))
	assert.True(t, reached)
}

func TestPublishStampsTimeAndRejectsUntyped(t *testing.T) {
	bus := New(nil)
	var got Event
	bus.Register(HandlerFunc{
		Name: "capture", Types: []Type{BitmapRebuilt},
		Callback: func(_ context.Context, e Event) error {
			got = e
			return nil
		},
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Type: BitmapRebuilt}))
	assert.False(t, got.OccurredAt.IsZero())

	assert.Error(t, bus.Publish(context.Background(), Event{}))
}

func TestPublishHonorsCancellation(t *testing.T) {
	bus := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	handler := func(context.Context, Event) error {
		calls++
		cancel()
		return nil
	}
	bus.Register(HandlerFunc{Name: "a", Types: []Type{CacheInvalidated}, Order: 1, Callback: handler})
	bus.Register(HandlerFunc{Name: "b", Types: []Type{CacheInvalidated}, Order: 2, Callback: handler})

	err := bus.Publish(ctx, Event{Type: CacheInvalidated})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
