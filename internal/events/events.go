// Package events is the in-process notification bus. Engine components
// publish lifecycle events (revision changes, cache invalidations, circuit
// transitions, bitmap rebuilds) and handlers subscribe by type.
//
// Dispatch is synchronous and ordered by handler priority; handler errors
// are logged and never stop the chain. Anything that must not block a
// request belongs in the handler, not the bus.
package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type identifies an event flowing through the bus.
type Type string

const (
	// TenantRevisionChanged fires after every effective write, carrying
	// the new revision.
	TenantRevisionChanged Type = "tenant.revision_changed"

	// CacheInvalidated fires when a tenant's decision cache is dropped.
	CacheInvalidated Type = "cache.invalidated"

	// CircuitOpened and CircuitClosed track a tenant's breaker.
	CircuitOpened Type = "circuit.opened"
	CircuitClosed Type = "circuit.closed"

	// BitmapRebuilt fires when the recompute worker stores a bitmap.
	BitmapRebuilt Type = "bitmap.rebuilt"

	// ConsistencyTimeout fires when a bounded revision wait gave up.
	ConsistencyTimeout Type = "consistency.timeout"
)

// Event is one notification. Revision and Detail are meaningful per type.
type Event struct {
	Type       Type
	Tenant     string
	Revision   int64
	Detail     string
	OccurredAt time.Time
}

// Handler consumes events.
type Handler interface {
	// ID names the handler in logs.
	ID() string

	// Handles lists the event types the handler wants.
	Handles() []Type

	// Priority orders dispatch; lower runs first.
	Priority() int

	// Handle processes one event.
	Handle(ctx context.Context, event Event) error
}

// Bus dispatches events to registered handlers, sequentially in priority
// order.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers []Handler
}

// New creates a bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Register adds a handler. Registration order does not matter; handlers
// are sorted by priority at dispatch.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish stamps and dispatches the event. Handler failures are logged and
// swallowed.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return fmt.Errorf("events: event missing type")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	matching := b.matchingHandlers(event.Type)
	b.mu.RUnlock()

	for _, h := range matching {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("events: dispatch cancelled: %w", err)
		}
		if err := h.Handle(ctx, event); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("handler", h.ID()),
				zap.String("event", string(event.Type)),
				zap.Error(err))
		}
	}
	return nil
}

// Handlers returns the registered handlers for status reporting.
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

func (b *Bus) matchingHandlers(t Type) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, ht := range h.Handles() {
			if ht == t {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc struct {
	Name     string
	Types    []Type
	Order    int
	Callback func(ctx context.Context, event Event) error
}

func (h HandlerFunc) ID() string      { return h.Name }
func (h HandlerFunc) Handles() []Type { return h.Types }
func (h HandlerFunc) Priority() int   { return h.Order }
func (h HandlerFunc) Handle(ctx context.Context, event Event) error {
	return h.Callback(ctx, event)
}
