// Package breaker guards the tuple store with a per-tenant circuit
// breaker.
//
// Failures are counted in a rolling time window, so a burst of old errors
// ages out instead of being carried in a reset-interval counter. Only
// store-unavailable errors trip the circuit; authorization denials and
// invalid requests are data, not outages. While a tenant's circuit is open
// the engine degrades that tenant to cached answers without touching the
// store, leaving other tenants unaffected.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relgraph/relgraph/internal/types"
)

// State is a tenant circuit's position.
type State int

const (
	// Closed passes every call through.
	Closed State = iota

	// Open refuses calls until the open interval elapses.
	Open

	// HalfOpen admits a single probe; its outcome decides the next state.
	HalfOpen
)

// String returns the health-endpoint spelling of the state.
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	defaultWindow       = 60 * time.Second
	defaultThreshold    = 5
	defaultOpenInterval = 30 * time.Second
	defaultProbes       = 3
)

// Breaker holds one circuit per tenant.
type Breaker struct {
	window       time.Duration
	threshold    int
	openInterval time.Duration
	probes       int
	now          func() time.Time
	logger       *zap.Logger
	onChange     func(tenant string, from, to State)

	mu      sync.Mutex
	tenants map[string]*circuit
}

type circuit struct {
	state     State
	failures  []time.Time
	openedAt  time.Time
	probeOut  bool
	probeWins int
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithWindow sets the rolling window failures are counted over.
func WithWindow(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.window = d
		}
	}
}

// WithThreshold sets how many windowed failures open the circuit.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithOpenInterval sets how long an open circuit refuses before probing.
func WithOpenInterval(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.openInterval = d
		}
	}
}

// WithProbes sets how many consecutive half-open successes close the
// circuit.
func WithProbes(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.probes = n
		}
	}
}

// WithClock overrides the time source. Tests use it to step the window.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithOnStateChange registers a transition hook, called outside the
// breaker's lock.
func WithOnStateChange(hook func(tenant string, from, to State)) Option {
	return func(b *Breaker) {
		b.onChange = hook
	}
}

// New builds a breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		window:       defaultWindow,
		threshold:    defaultThreshold,
		openInterval: defaultOpenInterval,
		probes:       defaultProbes,
		now:          time.Now,
		logger:       zap.NewNop(),
		tenants:      make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) tenant(tenant string) *circuit {
	c, ok := b.tenants[tenant]
	if !ok {
		c = &circuit{state: Closed}
		b.tenants[tenant] = c
	}
	return c
}

func (c *circuit) prune(cutoff time.Time) {
	keep := c.failures[:0]
	for _, t := range c.failures {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	c.failures = keep
}

// Do runs fn under the tenant's circuit. An open circuit returns
// ErrCircuitOpen without calling fn. Only errors matching
// ErrStoreUnavailable count against the circuit; every other outcome of fn
// passes through untouched.
func (b *Breaker) Do(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
	if err := b.admit(tenant); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(tenant, errors.Is(err, types.ErrStoreUnavailable))
	return err
}

func (b *Breaker) admit(tenant string) error {
	var transition func()
	b.mu.Lock()
	c := b.tenant(tenant)
	now := b.now()

	switch c.state {
	case Closed:
		b.mu.Unlock()
		return nil

	case Open:
		if now.Sub(c.openedAt) < b.openInterval {
			b.mu.Unlock()
			return fmt.Errorf("%w: tenant %q", types.ErrCircuitOpen, tenant)
		}
		transition = b.transition(tenant, c, HalfOpen)
		c.probeOut = true
		c.probeWins = 0
		b.mu.Unlock()
		if transition != nil {
			transition()
		}
		return nil

	default: // HalfOpen
		if c.probeOut {
			b.mu.Unlock()
			return fmt.Errorf("%w: tenant %q (probe in flight)", types.ErrCircuitOpen, tenant)
		}
		c.probeOut = true
		b.mu.Unlock()
		return nil
	}
}

func (b *Breaker) record(tenant string, failed bool) {
	var transition func()
	b.mu.Lock()
	c := b.tenant(tenant)
	now := b.now()

	switch c.state {
	case Closed:
		if failed {
			c.failures = append(c.failures, now)
			c.prune(now.Add(-b.window))
			if len(c.failures) >= b.threshold {
				transition = b.transition(tenant, c, Open)
				c.openedAt = now
				c.failures = nil
			}
		}

	case HalfOpen:
		c.probeOut = false
		if failed {
			transition = b.transition(tenant, c, Open)
			c.openedAt = now
			c.probeWins = 0
		} else {
			c.probeWins++
			if c.probeWins >= b.probes {
				transition = b.transition(tenant, c, Closed)
				c.failures = nil
			}
		}

	case Open:
		// A late result from a call admitted before the trip; nothing to
		// update.
	}
	b.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// transition flips the state and returns the deferred notification.
// Caller must hold b.mu.
func (b *Breaker) transition(tenant string, c *circuit, to State) func() {
	from := c.state
	if from == to {
		return nil
	}
	c.state = to
	b.logger.Info("circuit state change",
		zap.String("tenant", tenant),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	if b.onChange == nil {
		return nil
	}
	return func() { b.onChange(tenant, from, to) }
}

// State reports the tenant's current circuit state.
func (b *Breaker) State(tenant string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.tenants[tenant]
	if !ok {
		return Closed
	}
	return c.state
}

// OpenFor reports how long the tenant's circuit has been open, zero when
// it is not open.
func (b *Breaker) OpenFor(tenant string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.tenants[tenant]
	if !ok || c.state != Open {
		return 0
	}
	return b.now().Sub(c.openedAt)
}

// Snapshot lists the tenants whose circuits are not closed, for the health
// endpoint.
func (b *Breaker) Snapshot() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State)
	for tenant, c := range b.tenants {
		if c.state != Closed {
			out[tenant] = c.state
		}
	}
	return out
}
