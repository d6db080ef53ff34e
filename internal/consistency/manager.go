package consistency

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/relgraph/relgraph/internal/types"
)

const (
	defaultMaxWait         = 500 * time.Millisecond
	defaultInitialInterval = 5 * time.Millisecond
	defaultMaxInterval     = 250 * time.Millisecond
)

// errRevisionBehind drives the retry loop; never returned to callers.
var errRevisionBehind = errors.New("consistency: revision behind")

// RevisionSource is the slice of the tuple store the manager needs.
type RevisionSource interface {
	CurrentRevision(ctx context.Context, tenant string) (int64, error)
}

// Plan is the resolved consistency decision for one request.
type Plan struct {
	// MinRevision gates cache and bitmap hits: entries stamped below it
	// are misses. Zero accepts anything.
	MinRevision int64

	// UseCaches is false for fully-consistent reads, which bypass the
	// decision cache and bitmap index entirely.
	UseCaches bool
}

// Manager turns a per-request consistency selector into a plan, waiting
// (bounded) for replication when the mode demands a revision the store has
// not reached.
type Manager struct {
	revisions       RevisionSource
	maxWait         time.Duration
	initialInterval time.Duration
	maxInterval     time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMaxWait bounds how long an at-least-as-fresh request may wait for
// the store to catch up.
func WithMaxWait(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.maxWait = d
		}
	}
}

// WithPollIntervals sets the backoff range of the revision poll.
func WithPollIntervals(initial, max time.Duration) ManagerOption {
	return func(m *Manager) {
		if initial > 0 {
			m.initialInterval = initial
		}
		if max > 0 {
			m.maxInterval = max
		}
	}
}

// NewManager builds a Manager over the tenant revision source.
func NewManager(revisions RevisionSource, opts ...ManagerOption) *Manager {
	m := &Manager{
		revisions:       revisions,
		maxWait:         defaultMaxWait,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve produces the evaluation plan for the request's consistency
// selector.
func (m *Manager) Resolve(ctx context.Context, tenant string, c types.Consistency) (Plan, error) {
	switch c.Mode {
	case types.MinimizeLatency:
		return Plan{MinRevision: 0, UseCaches: true}, nil

	case types.AtLeastAsFresh:
		if c.MinRevision <= 0 {
			return Plan{MinRevision: 0, UseCaches: true}, nil
		}
		if _, err := m.AwaitRevision(ctx, tenant, c.MinRevision); err != nil {
			return Plan{}, err
		}
		return Plan{MinRevision: c.MinRevision, UseCaches: true}, nil

	case types.FullyConsistent:
		rev, err := m.revisions.CurrentRevision(ctx, tenant)
		if err != nil {
			return Plan{}, err
		}
		return Plan{MinRevision: rev, UseCaches: false}, nil

	default:
		return Plan{}, errors.New("consistency: unknown mode")
	}
}

// AwaitRevision polls until the tenant's revision reaches min or the wait
// budget runs out, returning the last observed revision either way. The
// poll backs off exponentially so a behind store is not hammered.
func (m *Manager) AwaitRevision(ctx context.Context, tenant string, min int64) (int64, error) {
	start := time.Now()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.initialInterval
	bo.MaxInterval = m.maxInterval
	bo.MaxElapsedTime = m.maxWait

	var current int64
	op := func() error {
		rev, err := m.revisions.CurrentRevision(ctx, tenant)
		if err != nil {
			return backoff.Permanent(err)
		}
		current = rev
		if rev >= min {
			return nil
		}
		return errRevisionBehind
	}

	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err == nil {
		return current, nil
	}
	if errors.Is(err, errRevisionBehind) || errors.Is(err, context.DeadlineExceeded) {
		return current, &types.ConsistencyTimeoutError{
			Tenant:    tenant,
			Requested: min,
			Current:   current,
			Elapsed:   time.Since(start),
		}
	}
	return current, err
}
