package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRemoteTTL = 5 * time.Minute

	remotePrefix      = "relgraph:dc:"
	generationPrefix  = "relgraph:gen:"
	invalidateChannel = "relgraph:cache:invalidate"
)

// Remote is the shared Redis tier. Entries live under a per-tenant
// generation prefix; InvalidateTenant bumps the generation counter and
// publishes the tenant on a pub/sub channel so every process can drop its
// local tier too.
type Remote struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	sub          *redis.PubSub
	onInvalidate func(tenant string)
	closed       atomic.Bool
	subDone      chan struct{}
}

// RemoteOption configures a Remote cache.
type RemoteOption func(*Remote)

// WithRemoteTTL sets the Redis entry lifetime.
func WithRemoteTTL(ttl time.Duration) RemoteOption {
	return func(r *Remote) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRemoteLogger attaches a logger.
func WithRemoteLogger(logger *zap.Logger) RemoteOption {
	return func(r *Remote) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithInvalidationHook registers a callback invoked with the tenant name
// whenever any process publishes an invalidation. The tiered cache uses it
// to drop the local tier.
func WithInvalidationHook(hook func(tenant string)) RemoteOption {
	return func(r *Remote) {
		r.onInvalidate = hook
	}
}

// NewRemote builds the Redis tier over an existing client. The client is
// owned by the caller; Close stops only the subscription.
func NewRemote(ctx context.Context, client *redis.Client, opts ...RemoteOption) *Remote {
	r := &Remote{
		client:  client,
		ttl:     defaultRemoteTTL,
		logger:  zap.NewNop(),
		subDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.sub = client.Subscribe(ctx, invalidateChannel)
	go r.listen()
	return r
}

// listen forwards invalidation broadcasts to the hook until Close.
func (r *Remote) listen() {
	defer close(r.subDone)
	ch := r.sub.Channel()
	for msg := range ch {
		if r.onInvalidate != nil {
			r.onInvalidate(msg.Payload)
		}
	}
}

func (r *Remote) generationKey(tenant string) string {
	return generationPrefix + tenant
}

func (r *Remote) entryKey(ctx context.Context, key Key) (string, error) {
	gen, err := r.client.Get(ctx, r.generationKey(key.Tenant)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	return fmt.Sprintf("%s%s:g%d:%s", remotePrefix, key.Tenant, gen, key.String()), nil
}

func (r *Remote) Get(ctx context.Context, key Key, minRevision int64) (Entry, bool, error) {
	ek, err := r.entryKey(ctx, key)
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	data, err := r.client.Get(ctx, ek).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	entry, err := decodeEntry(data)
	if err != nil {
		// A corrupt entry is a miss, not an outage.
		r.logger.Warn("dropping undecodable cache entry", zap.String("key", ek), zap.Error(err))
		return Entry{}, false, nil
	}
	if !entry.satisfies(minRevision) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (r *Remote) Put(ctx context.Context, key Key, entry Entry) error {
	ek, err := r.entryKey(ctx, key)
	if err != nil {
		return fmt.Errorf("cache: redis put: %w", err)
	}
	data, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("cache: redis put: %w", err)
	}
	if err := r.client.Set(ctx, ek, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis put: %w", err)
	}
	return nil
}

func (r *Remote) InvalidateTenant(ctx context.Context, tenant string) error {
	if err := r.client.Incr(ctx, r.generationKey(tenant)).Err(); err != nil {
		return fmt.Errorf("cache: redis invalidate: %w", err)
	}
	if err := r.client.Publish(ctx, invalidateChannel, tenant).Err(); err != nil {
		return fmt.Errorf("cache: redis invalidate broadcast: %w", err)
	}
	return nil
}

func (r *Remote) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := r.sub.Close()
	<-r.subDone
	return err
}
