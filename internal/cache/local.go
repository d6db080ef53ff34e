package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultLocalShards   = 16
	defaultLocalCapacity = 8192
	defaultLocalTTL      = 30 * time.Second
)

// Local is the in-process tier: a sharded expiring LRU with per-tenant
// generation counters. InvalidateTenant bumps the tenant's generation,
// which changes every key the tenant's entries are stored under; the old
// entries age out of the LRU on their own.
type Local struct {
	shards []*expirable.LRU[string, Entry]

	mu          sync.RWMutex
	generations map[string]uint64
}

// LocalOption configures a Local cache.
type LocalOption func(*localConfig)

type localConfig struct {
	shards   int
	capacity int
	ttl      time.Duration
}

// WithLocalCapacity sets the total entry budget across shards.
func WithLocalCapacity(n int) LocalOption {
	return func(c *localConfig) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithLocalTTL sets the entry lifetime.
func WithLocalTTL(ttl time.Duration) LocalOption {
	return func(c *localConfig) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLocalShards sets the shard count.
func WithLocalShards(n int) LocalOption {
	return func(c *localConfig) {
		if n > 0 {
			c.shards = n
		}
	}
}

// NewLocal builds the in-process cache tier.
func NewLocal(opts ...LocalOption) *Local {
	cfg := localConfig{
		shards:   defaultLocalShards,
		capacity: defaultLocalCapacity,
		ttl:      defaultLocalTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	perShard := cfg.capacity / cfg.shards
	if perShard < 1 {
		perShard = 1
	}
	l := &Local{
		shards:      make([]*expirable.LRU[string, Entry], cfg.shards),
		generations: make(map[string]uint64),
	}
	for i := range l.shards {
		l.shards[i] = expirable.NewLRU[string, Entry](perShard, nil, cfg.ttl)
	}
	return l
}

func (l *Local) generation(tenant string) uint64 {
	l.mu.RLock()
	gen := l.generations[tenant]
	l.mu.RUnlock()
	return gen
}

// storageKey prefixes the canonical key with the tenant generation so a
// bump orphans prior entries without touching them.
func (l *Local) storageKey(key Key) string {
	return fmt.Sprintf("g%d|%s", l.generation(key.Tenant), key.String())
}

func (l *Local) shard(storageKey string) *expirable.LRU[string, Entry] {
	h := fnv.New32a()
	h.Write([]byte(storageKey))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

func (l *Local) Get(_ context.Context, key Key, minRevision int64) (Entry, bool, error) {
	sk := l.storageKey(key)
	entry, ok := l.shard(sk).Get(sk)
	if !ok || !entry.satisfies(minRevision) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (l *Local) Put(_ context.Context, key Key, entry Entry) error {
	sk := l.storageKey(key)
	l.shard(sk).Add(sk, entry)
	return nil
}

func (l *Local) InvalidateTenant(_ context.Context, tenant string) error {
	l.mu.Lock()
	l.generations[tenant]++
	l.mu.Unlock()
	return nil
}

func (l *Local) Close() error {
	for _, shard := range l.shards {
		shard.Purge()
	}
	return nil
}
