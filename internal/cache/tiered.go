package cache

import (
	"context"

	"go.uber.org/zap"
)

// Tiered layers the local LRU in front of the shared Redis tier. Local
// misses fall through to the remote tier and backfill on the way out.
// Remote failures degrade to local-only behavior; correctness still holds
// because revision stamps gate every hit.
type Tiered struct {
	local  *Local
	remote DecisionCache
	logger *zap.Logger
}

// NewTiered composes the two tiers. Pass the Remote's invalidation hook
// pointing at local.InvalidateTenant so broadcasts from other processes
// drop the local tier here too.
func NewTiered(local *Local, remote DecisionCache, logger *zap.Logger) *Tiered {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiered{local: local, remote: remote, logger: logger}
}

func (t *Tiered) Get(ctx context.Context, key Key, minRevision int64) (Entry, bool, error) {
	entry, ok, err := t.local.Get(ctx, key, minRevision)
	if err == nil && ok {
		return entry, true, nil
	}

	entry, ok, err = t.remote.Get(ctx, key, minRevision)
	if err != nil {
		t.logger.Warn("remote cache read failed", zap.Error(err))
		return Entry{}, false, nil
	}
	if !ok {
		return Entry{}, false, nil
	}
	if err := t.local.Put(ctx, key, entry); err != nil {
		t.logger.Warn("local cache backfill failed", zap.Error(err))
	}
	return entry, true, nil
}

func (t *Tiered) Put(ctx context.Context, key Key, entry Entry) error {
	if err := t.local.Put(ctx, key, entry); err != nil {
		t.logger.Warn("local cache write failed", zap.Error(err))
	}
	if err := t.remote.Put(ctx, key, entry); err != nil {
		t.logger.Warn("remote cache write failed", zap.Error(err))
	}
	return nil
}

func (t *Tiered) InvalidateTenant(ctx context.Context, tenant string) error {
	if err := t.local.InvalidateTenant(ctx, tenant); err != nil {
		return err
	}
	if err := t.remote.InvalidateTenant(ctx, tenant); err != nil {
		t.logger.Warn("remote cache invalidation failed",
			zap.String("tenant", tenant), zap.Error(err))
	}
	return nil
}

func (t *Tiered) Close() error {
	lerr := t.local.Close()
	rerr := t.remote.Close()
	if lerr != nil {
		return lerr
	}
	return rerr
}
