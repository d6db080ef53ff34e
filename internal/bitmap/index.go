// Package bitmap maintains precomputed listing indexes: one roaring bitmap
// per (tenant, subject, permission, resource type), mapping resource IDs
// the subject can access.
//
// The index is an accelerator, never an authority. A lookup consults it
// only when the stored bitmap's revision satisfies the request; anything
// else reports Unknown and the caller falls back to the graph walk. Writes
// either patch the affected bitmaps in place or enqueue a recompute,
// marking the bitmap stale when the tenant's queue is saturated.
package bitmap

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"go.uber.org/zap"

	"github.com/relgraph/relgraph/internal/storage"
)

// Membership is the tri-state answer of a bitmap probe.
type Membership int

const (
	// Unknown means the index cannot answer: missing, stale, or too old
	// for the requested revision. Fall back to the evaluator.
	Unknown Membership = iota

	// Present means the fresh bitmap contains the resource.
	Present

	// Absent means the fresh bitmap does not contain the resource.
	Absent
)

// Queue priorities. Lower runs first; coalescing keeps the lowest value.
const (
	// PriorityInvalidation is used for recomputes triggered by writes.
	PriorityInvalidation = 10

	// PriorityBackfill is used for lazily rebuilding bitmaps first
	// requested by a lookup.
	PriorityBackfill = 100
)

const defaultQueueCapacityPerTenant = 1024

// Index reads and patches the stored bitmaps.
type Index struct {
	bitmaps  storage.BitmapStore
	ids      storage.ResourceIDMap
	queue    storage.UpdateQueue
	capacity int
	logger   *zap.Logger
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithQueueCapacity bounds pending recompute jobs per tenant. Past the
// bound, writes mark bitmaps stale instead of enqueueing.
func WithQueueCapacity(n int) IndexOption {
	return func(ix *Index) {
		if n > 0 {
			ix.capacity = n
		}
	}
}

// WithIndexLogger attaches a logger.
func WithIndexLogger(logger *zap.Logger) IndexOption {
	return func(ix *Index) {
		if logger != nil {
			ix.logger = logger
		}
	}
}

// NewIndex builds the listing index over its storage backends.
func NewIndex(bitmaps storage.BitmapStore, ids storage.ResourceIDMap, queue storage.UpdateQueue, opts ...IndexOption) *Index {
	ix := &Index{
		bitmaps:  bitmaps,
		ids:      ids,
		queue:    queue,
		capacity: defaultQueueCapacityPerTenant,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// usable reports whether a stored record may answer a query that needs
// minRevision.
func usable(rec storage.BitmapRecord, minRevision int64) bool {
	return !rec.Stale && rec.Revision >= minRevision
}

func decodeBitmap(data []byte) (*roaring64.Bitmap, error) {
	bm := roaring64.New()
	if len(data) == 0 {
		return bm, nil
	}
	if _, err := bm.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("bitmap: decoding: %w", err)
	}
	return bm, nil
}

func encodeBitmap(bm *roaring64.Bitmap) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := bm.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("bitmap: encoding: %w", err)
	}
	return buf.Bytes(), nil
}

// CheckAccess probes the bitmap for a single resource. For Present and
// Absent answers it also returns the revision the bitmap reflects.
func (ix *Index) CheckAccess(ctx context.Context, key storage.BitmapKey, resourceID string, minRevision int64) (Membership, int64, error) {
	rec, ok, err := ix.bitmaps.GetBitmap(ctx, key)
	if err != nil {
		return Unknown, 0, err
	}
	if !ok || !usable(rec, minRevision) {
		return Unknown, 0, nil
	}

	id, found, err := ix.ids.LookupResourceID(ctx, key.Tenant, key.ResourceType, resourceID)
	if err != nil {
		return Unknown, 0, err
	}
	if !found {
		// Never granted anything: a fresh bitmap cannot contain it.
		return Absent, rec.Revision, nil
	}
	bm, err := decodeBitmap(rec.Data)
	if err != nil {
		return Unknown, 0, err
	}
	if bm.Contains(uint64(id)) {
		return Present, rec.Revision, nil
	}
	return Absent, rec.Revision, nil
}

// AccessibleResources returns the resource names in a fresh bitmap. The
// boolean reports whether the index could answer at all.
func (ix *Index) AccessibleResources(ctx context.Context, key storage.BitmapKey, minRevision int64) ([]string, int64, bool, error) {
	rec, ok, err := ix.bitmaps.GetBitmap(ctx, key)
	if err != nil {
		return nil, 0, false, err
	}
	if !ok || !usable(rec, minRevision) {
		return nil, 0, false, nil
	}
	bm, err := decodeBitmap(rec.Data)
	if err != nil {
		return nil, 0, false, err
	}

	ids := bm.ToArray()
	signed := make([]int64, len(ids))
	for i, id := range ids {
		signed[i] = int64(id)
	}
	names, err := ix.ids.ResourceNames(ctx, key.Tenant, key.ResourceType, signed)
	if err != nil {
		return nil, 0, false, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range signed {
		if name, ok := names[id]; ok {
			out = append(out, name)
		}
	}
	return out, rec.Revision, true, nil
}

// GrantOne sets the resource's bit in an existing fresh bitmap, stamping
// the new revision. Missing or stale bitmaps are left for the recompute
// path.
func (ix *Index) GrantOne(ctx context.Context, key storage.BitmapKey, resourceID string, revision int64) error {
	return ix.patch(ctx, key, resourceID, revision, true)
}

// RevokeOne clears the resource's bit, stamping the new revision.
func (ix *Index) RevokeOne(ctx context.Context, key storage.BitmapKey, resourceID string, revision int64) error {
	return ix.patch(ctx, key, resourceID, revision, false)
}

func (ix *Index) patch(ctx context.Context, key storage.BitmapKey, resourceID string, revision int64, add bool) error {
	rec, ok, err := ix.bitmaps.GetBitmap(ctx, key)
	if err != nil {
		return err
	}
	if !ok || rec.Stale {
		return nil
	}
	bm, err := decodeBitmap(rec.Data)
	if err != nil {
		return err
	}
	var id int64
	if add {
		id, err = ix.ids.AssignResourceID(ctx, key.Tenant, key.ResourceType, resourceID)
		if err != nil {
			return err
		}
		bm.Add(uint64(id))
	} else {
		var found bool
		id, found, err = ix.ids.LookupResourceID(ctx, key.Tenant, key.ResourceType, resourceID)
		if err != nil || !found {
			return err
		}
		bm.Remove(uint64(id))
	}
	data, err := encodeBitmap(bm)
	if err != nil {
		return err
	}
	return ix.bitmaps.PutBitmap(ctx, key, storage.BitmapRecord{
		Data:      data,
		Revision:  revision,
		UpdatedAt: time.Now().UTC(),
	})
}

// Store replaces the bitmap wholesale with the given resource names at the
// given revision. Used by the recompute worker.
func (ix *Index) Store(ctx context.Context, key storage.BitmapKey, resourceIDs []string, revision int64) error {
	bm := roaring64.New()
	for _, name := range resourceIDs {
		id, err := ix.ids.AssignResourceID(ctx, key.Tenant, key.ResourceType, name)
		if err != nil {
			return err
		}
		bm.Add(uint64(id))
	}
	data, err := encodeBitmap(bm)
	if err != nil {
		return err
	}
	return ix.bitmaps.PutBitmap(ctx, key, storage.BitmapRecord{
		Data:      data,
		Revision:  revision,
		UpdatedAt: time.Now().UTC(),
	})
}

// EnqueueRecompute schedules a rebuild for the key. When the tenant's
// pending backlog exceeds the capacity bound, the bitmap is marked stale
// instead so readers stop trusting it; the rebuild happens lazily on the
// next lookup.
func (ix *Index) EnqueueRecompute(ctx context.Context, key storage.BitmapKey, priority int) error {
	pending, err := ix.queue.PendingCount(ctx, key.Tenant)
	if err != nil {
		return err
	}
	if pending >= ix.capacity {
		ix.logger.Warn("recompute queue saturated, marking bitmap stale",
			zap.String("tenant", key.Tenant),
			zap.Int("pending", pending))
		return ix.bitmaps.MarkBitmapStale(ctx, key)
	}
	coalesced, err := ix.queue.Enqueue(ctx, key, priority)
	if err != nil {
		return err
	}
	if coalesced {
		ix.logger.Debug("recompute coalesced with pending job",
			zap.String("key", key.String()))
	}
	return nil
}
