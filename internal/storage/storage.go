// Package storage defines the persistence contracts for the relgraph
// engine: the authoritative tuple store with its per-tenant revision
// counter, plus the bitmap-index persistence (bitmap rows, resource-ID map,
// recompute queue).
//
// Concrete implementations live in the sqlite and memory sub-packages.
// Consumers depend on these interfaces so tests and embedders can swap
// backends without touching the evaluator or engine.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/relgraph/relgraph/internal/types"
)

// ErrClosed is returned by operations on a store after Close.
var ErrClosed = errors.New("storage: store closed")

// ErrQueueEmpty is returned by Dequeue when no job is runnable.
var ErrQueueEmpty = errors.New("storage: update queue empty")

// Grant is one direct grantee of a relation on an object: a concrete
// subject or a userset reference, with the tuple's caveat if any.
type Grant struct {
	Subject types.SubjectRef
	Caveat  *types.CaveatSpec
}

// TupleStore is the authoritative tuple persistence. Implementations must
// serialize writes per tenant so revisions form a total order, roll back
// partial writes, and wrap backend failures so they match
// types.ErrStoreUnavailable.
type TupleStore interface {
	// WriteTuples atomically applies adds then removes for one tenant. A
	// new revision is allocated iff the effective tuple set changed;
	// otherwise the current revision is returned with changed=false.
	WriteTuples(ctx context.Context, tenant string, adds, removes []types.Tuple) (revision int64, changed bool, err error)

	// DeleteTuples removes every tuple matching the filter. Empty filters
	// are rejected. Returns the (possibly unchanged) revision and the
	// number of tuples removed.
	DeleteTuples(ctx context.Context, tenant string, filter types.TupleFilter) (revision int64, removed int, err error)

	// GetDirectSubjects returns the direct grantees of relation on object.
	GetDirectSubjects(ctx context.Context, tenant string, object types.EntityRef, relation string) ([]Grant, error)

	// FindRelatedObjects returns the objects O' such that a tuple
	// (from, relation, O') exists. Used by tuple-to-userset walks, where
	// the related object is stored as the tuple's subject.
	FindRelatedObjects(ctx context.Context, tenant string, from types.EntityRef, relation string) ([]types.EntityRef, error)

	// FindObjectsForSubject is the reverse index: objects of objectType on
	// which subject holds relation directly.
	FindObjectsForSubject(ctx context.Context, tenant string, subject types.SubjectRef, relation, objectType string) ([]types.EntityRef, error)

	// ReadTuples returns every tuple of the tenant matching the filter.
	ReadTuples(ctx context.Context, tenant string, filter types.TupleFilter) ([]types.Tuple, error)

	// CurrentRevision returns the tenant's last committed revision, zero
	// for a tenant that has never been written.
	CurrentRevision(ctx context.Context, tenant string) (int64, error)

	Close() error
}

// BitmapKey is the natural key of a materialized listing: one subject's
// answer for one permission over one resource type within a tenant.
type BitmapKey struct {
	Tenant       string
	Subject      types.SubjectRef
	Permission   string
	ResourceType string
}

// String renders the key for logs and queue dedup.
func (k BitmapKey) String() string {
	return k.Tenant + "|" + k.Subject.String() + "|" + k.Permission + "|" + k.ResourceType
}

// BitmapRecord is a serialized bitmap with the revision it was computed at.
// Stale marks entries that backpressure forced out of date; readers treat
// stale records as absent.
type BitmapRecord struct {
	Data      []byte
	Revision  int64
	Stale     bool
	UpdatedAt time.Time
}

// BitmapStore persists materialized bitmaps.
type BitmapStore interface {
	GetBitmap(ctx context.Context, key BitmapKey) (BitmapRecord, bool, error)
	PutBitmap(ctx context.Context, key BitmapKey, rec BitmapRecord) error
	MarkBitmapStale(ctx context.Context, key BitmapKey) error
}

// ResourceIDMap assigns a stable int64 to each (tenant, resourceType,
// resourceID) on first use, monotonically per tenant, and keeps the reverse
// mapping for result materialization.
type ResourceIDMap interface {
	// AssignResourceID returns the id for the resource, allocating one if
	// it has never been seen.
	AssignResourceID(ctx context.Context, tenant, resourceType, resourceID string) (int64, error)

	// LookupResourceID returns the id without allocating.
	LookupResourceID(ctx context.Context, tenant, resourceType, resourceID string) (int64, bool, error)

	// ResourceNames resolves ids back to resource-ID strings. Unknown ids
	// are omitted from the result.
	ResourceNames(ctx context.Context, tenant, resourceType string, ids []int64) (map[int64]string, error)
}

// JobStatus is the lifecycle state of a queue entry.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"

	// JobParked marks entries that exhausted their retries and wait for
	// manual inspection.
	JobParked JobStatus = "parked"
)

// Job is one bitmap-recompute task. Lower Priority runs first.
type Job struct {
	ID        int64
	Key       BitmapKey
	Priority  int
	Status    JobStatus
	Attempts  int
	LastError string
	NotBefore time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpdateQueue is the durable recompute queue. Enqueueing a key that is
// already pending coalesces instead of duplicating: the pending row keeps
// the higher (numerically lower) priority.
type UpdateQueue interface {
	// Enqueue inserts or coalesces. Returns true when an existing pending
	// job absorbed the request.
	Enqueue(ctx context.Context, key BitmapKey, priority int) (coalesced bool, err error)

	// Dequeue claims the runnable pending job with the lowest
	// (priority, created_at) and flips it to processing. Returns
	// ErrQueueEmpty when nothing is runnable.
	Dequeue(ctx context.Context) (*Job, error)

	// Complete marks a processing job done.
	Complete(ctx context.Context, id int64) error

	// Fail records an attempt failure. Below retryCap the job returns to
	// pending with NotBefore pushed out by delay; at the cap it is parked
	// and parked=true is returned.
	Fail(ctx context.Context, id int64, cause string, retryCap int, delay time.Duration) (parked bool, err error)

	// PendingCount reports pending+processing jobs for a tenant, the
	// backpressure signal.
	PendingCount(ctx context.Context, tenant string) (int, error)

	// RequeueAbandoned returns processing jobs older than olderThan to
	// pending. Covers workers that died mid-job.
	RequeueAbandoned(ctx context.Context, olderThan time.Duration) (int, error)
}
