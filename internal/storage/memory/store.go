// Package memory implements the storage contracts with mutex-guarded maps.
// It mirrors the sqlite backend's semantics and backs evaluator and engine
// tests; it is also usable for fully in-process embedding where durability
// is not needed.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relgraph/relgraph/internal/storage"
	"github.com/relgraph/relgraph/internal/types"
)

// Store holds everything in process memory. The zero value is not usable;
// call New.
type Store struct {
	mu        sync.RWMutex
	tuples    map[string]types.Tuple // keyed by Tuple.Key()
	revisions map[string]int64

	ids      map[string]map[string]int64 // tenant -> "type|id" -> int
	idNames  map[string]map[int64]string // tenant -> int -> "type|id"
	nextID   map[string]int64
	bitmaps  map[string]storage.BitmapRecord // keyed by BitmapKey.String()
	queue    []*storage.Job
	nextJob  int64
	closed   bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tuples:    make(map[string]types.Tuple),
		revisions: make(map[string]int64),
		ids:       make(map[string]map[string]int64),
		idNames:   make(map[string]map[int64]string),
		nextID:    make(map[string]int64),
		bitmaps:   make(map[string]storage.BitmapRecord),
	}
}

// Close marks the store closed.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Store) checkOpen() error {
	if m.closed {
		return types.NewStoreError("open", storage.ErrClosed)
	}
	return nil
}

// WriteTuples applies adds then removes atomically under one lock and
// allocates a new revision iff the effective set changed.
func (m *Store) WriteTuples(ctx context.Context, tenant string, adds, removes []types.Tuple) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, false, err
	}

	changed := false
	for _, t := range adds {
		key := t.Key()
		prev, exists := m.tuples[key]
		if exists && caveatEqual(prev.Caveat, t.Caveat) {
			continue
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}
		if exists {
			t.CreatedAt = prev.CreatedAt
		}
		m.tuples[key] = t
		changed = true
	}
	for _, t := range removes {
		if _, exists := m.tuples[t.Key()]; exists {
			delete(m.tuples, t.Key())
			changed = true
		}
	}
	if changed {
		m.revisions[tenant]++
	}
	return m.revisions[tenant], changed, nil
}

func caveatEqual(a, b *types.CaveatSpec) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// DeleteTuples removes every tuple matching the filter.
func (m *Store) DeleteTuples(ctx context.Context, tenant string, filter types.TupleFilter) (int64, int, error) {
	if filter.IsEmpty() {
		return 0, 0, types.ErrInvalidRequest
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, 0, err
	}

	removed := 0
	for key, t := range m.tuples {
		if t.Tenant == tenant && filter.Matches(t) {
			delete(m.tuples, key)
			removed++
		}
	}
	if removed > 0 {
		m.revisions[tenant]++
	}
	return m.revisions[tenant], removed, nil
}

// GetDirectSubjects returns the direct grantees of relation on object.
func (m *Store) GetDirectSubjects(ctx context.Context, tenant string, object types.EntityRef, relation string) ([]storage.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var grants []storage.Grant
	for _, t := range m.tuples {
		if t.Tenant == tenant && t.Object == object && t.Relation == relation {
			grants = append(grants, storage.Grant{Subject: t.Subject, Caveat: t.Caveat})
		}
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].Subject.String() < grants[j].Subject.String() })
	return grants, nil
}

// FindRelatedObjects returns the concrete subjects of (from, relation, *).
func (m *Store) FindRelatedObjects(ctx context.Context, tenant string, from types.EntityRef, relation string) ([]types.EntityRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var refs []types.EntityRef
	for _, t := range m.tuples {
		if t.Tenant == tenant && t.Object == from && t.Relation == relation && !t.Subject.IsUserset() {
			refs = append(refs, t.Subject.Entity())
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs, nil
}

// FindObjectsForSubject is the reverse index.
func (m *Store) FindObjectsForSubject(ctx context.Context, tenant string, subject types.SubjectRef, relation, objectType string) ([]types.EntityRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var refs []types.EntityRef
	for _, t := range m.tuples {
		if t.Tenant == tenant && t.Subject == subject && t.Relation == relation && t.Object.Type == objectType {
			refs = append(refs, t.Object)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs, nil
}

// ReadTuples returns every tuple matching the filter in stable order.
func (m *Store) ReadTuples(ctx context.Context, tenant string, filter types.TupleFilter) ([]types.Tuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var tuples []types.Tuple
	for _, t := range m.tuples {
		if t.Tenant == tenant && filter.Matches(t) {
			tuples = append(tuples, t)
		}
	}
	sort.Slice(tuples, func(i, j int) bool { return tuples[i].Key() < tuples[j].Key() })
	return tuples, nil
}

// CurrentRevision returns the tenant's revision, zero if never written.
func (m *Store) CurrentRevision(ctx context.Context, tenant string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	return m.revisions[tenant], nil
}
