package memory

import (
	"context"
	"sort"
	"time"

	"github.com/relgraph/relgraph/internal/storage"
)

// GetBitmap loads the record for key.
func (m *Store) GetBitmap(ctx context.Context, key storage.BitmapKey) (storage.BitmapRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return storage.BitmapRecord{}, false, err
	}
	rec, ok := m.bitmaps[key.String()]
	return rec, ok, nil
}

// PutBitmap overwrites the record for key.
func (m *Store) PutBitmap(ctx context.Context, key storage.BitmapKey, rec storage.BitmapRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	data := make([]byte, len(rec.Data))
	copy(data, rec.Data)
	rec.Data = data
	m.bitmaps[key.String()] = rec
	return nil
}

// MarkBitmapStale flags an existing record as stale.
func (m *Store) MarkBitmapStale(ctx context.Context, key storage.BitmapKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if rec, ok := m.bitmaps[key.String()]; ok {
		rec.Stale = true
		rec.UpdatedAt = time.Now().UTC()
		m.bitmaps[key.String()] = rec
	}
	return nil
}

// AssignResourceID returns the stable id, allocating on first use.
func (m *Store) AssignResourceID(ctx context.Context, tenant, resourceType, resourceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	key := resourceType + "|" + resourceID
	if ids, ok := m.ids[tenant]; ok {
		if id, ok := ids[key]; ok {
			return id, nil
		}
	} else {
		m.ids[tenant] = make(map[string]int64)
		m.idNames[tenant] = make(map[int64]string)
	}
	m.nextID[tenant]++
	id := m.nextID[tenant]
	m.ids[tenant][key] = id
	m.idNames[tenant][id] = key
	return id, nil
}

// LookupResourceID returns the id without allocating.
func (m *Store) LookupResourceID(ctx context.Context, tenant, resourceType, resourceID string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return 0, false, err
	}
	id, ok := m.ids[tenant][resourceType+"|"+resourceID]
	return id, ok, nil
}

// ResourceNames resolves ids back to resource-ID strings.
func (m *Store) ResourceNames(ctx context.Context, tenant, resourceType string, ids []int64) (map[int64]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	prefix := resourceType + "|"
	out := make(map[int64]string, len(ids))
	for _, id := range ids {
		if name, ok := m.idNames[tenant][id]; ok && len(name) > len(prefix) && name[:len(prefix)] == prefix {
			out[id] = name[len(prefix):]
		}
	}
	return out, nil
}

// sortJobs orders the queue by (priority, created_at, id) so Dequeue is
// deterministic.
func sortJobs(jobs []*storage.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority < jobs[j].Priority
		}
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
