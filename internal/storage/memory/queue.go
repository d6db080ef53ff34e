package memory

import (
	"context"
	"time"

	"github.com/relgraph/relgraph/internal/storage"
)

// Enqueue inserts or coalesces a pending job for key. Coalescing keeps the
// lower priority and clears any retry delay so the fresh request runs
// immediately.
func (m *Store) Enqueue(ctx context.Context, key storage.BitmapKey, priority int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return false, err
	}

	for _, j := range m.queue {
		if j.Status == storage.JobPending && j.Key == key {
			if priority < j.Priority {
				j.Priority = priority
			}
			j.NotBefore = time.Time{}
			j.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	m.nextJob++
	now := time.Now().UTC()
	m.queue = append(m.queue, &storage.Job{
		ID:        m.nextJob,
		Key:       key,
		Priority:  priority,
		Status:    storage.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return false, nil
}

// Dequeue claims the most urgent runnable pending job.
func (m *Store) Dequeue(ctx context.Context) (*storage.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	sortJobs(m.queue)
	now := time.Now().UTC()
	for _, j := range m.queue {
		if j.Status != storage.JobPending || j.NotBefore.After(now) {
			continue
		}
		j.Status = storage.JobProcessing
		j.UpdatedAt = now
		copied := *j
		return &copied, nil
	}
	return nil, storage.ErrQueueEmpty
}

// Complete removes the job.
func (m *Store) Complete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	for i, j := range m.queue {
		if j.ID == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

// Fail records an attempt failure, re-pending with delay or parking at the
// retry cap.
func (m *Store) Fail(ctx context.Context, id int64, cause string, retryCap int, delay time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	for _, j := range m.queue {
		if j.ID != id {
			continue
		}
		j.Attempts++
		j.LastError = cause
		j.UpdatedAt = time.Now().UTC()
		if j.Attempts >= retryCap {
			j.Status = storage.JobParked
			return true, nil
		}
		j.Status = storage.JobPending
		j.NotBefore = time.Now().UTC().Add(delay)
		return false, nil
	}
	return false, nil
}

// PendingCount reports in-flight jobs for a tenant.
func (m *Store) PendingCount(ctx context.Context, tenant string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	n := 0
	for _, j := range m.queue {
		if j.Key.Tenant == tenant && (j.Status == storage.JobPending || j.Status == storage.JobProcessing) {
			n++
		}
	}
	return n, nil
}

// RequeueAbandoned returns stuck processing jobs to pending.
func (m *Store) RequeueAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	n := 0
	for _, j := range m.queue {
		if j.Status == storage.JobProcessing && j.UpdatedAt.Before(cutoff) {
			j.Status = storage.JobPending
			j.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}
