package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/relgraph/relgraph/internal/storage"
	"github.com/relgraph/relgraph/internal/types"
)

// Enqueue inserts a pending recompute job, coalescing with an existing
// pending job for the same natural key. Coalescing keeps the numerically
// lower (more urgent) priority, clears any retry delay so the fresh
// request runs immediately, and refreshes updated_at.
func (s *Store) Enqueue(ctx context.Context, key storage.BitmapKey, priority int) (bool, error) {
	var coalesced bool
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE update_queue
			SET priority = MIN(priority, ?), not_before = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE tenant = ? AND subject = ? AND permission = ? AND resource_type = ?
			  AND status = 'pending'`,
			priority, key.Tenant, key.Subject.String(), key.Permission, key.ResourceType)
		if err != nil {
			return types.NewStoreError("coalesce queue job", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			coalesced = true
			return nil
		}
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO update_queue (tenant, subject, permission, resource_type, priority, status)
			VALUES (?, ?, ?, ?, ?, 'pending')`,
			key.Tenant, key.Subject.String(), key.Permission, key.ResourceType, priority); err != nil {
			return types.NewStoreError("enqueue job", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return coalesced, nil
}

// Dequeue claims the runnable pending job with the lowest
// (priority, created_at) and flips it to processing.
func (s *Store) Dequeue(ctx context.Context) (*storage.Job, error) {
	var job *storage.Job
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `
			SELECT id, tenant, subject, permission, resource_type, priority, attempts, last_error, created_at, updated_at
			FROM update_queue
			WHERE status = 'pending' AND (not_before IS NULL OR not_before <= CURRENT_TIMESTAMP)
			ORDER BY priority, created_at
			LIMIT 1`)

		var j storage.Job
		var subject string
		err := row.Scan(&j.ID, &j.Key.Tenant, &subject, &j.Key.Permission, &j.Key.ResourceType,
			&j.Priority, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
		if err == sql.ErrNoRows {
			return storage.ErrQueueEmpty
		}
		if err != nil {
			return types.NewStoreError("dequeue job", err)
		}
		j.Key.Subject, err = types.ParseSubjectRef(subject)
		if err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, `
			UPDATE update_queue SET status = 'processing', updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			j.ID); err != nil {
			return types.NewStoreError("claim job", err)
		}
		j.Status = storage.JobProcessing
		job = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Complete removes a finished job. Completed rows are deleted rather than
// kept; the queue is operational state, not an audit log.
func (s *Store) Complete(ctx context.Context, id int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM update_queue WHERE id = ?`, id); err != nil {
		return types.NewStoreError("complete job", err)
	}
	return nil
}

// Fail records a failed attempt. Below retryCap the job returns to pending
// with not_before pushed out by delay; at the cap it is parked for manual
// inspection.
func (s *Store) Fail(ctx context.Context, id int64, cause string, retryCap int, delay time.Duration) (bool, error) {
	var parked bool
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		var attempts int
		err := conn.QueryRowContext(ctx, `SELECT attempts FROM update_queue WHERE id = ?`, id).Scan(&attempts)
		if err == sql.ErrNoRows {
			return nil // reaper or Complete got here first
		}
		if err != nil {
			return types.NewStoreError("read job attempts", err)
		}

		attempts++
		if attempts >= retryCap {
			parked = true
			_, err = conn.ExecContext(ctx, `
				UPDATE update_queue
				SET status = 'parked', attempts = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?`, attempts, cause, id)
		} else {
			_, err = conn.ExecContext(ctx, `
				UPDATE update_queue
				SET status = 'pending', attempts = ?, last_error = ?,
					not_before = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?`, attempts, cause, time.Now().UTC().Add(delay), id)
		}
		if err != nil {
			return types.NewStoreError("fail job", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return parked, nil
}

// PendingCount reports in-flight (pending or processing) jobs for a tenant.
func (s *Store) PendingCount(ctx context.Context, tenant string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM update_queue
		WHERE tenant = ? AND status IN ('pending', 'processing')`, tenant).Scan(&n)
	if err != nil {
		return 0, types.NewStoreError("pending count", err)
	}
	return n, nil
}

// RequeueAbandoned returns processing jobs older than olderThan to pending.
// Covers workers that died mid-job.
func (s *Store) RequeueAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		UPDATE update_queue SET status = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE status = 'processing' AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, types.NewStoreError("requeue abandoned", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, types.NewStoreError("requeue abandoned", err)
	}
	return int(n), nil
}
