package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/relgraph/relgraph/internal/storage"
	"github.com/relgraph/relgraph/internal/types"
)

// GetBitmap loads the bitmap row for key.
func (s *Store) GetBitmap(ctx context.Context, key storage.BitmapKey) (storage.BitmapRecord, bool, error) {
	if err := s.checkOpen(); err != nil {
		return storage.BitmapRecord{}, false, err
	}
	var rec storage.BitmapRecord
	var stale int
	err := s.db.QueryRowContext(ctx, `
		SELECT data, revision, stale, updated_at FROM bitmaps
		WHERE tenant = ? AND subject = ? AND permission = ? AND resource_type = ?`,
		key.Tenant, key.Subject.String(), key.Permission, key.ResourceType).
		Scan(&rec.Data, &rec.Revision, &stale, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return storage.BitmapRecord{}, false, nil
	}
	if err != nil {
		return storage.BitmapRecord{}, false, types.NewStoreError("get bitmap", err)
	}
	rec.Stale = stale != 0
	return rec, true, nil
}

// PutBitmap overwrites the bitmap row for key.
func (s *Store) PutBitmap(ctx context.Context, key storage.BitmapKey, rec storage.BitmapRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	stale := 0
	if rec.Stale {
		stale = 1
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bitmaps (tenant, subject, permission, resource_type, data, revision, stale, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant, subject, permission, resource_type)
		DO UPDATE SET data = excluded.data, revision = excluded.revision,
			stale = excluded.stale, updated_at = excluded.updated_at`,
		key.Tenant, key.Subject.String(), key.Permission, key.ResourceType,
		rec.Data, rec.Revision, stale, updatedAt)
	if err != nil {
		return types.NewStoreError("put bitmap", err)
	}
	return nil
}

// MarkBitmapStale flags the row so readers fall back to the evaluator until
// the next successful recompute. Missing rows are left missing.
func (s *Store) MarkBitmapStale(ctx context.Context, key storage.BitmapKey) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE bitmaps SET stale = 1, updated_at = CURRENT_TIMESTAMP
		WHERE tenant = ? AND subject = ? AND permission = ? AND resource_type = ?`,
		key.Tenant, key.Subject.String(), key.Permission, key.ResourceType)
	if err != nil {
		return types.NewStoreError("mark bitmap stale", err)
	}
	return nil
}
