package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/relgraph/relgraph/internal/types"
)

// AssignResourceID returns the stable int64 for the resource, allocating
// the next counter value on first sight. Allocation takes the write lock;
// the common repeat-read path is a single indexed lookup.
func (s *Store) AssignResourceID(ctx context.Context, tenant, resourceType, resourceID string) (int64, error) {
	id, ok, err := s.LookupResourceID(ctx, tenant, resourceType, resourceID)
	if err != nil {
		return 0, err
	}
	if ok {
		return id, nil
	}

	err = s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		// Re-check under the lock; another writer may have assigned it.
		err := conn.QueryRowContext(ctx, `
			SELECT int_id FROM resource_ids
			WHERE tenant = ? AND resource_type = ? AND resource_id = ?`,
			tenant, resourceType, resourceID).Scan(&id)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return types.NewStoreError("lookup resource id", err)
		}

		if _, err := conn.ExecContext(ctx, `
			INSERT INTO resource_id_counters (tenant, next_id) VALUES (?, 2)
			ON CONFLICT (tenant) DO UPDATE SET next_id = next_id + 1`,
			tenant); err != nil {
			return types.NewStoreError("bump resource counter", err)
		}
		if err := conn.QueryRowContext(ctx,
			`SELECT next_id - 1 FROM resource_id_counters WHERE tenant = ?`,
			tenant).Scan(&id); err != nil {
			return types.NewStoreError("read resource counter", err)
		}
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO resource_ids (tenant, resource_type, resource_id, int_id)
			VALUES (?, ?, ?, ?)`,
			tenant, resourceType, resourceID, id); err != nil {
			return types.NewStoreError("insert resource id", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// LookupResourceID returns the id without allocating.
func (s *Store) LookupResourceID(ctx context.Context, tenant, resourceType, resourceID string) (int64, bool, error) {
	if err := s.checkOpen(); err != nil {
		return 0, false, err
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT int_id FROM resource_ids
		WHERE tenant = ? AND resource_type = ? AND resource_id = ?`,
		tenant, resourceType, resourceID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, types.NewStoreError("lookup resource id", err)
	}
	return id, true, nil
}

// ResourceNames resolves ids back to resource-ID strings; unknown ids are
// omitted.
func (s *Store) ResourceNames(ctx context.Context, tenant, resourceType string, ids []int64) (map[int64]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	// Chunk the IN list to stay well under SQLite's parameter limit.
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		batch := ids[start:end]

		placeholders := strings.Repeat("?,", len(batch))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, 0, len(batch)+2)
		args = append(args, tenant, resourceType)
		for _, id := range batch {
			args = append(args, id)
		}

		rows, err := s.db.QueryContext(ctx, `
			SELECT int_id, resource_id FROM resource_ids
			WHERE tenant = ? AND resource_type = ? AND int_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, types.NewStoreError("resource names", err)
		}
		for rows.Next() {
			var id int64
			var name string
			if err := rows.Scan(&id, &name); err != nil {
				rows.Close()
				return nil, types.NewStoreError("resource names", err)
			}
			out[id] = name
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, types.NewStoreError("resource names", err)
		}
		rows.Close()
	}
	return out, nil
}
