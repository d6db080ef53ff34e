package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/relgraph/relgraph/internal/storage"
	"github.com/relgraph/relgraph/internal/types"
)

const tupleColumns = "tenant, object_type, object_id, relation, subject_type, subject_id, subject_relation, caveat_name, caveat_expr, created_at"

// WriteTuples applies adds then removes atomically and allocates a new
// revision iff the effective tuple set changed. Re-adding an identical
// tuple is a no-op; re-adding with a different caveat counts as a change.
func (s *Store) WriteTuples(ctx context.Context, tenant string, adds, removes []types.Tuple) (int64, bool, error) {
	var revision int64
	var changed bool

	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		for _, t := range adds {
			if t.Tenant != tenant {
				return fmt.Errorf("%w: tuple tenant %q does not match write tenant %q", types.ErrInvalidRequest, t.Tenant, tenant)
			}
			delta, err := upsertTuple(ctx, conn, t)
			if err != nil {
				return err
			}
			changed = changed || delta
		}
		for _, t := range removes {
			if t.Tenant != tenant {
				return fmt.Errorf("%w: tuple tenant %q does not match write tenant %q", types.ErrInvalidRequest, t.Tenant, tenant)
			}
			res, err := conn.ExecContext(ctx, `
				DELETE FROM tuples
				WHERE tenant = ? AND object_type = ? AND object_id = ? AND relation = ?
				  AND subject_type = ? AND subject_id = ? AND subject_relation = ?`,
				tenant, t.Object.Type, t.Object.ID, t.Relation,
				t.Subject.Type, t.Subject.ID, t.Subject.Relation)
			if err != nil {
				return types.NewStoreError("delete tuple", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				changed = true
			}
		}

		var err error
		revision, err = settleRevision(ctx, conn, tenant, changed)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	return revision, changed, nil
}

// upsertTuple inserts or updates one tuple, reporting whether anything
// effectively changed.
func upsertTuple(ctx context.Context, conn *sql.Conn, t types.Tuple) (bool, error) {
	caveatName, caveatExpr := "", ""
	if t.Caveat != nil {
		caveatName, caveatExpr = t.Caveat.Name, t.Caveat.Expression
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := conn.ExecContext(ctx, `
		INSERT INTO tuples (tenant, object_type, object_id, relation,
			subject_type, subject_id, subject_relation, caveat_name, caveat_expr, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant, object_type, object_id, relation, subject_type, subject_id, subject_relation)
		DO UPDATE SET caveat_name = excluded.caveat_name, caveat_expr = excluded.caveat_expr
		WHERE tuples.caveat_name != excluded.caveat_name OR tuples.caveat_expr != excluded.caveat_expr`,
		t.Tenant, t.Object.Type, t.Object.ID, t.Relation,
		t.Subject.Type, t.Subject.ID, t.Subject.Relation,
		caveatName, caveatExpr, createdAt)
	if err != nil {
		return false, types.NewStoreError("insert tuple", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, types.NewStoreError("insert tuple", err)
	}
	return n > 0, nil
}

// settleRevision bumps and returns the tenant revision when changed,
// otherwise returns the current one.
func settleRevision(ctx context.Context, conn *sql.Conn, tenant string, changed bool) (int64, error) {
	if changed {
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO revisions (tenant, revision) VALUES (?, 1)
			ON CONFLICT (tenant) DO UPDATE SET revision = revision + 1, updated_at = CURRENT_TIMESTAMP`,
			tenant); err != nil {
			return 0, types.NewStoreError("bump revision", err)
		}
	}
	var revision int64
	err := conn.QueryRowContext(ctx, `SELECT revision FROM revisions WHERE tenant = ?`, tenant).Scan(&revision)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, types.NewStoreError("read revision", err)
	}
	return revision, nil
}

// DeleteTuples removes every tuple matching the filter. The filter must
// constrain at least one field.
func (s *Store) DeleteTuples(ctx context.Context, tenant string, filter types.TupleFilter) (int64, int, error) {
	if filter.IsEmpty() {
		return 0, 0, fmt.Errorf("%w: delete filter must constrain at least one field", types.ErrInvalidRequest)
	}
	where, args := filterClause(tenant, filter)

	var revision int64
	var removed int
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, "DELETE FROM tuples WHERE "+where, args...)
		if err != nil {
			return types.NewStoreError("delete tuples", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return types.NewStoreError("delete tuples", err)
		}
		removed = int(n)
		revision, err = settleRevision(ctx, conn, tenant, removed > 0)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return revision, removed, nil
}

// GetDirectSubjects returns the direct grantees of relation on object,
// concrete subjects and userset references alike.
func (s *Store) GetDirectSubjects(ctx context.Context, tenant string, object types.EntityRef, relation string) ([]storage.Grant, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_type, subject_id, subject_relation, caveat_name, caveat_expr
		FROM tuples
		WHERE tenant = ? AND object_type = ? AND object_id = ? AND relation = ?`,
		tenant, object.Type, object.ID, relation)
	if err != nil {
		return nil, types.NewStoreError("get direct subjects", err)
	}
	defer rows.Close()

	var grants []storage.Grant
	for rows.Next() {
		var g storage.Grant
		var caveatName, caveatExpr string
		if err := rows.Scan(&g.Subject.Type, &g.Subject.ID, &g.Subject.Relation, &caveatName, &caveatExpr); err != nil {
			return nil, types.NewStoreError("get direct subjects", err)
		}
		if caveatName != "" {
			g.Caveat = &types.CaveatSpec{Name: caveatName, Expression: caveatExpr}
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewStoreError("get direct subjects", err)
	}
	return grants, nil
}

// FindRelatedObjects returns the objects that from points at through
// relation, i.e. the subjects of (from, relation, *) tuples. Userset
// subjects are excluded; a tupleset edge targets concrete entities.
func (s *Store) FindRelatedObjects(ctx context.Context, tenant string, from types.EntityRef, relation string) ([]types.EntityRef, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_type, subject_id
		FROM tuples
		WHERE tenant = ? AND object_type = ? AND object_id = ? AND relation = ? AND subject_relation = ''`,
		tenant, from.Type, from.ID, relation)
	if err != nil {
		return nil, types.NewStoreError("find related objects", err)
	}
	defer rows.Close()
	return scanEntityRefs(rows, "find related objects")
}

// FindObjectsForSubject is the reverse index: objects of objectType on
// which subject directly holds relation.
func (s *Store) FindObjectsForSubject(ctx context.Context, tenant string, subject types.SubjectRef, relation, objectType string) ([]types.EntityRef, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT object_type, object_id
		FROM tuples
		WHERE tenant = ? AND subject_type = ? AND subject_id = ? AND subject_relation = ?
		  AND relation = ? AND object_type = ?`,
		tenant, subject.Type, subject.ID, subject.Relation, relation, objectType)
	if err != nil {
		return nil, types.NewStoreError("find objects for subject", err)
	}
	defer rows.Close()
	return scanEntityRefs(rows, "find objects for subject")
}

// ReadTuples returns every tuple of the tenant matching the filter, ordered
// by object then relation then subject for stable streaming.
func (s *Store) ReadTuples(ctx context.Context, tenant string, filter types.TupleFilter) ([]types.Tuple, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	where, args := filterClause(tenant, filter)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+tupleColumns+" FROM tuples WHERE "+where+
			" ORDER BY object_type, object_id, relation, subject_type, subject_id, subject_relation",
		args...)
	if err != nil {
		return nil, types.NewStoreError("read tuples", err)
	}
	defer rows.Close()

	var tuples []types.Tuple
	for rows.Next() {
		var t types.Tuple
		var caveatName, caveatExpr string
		if err := rows.Scan(&t.Tenant, &t.Object.Type, &t.Object.ID, &t.Relation,
			&t.Subject.Type, &t.Subject.ID, &t.Subject.Relation,
			&caveatName, &caveatExpr, &t.CreatedAt); err != nil {
			return nil, types.NewStoreError("read tuples", err)
		}
		if caveatName != "" {
			t.Caveat = &types.CaveatSpec{Name: caveatName, Expression: caveatExpr}
		}
		tuples = append(tuples, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewStoreError("read tuples", err)
	}
	return tuples, nil
}

// CurrentRevision returns the tenant's last committed revision, zero when
// the tenant has never been written.
func (s *Store) CurrentRevision(ctx context.Context, tenant string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var revision int64
	err := s.db.QueryRowContext(ctx, `SELECT revision FROM revisions WHERE tenant = ?`, tenant).Scan(&revision)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, types.NewStoreError("current revision", err)
	}
	return revision, nil
}

func scanEntityRefs(rows *sql.Rows, op string) ([]types.EntityRef, error) {
	var refs []types.EntityRef
	for rows.Next() {
		var ref types.EntityRef
		if err := rows.Scan(&ref.Type, &ref.ID); err != nil {
			return nil, types.NewStoreError(op, err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewStoreError(op, err)
	}
	return refs, nil
}

// filterClause renders a TupleFilter as a WHERE clause for the tenant.
func filterClause(tenant string, filter types.TupleFilter) (string, []any) {
	clauses := []string{"tenant = ?"}
	args := []any{tenant}
	add := func(column, value string) {
		if value != "" {
			clauses = append(clauses, column+" = ?")
			args = append(args, value)
		}
	}
	add("object_type", filter.ObjectType)
	add("object_id", filter.ObjectID)
	add("relation", filter.Relation)
	add("subject_type", filter.SubjectType)
	add("subject_id", filter.SubjectID)
	add("subject_relation", filter.SubjectRelation)
	return strings.Join(clauses, " AND "), args
}
