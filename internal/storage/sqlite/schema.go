package sqlite

const schema = `
-- Relation tuples: the authoritative authorization facts.
CREATE TABLE IF NOT EXISTS tuples (
    tenant TEXT NOT NULL,
    object_type TEXT NOT NULL,
    object_id TEXT NOT NULL,
    relation TEXT NOT NULL,
    subject_type TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    subject_relation TEXT NOT NULL DEFAULT '',
    caveat_name TEXT NOT NULL DEFAULT '',
    caveat_expr TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (tenant, object_type, object_id, relation, subject_type, subject_id, subject_relation)
);

-- Reverse index: everything a subject holds, per relation and object type.
CREATE INDEX IF NOT EXISTS idx_tuples_subject
    ON tuples (tenant, subject_type, subject_id, subject_relation, relation, object_type);

-- Per-tenant monotonic revision counters.
CREATE TABLE IF NOT EXISTS revisions (
    tenant TEXT PRIMARY KEY,
    revision INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Stable int64 ids for (tenant, resource_type, resource_id).
CREATE TABLE IF NOT EXISTS resource_ids (
    tenant TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    int_id INTEGER NOT NULL,
    PRIMARY KEY (tenant, resource_type, resource_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_resource_ids_reverse
    ON resource_ids (tenant, resource_type, int_id);

-- Per-tenant counter feeding resource_ids.int_id.
CREATE TABLE IF NOT EXISTS resource_id_counters (
    tenant TEXT PRIMARY KEY,
    next_id INTEGER NOT NULL DEFAULT 1
);

-- Materialized listing bitmaps, one row per natural key.
CREATE TABLE IF NOT EXISTS bitmaps (
    tenant TEXT NOT NULL,
    subject TEXT NOT NULL,
    permission TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    data BLOB NOT NULL,
    revision INTEGER NOT NULL,
    stale INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (tenant, subject, permission, resource_type)
);

-- Bitmap recompute queue. The partial unique index makes re-enqueueing an
-- identical pending job a coalesce rather than a duplicate row.
CREATE TABLE IF NOT EXISTS update_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant TEXT NOT NULL,
    subject TEXT NOT NULL,
    permission TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 100,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'processing', 'completed', 'failed', 'parked')),
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    not_before DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_update_queue_pending_key
    ON update_queue (tenant, subject, permission, resource_type)
    WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS idx_update_queue_dequeue
    ON update_queue (status, priority, created_at);
`
