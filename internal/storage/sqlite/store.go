// Package sqlite implements the storage contracts on SQLite: the tuple
// store with its per-tenant revision counters, the bitmap rows, the
// resource-ID map, and the recompute queue all live in one database file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	// Import SQLite driver
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/relgraph/relgraph/internal/types"
)

// Store implements storage.TupleStore, storage.BitmapStore,
// storage.ResourceIDMap and storage.UpdateQueue over a single SQLite
// database. Writers take BEGIN IMMEDIATE transactions so per-tenant
// revision allocation is serialized by SQLite's write lock.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool
}

// setupWASMCache configures WASM compilation caching so the embedded SQLite
// engine is not re-JITed on every process start. Falls back to an in-memory
// cache if the filesystem cache cannot be created.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "relgraph", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Open creates or opens the database at path. ":memory:" opens a shared
// in-memory database usable across the connection pool.
func Open(ctx context.Context, path string) (*Store, error) {
	var connStr string
	isInMemory := path == ":memory:" || (strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	switch {
	case path == ":memory:":
		// WAL does not work for shared in-memory databases; the named
		// identifier is required for cache=shared to span connections.
		connStr = "file:relgraphmem?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_timefmt=sqlite"
	case strings.HasPrefix(path, "file:"):
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_timefmt=sqlite"
		}
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("sqlite: creating directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_timefmt=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	if isInMemory {
		// In-memory databases are isolated per connection unless the pool
		// is pinned to one connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports 1 writer + N readers; bound the pool so write-lock
		// contention does not pile up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: enabling WAL: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: initializing schema: %w", err)
	}

	return &Store{db: db, dbPath: path}, nil
}

// Close closes the underlying pool. Safe to call twice.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return types.NewStoreError("open", fmt.Errorf("database closed"))
	}
	return nil
}

// withImmediateTx runs fn inside a BEGIN IMMEDIATE transaction on a
// dedicated connection, retrying the BEGIN with exponential backoff while
// the database is busy. IMMEDIATE takes the write lock up front, which
// serializes revision allocation across concurrent writers.
func (s *Store) withImmediateTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return types.NewStoreError("acquire connection", err)
	}
	defer func() { _ = conn.Close() }()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	err = backoff.Retry(func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err != nil && isBusy(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return types.NewStoreError("begin immediate", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback still runs when ctx is done.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return types.NewStoreError("commit", err)
	}
	committed = true
	return nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
