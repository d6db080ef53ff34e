// Package relgraph provides a minimal public API for embedding the
// authorization engine in another Go process.
//
// Most deployments should run the rgd daemon and speak its HTTP API. This
// package exports only the essential types and constructors for programs
// that want in-process permission checks against the same store.
package relgraph

import (
	"context"

	"github.com/relgraph/relgraph/internal/consistency"
	"github.com/relgraph/relgraph/internal/engine"
	"github.com/relgraph/relgraph/internal/namespace"
	"github.com/relgraph/relgraph/internal/storage"
	"github.com/relgraph/relgraph/internal/storage/memory"
	"github.com/relgraph/relgraph/internal/storage/sqlite"
	"github.com/relgraph/relgraph/internal/types"
)

// Core request and data types.
type (
	Tuple       = types.Tuple
	TupleFilter = types.TupleFilter
	EntityRef   = types.EntityRef
	SubjectRef  = types.SubjectRef
	CaveatSpec  = types.CaveatSpec
	Decision    = types.Decision
	Consistency = types.Consistency

	ConsistencyMode = types.ConsistencyMode

	Engine         = engine.Engine
	Option         = engine.Option
	CheckRequest   = engine.CheckRequest
	CheckResponse  = engine.CheckResponse
	ExpandResponse = engine.ExpandResponse
	LookupResponse = engine.LookupResponse

	Registry = namespace.Registry
)

// Commonly used engine options, re-exported for embedders.
var (
	WithLogger             = engine.WithLogger
	WithDefaultConsistency = engine.WithDefaultConsistency
)

// Consistency modes.
const (
	MinimizeLatency = types.MinimizeLatency
	AtLeastAsFresh  = types.AtLeastAsFresh
	FullyConsistent = types.FullyConsistent
)

// Sentinel errors callers are expected to branch on.
var (
	ErrInvalidRequest   = types.ErrInvalidRequest
	ErrInvalidZookie    = types.ErrInvalidZookie
	ErrStoreUnavailable = types.ErrStoreUnavailable
	ErrCircuitOpen      = types.ErrCircuitOpen
)

// ParseEntityRef parses "type:id".
func ParseEntityRef(s string) (EntityRef, error) { return types.ParseEntityRef(s) }

// ParseSubjectRef parses "type:id" or "type:id#relation".
func ParseSubjectRef(s string) (SubjectRef, error) { return types.ParseSubjectRef(s) }

// TupleStore is the persistence interface an engine evaluates against.
type TupleStore = storage.TupleStore

// NewMemoryStore returns an ephemeral in-process store, useful for tests
// and single-process setups.
func NewMemoryStore() *memory.Store { return memory.New() }

// OpenSQLiteStore opens (creating if needed) a SQLite-backed store.
func OpenSQLiteStore(ctx context.Context, path string) (*sqlite.Store, error) {
	return sqlite.Open(ctx, path)
}

// LoadNamespaces parses a namespace schema file.
func LoadNamespaces(path string) (*Registry, error) { return namespace.Load(path) }

// ParseNamespaces parses namespace schema YAML.
func ParseNamespaces(data []byte) (*Registry, error) { return namespace.Parse(data) }

// New assembles an engine with default components: no shared cache, no
// bitmap index, default breaker and bounded-wait settings. macKey signs
// zookies and must be identical across processes sharing a store.
func New(store TupleStore, reg *Registry, macKey []byte, opts ...engine.Option) (*Engine, error) {
	codec, err := consistency.NewCodec(macKey)
	if err != nil {
		return nil, err
	}
	return engine.New(store, namespace.NewStore(reg), codec, opts...)
}
