// Package cache provides the revision-stamped decision cache sitting in
// front of the graph evaluator.
//
// Entries record the tenant revision observed when the decision was
// computed. A lookup passes the minimum revision its consistency mode
// requires; entries stamped older than that are treated as misses, so a
// stale hit can never violate a freshness guarantee. Invalidation is per
// tenant and advisory: revision stamps are the correctness mechanism,
// invalidation just sheds garbage early.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/relgraph/relgraph/internal/types"
)

// AnyRevision as a minimum revision accepts any cached entry regardless of
// its stamp. Used by the minimize-latency mode.
const AnyRevision int64 = 0

// Key identifies one cached decision. ContextHash folds the caveat context
// into the key so decisions under different contexts never collide.
type Key struct {
	Tenant      string
	Object      types.EntityRef
	Permission  string
	Subject     types.SubjectRef
	ContextHash string
}

// String returns the canonical cache key text.
func (k Key) String() string {
	s := k.Tenant + "|" + k.Object.String() + "#" + k.Permission + "@" + k.Subject.String()
	if k.ContextHash != "" {
		s += "|" + k.ContextHash
	}
	return s
}

// HashContext produces a stable digest of a caveat context for use as
// Key.ContextHash. Nil and empty contexts hash to the empty string.
func HashContext(caveatContext map[string]any) string {
	if len(caveatContext) == 0 {
		return ""
	}
	keys := make([]string, 0, len(caveatContext))
	for k := range caveatContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, caveatContext[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Entry is one cached decision with its revision stamp.
type Entry struct {
	Verdict  types.Verdict `json:"v"`
	Revision int64         `json:"rev"`
	StoredAt time.Time     `json:"at"`
}

func (e Entry) satisfies(minRevision int64) bool {
	return minRevision <= AnyRevision || e.Revision >= minRevision
}

func encodeEntry(e Entry) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("cache: decoding entry: %w", err)
	}
	return e, nil
}

// DecisionCache is the contract shared by the local, remote, and tiered
// caches. Implementations are safe for concurrent use. Cache failures are
// reported but never fatal to a request; callers fall through to
// evaluation.
type DecisionCache interface {
	// Get returns the cached entry if present and stamped at or above
	// minRevision.
	Get(ctx context.Context, key Key, minRevision int64) (Entry, bool, error)

	// Put stores a freshly computed decision.
	Put(ctx context.Context, key Key, entry Entry) error

	// InvalidateTenant drops every entry for the tenant.
	InvalidateTenant(ctx context.Context, tenant string) error

	Close() error
}

// Null is the cache used when caching is disabled: every lookup misses.
type Null struct{}

// NewNull returns the no-op cache.
func NewNull() Null { return Null{} }

func (Null) Get(context.Context, Key, int64) (Entry, bool, error) { return Entry{}, false, nil }
func (Null) Put(context.Context, Key, Entry) error                { return nil }
func (Null) InvalidateTenant(context.Context, string) error       { return nil }
func (Null) Close() error                                         { return nil }
