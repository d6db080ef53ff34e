package types

import "fmt"

// ConsistencyMode selects the staleness contract for a single request.
type ConsistencyMode int

const (
	// MinimizeLatency serves from any cache tier; staleness is bounded only
	// by cache TTL. Callers must not assume read-your-writes.
	MinimizeLatency ConsistencyMode = iota

	// AtLeastAsFresh serves cached entries only when they were produced at
	// or after MinRevision, waiting (bounded) for the store to reach it.
	AtLeastAsFresh

	// FullyConsistent bypasses every cache and the bitmap index and always
	// evaluates against the store's current state.
	FullyConsistent
)

// String returns the configuration-file spelling of the mode.
func (m ConsistencyMode) String() string {
	switch m {
	case AtLeastAsFresh:
		return "at_least_as_fresh"
	case FullyConsistent:
		return "fully_consistent"
	default:
		return "minimize_latency"
	}
}

// ParseConsistencyMode parses the configuration-file spelling.
func ParseConsistencyMode(s string) (ConsistencyMode, error) {
	switch s {
	case "minimize_latency", "":
		return MinimizeLatency, nil
	case "at_least_as_fresh":
		return AtLeastAsFresh, nil
	case "fully_consistent":
		return FullyConsistent, nil
	default:
		return MinimizeLatency, fmt.Errorf("%w: unknown consistency mode %q", ErrInvalidRequest, s)
	}
}

// Consistency is the per-request consistency selector. MinRevision is only
// meaningful for AtLeastAsFresh.
type Consistency struct {
	Mode        ConsistencyMode `json:"mode"`
	MinRevision int64           `json:"min_revision,omitempty"`
}

// FreshAtLeast builds an AtLeastAsFresh selector for the given revision.
func FreshAtLeast(revision int64) Consistency {
	return Consistency{Mode: AtLeastAsFresh, MinRevision: revision}
}

// RequestContext carries the per-request values threaded through the
// evaluator. It is passed by value; nothing in the engine mutates it.
type RequestContext struct {
	Tenant        string
	Consistency   Consistency
	CaveatContext map[string]any
}
