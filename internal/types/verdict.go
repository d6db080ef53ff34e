package types

// Verdict is an authorization decision. Deny is the zero value: absence of
// data, depth exhaustion, and undecidable caveats all collapse to Deny, and
// only the evaluator produces Allow.
type Verdict int

const (
	Deny Verdict = iota
	Allow
)

// String returns "allow" or "deny".
func (v Verdict) String() string {
	if v == Allow {
		return "allow"
	}
	return "deny"
}

// Decision is the engine-level answer to a permission check. Degraded is set
// when the verdict was served from cache while the tuple store's circuit
// breaker was open.
type Decision struct {
	Verdict  Verdict `json:"verdict"`
	Degraded bool    `json:"degraded,omitempty"`

	// Revision is the tenant revision the verdict was computed (or cached)
	// at. Zero when unknown, e.g. a degraded cache hit of unknown vintage.
	Revision int64 `json:"revision,omitempty"`
}

// Allowed is a convenience accessor.
func (d Decision) Allowed() bool {
	return d.Verdict == Allow
}
