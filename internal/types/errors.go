package types

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds surfaced by the public API. Each is distinct from the
// authorization verdicts: a Deny is data, these are failures.
var (
	// ErrInvalidRequest marks malformed arguments: bad refs, unknown types,
	// zookie tenant mismatch. Never retried.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidZookie marks a consistency token that failed signature or
	// format validation. The caller must re-acquire a fresh token.
	ErrInvalidZookie = errors.New("invalid zookie")

	// ErrStoreUnavailable marks a transport or backend failure from the
	// tuple store. Counted by the circuit breaker.
	ErrStoreUnavailable = errors.New("tuple store unavailable")

	// ErrCircuitOpen is returned when the circuit breaker refuses a store
	// call. The check path degrades to the decision cache when it can.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrDepthExceeded marks a rewrite traversal that exceeded the
	// configured depth bound. Treated as deny plus a warning.
	ErrDepthExceeded = errors.New("rewrite depth exceeded")

	// ErrInvariantViolated marks an internal inconsistency: a cycle past
	// the guard or a namespace reference that cannot exist.
	ErrInvariantViolated = errors.New("internal invariant violated")
)

// ConsistencyTimeoutError reports that the bounded wait for a revision was
// exhausted. It carries both revisions so the caller can decide whether to
// retry with a longer deadline or relax the mode.
type ConsistencyTimeoutError struct {
	Tenant    string
	Requested int64
	Current   int64
	Elapsed   time.Duration
}

func (e *ConsistencyTimeoutError) Error() string {
	return fmt.Sprintf("consistency timeout for tenant %q: waited %s for revision %d, store at %d",
		e.Tenant, e.Elapsed, e.Requested, e.Current)
}

// IsConsistencyTimeout reports whether err is a ConsistencyTimeoutError.
func IsConsistencyTimeout(err error) bool {
	var cte *ConsistencyTimeoutError
	return errors.As(err, &cte)
}

// StoreError wraps a backend failure with the operation that hit it, so the
// breaker and logs see where the store is hurting. It matches
// ErrStoreUnavailable via errors.Is.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is lets a StoreError satisfy errors.Is(err, ErrStoreUnavailable) without
// requiring every call site to wrap twice.
func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// NewStoreError wraps err as a store failure for operation op.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
