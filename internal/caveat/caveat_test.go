package caveat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relgraph/relgraph/internal/types"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator()
	require.NoError(t, err)
	return e
}

func TestCompileRejectsMalformedExpression(t *testing.T) {
	e := newEvaluator(t)

	require.NoError(t, e.Compile(types.CaveatSpec{Name: "ok", Expression: `day != "sunday"`}))

	err := e.Compile(types.CaveatSpec{Name: "broken", Expression: `day !=`})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
	assert.ErrorContains(t, err, "broken")
}

func TestEvaluateOutcomes(t *testing.T) {
	e := newEvaluator(t)
	spec := types.CaveatSpec{Name: "weekday", Expression: `day != "sunday"`}

	assert.Equal(t, Allowed, e.Evaluate(spec, map[string]any{"day": "monday"}))
	assert.Equal(t, Denied, e.Evaluate(spec, map[string]any{"day": "sunday"}))

	// Missing variable cannot be decided.
	assert.Equal(t, Undecided, e.Evaluate(spec, map[string]any{"hour": 9}))
	assert.Equal(t, Undecided, e.Evaluate(spec, nil))
}

func TestEvaluateNonBooleanIsUndecided(t *testing.T) {
	e := newEvaluator(t)
	spec := types.CaveatSpec{Name: "arith", Expression: `1 + 1`}
	assert.Equal(t, Undecided, e.Evaluate(spec, nil))
}

func TestEvaluateComparisons(t *testing.T) {
	e := newEvaluator(t)
	spec := types.CaveatSpec{Name: "quota", Expression: `used < limit && tier in ["pro", "team"]`}

	ctx := map[string]any{"used": 3, "limit": 10, "tier": "pro"}
	assert.Equal(t, Allowed, e.Evaluate(spec, ctx))

	ctx["used"] = 12
	assert.Equal(t, Denied, e.Evaluate(spec, ctx))
}
