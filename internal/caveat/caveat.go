// Package caveat compiles and evaluates tuple caveats as CEL expressions.
//
// A caveat is a context-free, side-effect-free predicate attached to a
// single tuple. Expressions are compiled when a tuple is written (invalid
// expressions are rejected then) and evaluated at check time against the
// request's caveat context. An expression that cannot be decided (missing
// variable, type error, non-boolean result) denies the one tuple it is
// attached to, never the overall query.
package caveat

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/relgraph/relgraph/internal/types"
)

// Outcome is the tri-state result of evaluating a caveat.
type Outcome int

const (
	// Denied means the expression evaluated to false.
	Denied Outcome = iota

	// Allowed means the expression evaluated to true.
	Allowed

	// Undecided means the expression could not be evaluated against the
	// supplied context. Treated as a tuple-level deny.
	Undecided
)

// Evaluator compiles caveat expressions and caches the compiled programs by
// expression text. Caveats are parsed without type checking: the variable
// vocabulary is request-defined, so binding errors surface at evaluation
// time as Undecided rather than rejecting the write.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator builds an evaluator with the standard CEL environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("caveat: building CEL environment: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile validates and caches the program for spec. Called on the write
// path so malformed expressions are rejected before they reach the store.
func (e *Evaluator) Compile(spec types.CaveatSpec) error {
	_, err := e.program(spec.Expression)
	if err != nil {
		return fmt.Errorf("%w: caveat %q: %v", types.ErrInvalidRequest, spec.Name, err)
	}
	return nil
}

// Evaluate runs the caveat against the request context.
func (e *Evaluator) Evaluate(spec types.CaveatSpec, context map[string]any) Outcome {
	prg, err := e.program(spec.Expression)
	if err != nil {
		// The write path compiles every caveat, so a parse failure here
		// means the stored expression predates a grammar change.
		return Undecided
	}
	if context == nil {
		context = map[string]any{}
	}
	val, _, err := prg.Eval(context)
	if err != nil {
		return Undecided
	}
	allowed, ok := val.Value().(bool)
	if !ok {
		return Undecided
	}
	if allowed {
		return Allowed
	}
	return Denied
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := e.env.Parse(expression)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expression] = prg
	e.mu.Unlock()
	return prg, nil
}
