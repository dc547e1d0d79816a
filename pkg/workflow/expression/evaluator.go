// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package expression evaluates choice predicates and parameter
// expressions against a workflow context. Compiled programs are cached
// for repeated evaluation.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/runbeam/dispatch/pkg/errors"
)

// Evaluator compiles and runs expressions. Safe for concurrent use.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an expression evaluator with an empty cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// EvaluateBool evaluates a predicate against the given context.
//
// The context carries:
//   - inputs: workflow input values
//   - steps: step outputs keyed by step name
//   - vars: workflow variables
//
// An empty expression is true.
func (e *Evaluator) EvaluateBool(expression string, ctx map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}
	result, err := e.evaluate(expression, ctx)
	if err != nil {
		return false, err
	}
	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators (==, !=, <, >) or boolean functions",
		}
	}
	return boolResult, nil
}

// EvaluateValue evaluates an expression and returns its value. Used for
// parameter templates that pull step outputs into pipeline params.
func (e *Evaluator) EvaluateValue(expression string, ctx map[string]any) (any, error) {
	return e.evaluate(expression, ctx)
}

func (e *Evaluator) evaluate(expression string, ctx map[string]any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}

	// Merge custom functions into the runtime context. "contains" is a
	// reserved string operator in expr, hence "has" and "includes".
	evalCtx := make(map[string]any, len(ctx)+3)
	for k, v := range ctx {
		evalCtx[k] = v
	}
	evalCtx["has"] = containsFunc
	evalCtx["includes"] = containsFunc
	evalCtx["length"] = lenFunc

	result, err := expr.Run(program, evalCtx)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced variables exist in the workflow context",
		}
	}
	return result, nil
}

// compile compiles an expression and caches the program.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := map[string]any{
		"has":      containsFunc,
		"includes": containsFunc,
		"length":   lenFunc,
	}
	prog, err := expr.Compile(expression,
		expr.Env(env),
		// The context is supplied at runtime.
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// Validate compiles an expression without running it. Used by
// definition-time validation.
func (e *Evaluator) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := e.compile(expression)
	if err != nil {
		return &errors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("invalid expression %q: %s", expression, err.Error()),
		}
	}
	return nil
}

// ClearCache drops all compiled programs. Mainly useful for tests.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[string]*vm.Program)
	e.mu.Unlock()
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
