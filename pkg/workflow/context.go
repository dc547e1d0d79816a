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

package workflow

import (
	"fmt"
	"sync"

	"github.com/runbeam/dispatch/pkg/errors"
)

// Context carries data between steps of one workflow run. Step outputs
// are write-once: a second write under the same name is an error, which
// keeps replays and retries from silently clobbering earlier results.
type Context struct {
	mu      sync.RWMutex
	inputs  map[string]any
	vars    map[string]any
	outputs map[string]any
}

// NewContext creates a workflow context seeded with the run's inputs.
func NewContext(inputs map[string]any) *Context {
	if inputs == nil {
		inputs = make(map[string]any)
	}
	return &Context{
		inputs:  inputs,
		vars:    make(map[string]any),
		outputs: make(map[string]any),
	}
}

// Input returns a workflow input value.
func (c *Context) Input(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.inputs[name]
	return v, ok
}

// SetVar sets a workflow variable. Variables are mutable, unlike step
// outputs.
func (c *Context) SetVar(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[name] = value
}

// Var returns a workflow variable.
func (c *Context) Var(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vars[name]
	return v, ok
}

// SetOutput records a step's output. Writing the same step twice fails.
func (c *Context) SetOutput(step string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.outputs[step]; exists {
		return errors.Newf(errors.CategoryInternal,
			"step output %q already recorded", step)
	}
	c.outputs[step] = value
	return nil
}

// Output returns a recorded step output.
func (c *Context) Output(step string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.outputs[step]
	return v, ok
}

// Outputs returns a copy of all recorded step outputs.
func (c *Context) Outputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		out[k] = v
	}
	return out
}

// Env builds the expression environment: inputs, steps, and vars.
func (c *Context) Env() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	inputs := make(map[string]any, len(c.inputs))
	for k, v := range c.inputs {
		inputs[k] = v
	}
	steps := make(map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		steps[k] = v
	}
	vars := make(map[string]any, len(c.vars))
	for k, v := range c.vars {
		vars[k] = v
	}
	return map[string]any{
		"inputs": inputs,
		"steps":  steps,
		"vars":   vars,
	}
}

// renderParams resolves a pipeline step's parameter template against the
// context. String values prefixed with "=" evaluate as expressions; all
// other values pass through.
func renderParams(template map[string]any, env map[string]any, eval paramEvaluator) (map[string]any, error) {
	if template == nil {
		return nil, nil
	}
	params := make(map[string]any, len(template))
	for key, value := range template {
		str, ok := value.(string)
		if !ok || len(str) < 2 || str[0] != '=' {
			params[key] = value
			continue
		}
		resolved, err := eval.EvaluateValue(str[1:], env)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", key, err)
		}
		params[key] = resolved
	}
	return params, nil
}

type paramEvaluator interface {
	EvaluateValue(expression string, ctx map[string]any) (any, error)
}
