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

// Package workflow implements the step-graph engine layered on the
// dispatcher: sequential execution with choice branching, a write-once
// step-output context, per-step failure policies, and tracked runs that
// persist each step as a child run in the ledger.
package workflow

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/workflow/expression"
)

// StepKind selects how a step executes.
type StepKind string

const (
	// StepLambda invokes an in-process callable.
	StepLambda StepKind = "lambda"

	// StepPipeline submits a pipeline through the dispatcher and waits
	// for its terminal status.
	StepPipeline StepKind = "pipeline"

	// StepChoice evaluates branch predicates and jumps to the chosen
	// step. Produces no output.
	StepChoice StepKind = "choice"
)

// ErrorPolicy decides what a step failure does to the workflow.
type ErrorPolicy string

const (
	// PolicyFail terminates the workflow with the step's error.
	PolicyFail ErrorPolicy = "fail"

	// PolicyContinue logs the error, records a nil output, and advances.
	PolicyContinue ErrorPolicy = "continue"

	// PolicyRetry retries the step; on exhaustion it fails.
	PolicyRetry ErrorPolicy = "retry"
)

// Lambda is the callable behind a lambda step.
type Lambda func(ctx context.Context, inputs map[string]any) (any, error)

// Branch is one arm of a choice step: the first branch whose predicate
// is true selects the next step.
type Branch struct {
	// When is an expr predicate over the workflow context. Empty means
	// always true.
	When string `yaml:"when" json:"when"`

	// Then names the step to jump to.
	Then string `yaml:"then" json:"then"`
}

// StepRetry configures PolicyRetry.
type StepRetry struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	Delay      time.Duration `yaml:"delay" json:"delay"`
}

// Step is one node of the workflow graph.
type Step struct {
	// Name uniquely identifies the step within the definition.
	Name string `yaml:"name" json:"name"`

	// Kind selects the execution mode.
	Kind StepKind `yaml:"kind" json:"kind"`

	// Lambda is the callable for lambda steps. Set programmatically;
	// YAML definitions cannot carry callables.
	Lambda Lambda `yaml:"-" json:"-"`

	// Pipeline names the pipeline handler for pipeline steps.
	Pipeline string `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`

	// Params is the parameter template for pipeline steps. String
	// values prefixed with "=" are expr expressions evaluated over the
	// workflow context; everything else passes through verbatim.
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// Branches are the arms of a choice step, evaluated in order.
	Branches []Branch `yaml:"branches,omitempty" json:"branches,omitempty"`

	// Default names the step a choice falls through to when no branch
	// matches. Required for choice steps.
	Default string `yaml:"default,omitempty" json:"default,omitempty"`

	// NextStep names the successor for lambda and pipeline steps. Empty
	// falls through to the next step in insertion order.
	NextStep string `yaml:"next_step,omitempty" json:"next_step,omitempty"`

	// Terminal ends the workflow after this step regardless of
	// NextStep.
	Terminal bool `yaml:"terminal,omitempty" json:"terminal,omitempty"`

	// OnError is the failure policy. Empty means fail.
	OnError ErrorPolicy `yaml:"on_error,omitempty" json:"on_error,omitempty"`

	// Retry configures PolicyRetry. Ignored for other policies.
	Retry *StepRetry `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// Definition is a named workflow: an ordered list of steps with an
// optional explicit entry point.
type Definition struct {
	// Name is the workflow identifier, registered in the pipeline
	// namespace.
	Name string `yaml:"name" json:"name"`

	// Description provides human-readable context.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Entry names the first step. Empty starts at the first step in
	// insertion order.
	Entry string `yaml:"entry,omitempty" json:"entry,omitempty"`

	// Steps are the executable units, in insertion order.
	Steps []Step `yaml:"steps" json:"steps"`
}

// ParseDefinition loads a definition from YAML. Lambda steps cannot be
// expressed in YAML; validation rejects them.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &errors.ValidationError{
			Field:   "definition",
			Message: fmt.Sprintf("failed to parse workflow YAML: %s", err.Error()),
		}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the definition at registration time: step name
// uniqueness, reference integrity for next_step and branches, per-kind
// field requirements, and predicate syntax.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "workflow name cannot be empty"}
	}
	if len(d.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "workflow must have at least one step"}
	}

	names := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if step.Name == "" {
			return &errors.ValidationError{Field: "steps", Message: "step name cannot be empty"}
		}
		if names[step.Name] {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("duplicate step name %q", step.Name),
			}
		}
		names[step.Name] = true
	}

	if d.Entry != "" && !names[d.Entry] {
		return &errors.ValidationError{
			Field:   "entry",
			Message: fmt.Sprintf("entry references unknown step %q", d.Entry),
		}
	}

	eval := expression.New()
	for _, step := range d.Steps {
		if err := validateStep(step, names, eval); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step, names map[string]bool, eval *expression.Evaluator) error {
	switch step.Kind {
	case StepLambda:
		if step.Lambda == nil {
			return &errors.ValidationError{
				Field:      "steps",
				Message:    fmt.Sprintf("lambda step %q has no callable", step.Name),
				Suggestion: "lambda steps are defined in code, not YAML",
			}
		}
	case StepPipeline:
		if step.Pipeline == "" {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("pipeline step %q names no pipeline", step.Name),
			}
		}
	case StepChoice:
		if len(step.Branches) == 0 {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("choice step %q has no branches", step.Name),
			}
		}
		if step.Default == "" {
			return &errors.ValidationError{
				Field:      "steps",
				Message:    fmt.Sprintf("choice step %q has no default branch", step.Name),
				Suggestion: "name a default step so every evaluation selects a successor",
			}
		}
		if !names[step.Default] {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("choice step %q default references unknown step %q", step.Name, step.Default),
			}
		}
		for _, branch := range step.Branches {
			if !names[branch.Then] {
				return &errors.ValidationError{
					Field:   "steps",
					Message: fmt.Sprintf("choice step %q branch references unknown step %q", step.Name, branch.Then),
				}
			}
			if err := eval.Validate(branch.When); err != nil {
				return err
			}
		}
		if step.NextStep != "" {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("choice step %q cannot declare next_step; branches decide the successor", step.Name),
			}
		}
	default:
		return &errors.ValidationError{
			Field:   "steps",
			Message: fmt.Sprintf("step %q has unknown kind %q", step.Name, step.Kind),
		}
	}

	if step.NextStep != "" && !names[step.NextStep] {
		return &errors.ValidationError{
			Field:   "steps",
			Message: fmt.Sprintf("step %q next_step references unknown step %q", step.Name, step.NextStep),
		}
	}

	switch step.OnError {
	case "", PolicyFail, PolicyContinue, PolicyRetry:
	default:
		return &errors.ValidationError{
			Field:   "steps",
			Message: fmt.Sprintf("step %q has unknown on_error policy %q", step.Name, step.OnError),
		}
	}
	return nil
}

// step returns the step by name.
func (d *Definition) step(name string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// stepAfter returns the step following name in insertion order.
func (d *Definition) stepAfter(name string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].Name == name && i+1 < len(d.Steps) {
			return &d.Steps[i+1], true
		}
	}
	return nil, false
}

// entryStep returns the first step to execute.
func (d *Definition) entryStep() *Step {
	if d.Entry != "" {
		if step, ok := d.step(d.Entry); ok {
			return step
		}
	}
	return &d.Steps[0]
}
