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
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/work"
	"github.com/runbeam/dispatch/pkg/workflow/expression"
)

// Submitter is the dispatcher surface the runner needs for pipeline
// steps: submit, then wait for the terminal status.
type Submitter interface {
	Submit(ctx context.Context, spec work.Spec) (*work.Run, error)
	Wait(ctx context.Context, runID string, timeout time.Duration) (*work.Run, error)
}

// StepObserver sees each step execution. The tracked runner uses it to
// persist steps as child runs.
type StepObserver interface {
	// OnStepStart is called before a step executes. The returned token
	// is handed back to OnStepEnd.
	OnStepStart(ctx context.Context, step *Step) any

	// OnStepEnd is called after the step (including policy retries)
	// with its output or error.
	OnStepEnd(ctx context.Context, token any, output any, err error)
}

// Result is the outcome of one workflow run.
type Result struct {
	// Outputs holds every recorded step output by step name.
	Outputs map[string]any `json:"outputs"`

	// StepsRun counts executed steps, including choice evaluations.
	StepsRun int `json:"steps_run"`

	// LastStep names the final executed step.
	LastStep string `json:"last_step"`
}

// defaultMaxTransitions bounds choice-loop length per run.
const defaultMaxTransitions = 10000

// Runner executes workflow definitions sequentially: one step at a
// time, outputs accumulating in a write-once context, choices selecting
// the next step. Concurrent workflow runs share no state.
type Runner struct {
	// Submitter executes pipeline steps. Required when a definition
	// contains pipeline steps.
	Submitter Submitter

	// Evaluator evaluates choice predicates and parameter templates.
	// Nil gets a private evaluator.
	Evaluator *expression.Evaluator

	// Logger receives step-level logs.
	Logger *slog.Logger

	// PipelineWaitTimeout caps the wait for each pipeline step's
	// terminal status (0 = wait until ctx is done).
	PipelineWaitTimeout time.Duration

	// MaxTransitions bounds step transitions per run, catching choice
	// cycles. Zero applies the default.
	MaxTransitions int

	// Observer sees each step execution.
	Observer StepObserver
}

// Run executes the definition with the given inputs.
func (r *Runner) Run(ctx context.Context, def *Definition, inputs map[string]any) (*Result, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	eval := r.Evaluator
	if eval == nil {
		eval = expression.New()
	}
	maxTransitions := r.MaxTransitions
	if maxTransitions <= 0 {
		maxTransitions = defaultMaxTransitions
	}

	wfCtx := NewContext(inputs)
	step := def.entryStep()
	result := &Result{}

	for step != nil {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithCause(errors.CategoryCancelled, err, "workflow cancelled")
		}
		result.StepsRun++
		if result.StepsRun > maxTransitions {
			return nil, errors.Newf(errors.CategoryInternal,
				"workflow %s exceeded %d step transitions; check for choice cycles", def.Name, maxTransitions)
		}
		result.LastStep = step.Name

		output, next, err := r.executeStep(ctx, def, step, wfCtx, eval)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", step.Name, err)
		}

		if step.Kind != StepChoice {
			if err := wfCtx.SetOutput(step.Name, output); err != nil {
				return nil, err
			}
			if step.Terminal {
				break
			}
		}
		step = next
	}

	result.Outputs = wfCtx.Outputs()
	return result, nil
}

// executeStep runs one step under its failure policy and resolves the
// successor.
func (r *Runner) executeStep(ctx context.Context, def *Definition, step *Step, wfCtx *Context, eval *expression.Evaluator) (any, *Step, error) {
	if step.Kind == StepChoice {
		next, err := r.choose(def, step, wfCtx, eval)
		return nil, next, err
	}

	var token any
	if r.Observer != nil {
		token = r.Observer.OnStepStart(ctx, step)
	}
	output, err := r.runWithPolicy(ctx, step, wfCtx, eval)
	if r.Observer != nil {
		r.Observer.OnStepEnd(ctx, token, output, err)
	}

	if err != nil {
		switch step.OnError {
		case PolicyContinue:
			if r.Logger != nil {
				r.Logger.Warn("step failed, continuing",
					"workflow", def.Name, "step", step.Name, "error", err)
			}
			output, err = nil, nil
		default:
			// PolicyFail, and PolicyRetry after exhaustion.
			return nil, nil, err
		}
	}

	next, _ := r.successor(def, step)
	return output, next, nil
}

// runWithPolicy executes the step body, applying PolicyRetry.
func (r *Runner) runWithPolicy(ctx context.Context, step *Step, wfCtx *Context, eval *expression.Evaluator) (any, error) {
	retries := 0
	var delay time.Duration
	if step.OnError == PolicyRetry && step.Retry != nil {
		retries = step.Retry.MaxRetries
		delay = step.Retry.Delay
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if r.Logger != nil {
				r.Logger.Info("retrying step", "step", step.Name, "attempt", attempt)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, errors.WithCause(errors.CategoryCancelled, ctx.Err(), "cancelled between step retries")
			}
		}
		output, err := r.runStepBody(ctx, step, wfCtx, eval)
		if err == nil {
			return output, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *Runner) runStepBody(ctx context.Context, step *Step, wfCtx *Context, eval *expression.Evaluator) (any, error) {
	env := wfCtx.Env()

	switch step.Kind {
	case StepLambda:
		inputs := env
		if step.Params != nil {
			rendered, err := renderParams(step.Params, env, eval)
			if err != nil {
				return nil, err
			}
			inputs = rendered
		}
		return step.Lambda(ctx, inputs)

	case StepPipeline:
		if r.Submitter == nil {
			return nil, errors.Newf(errors.CategoryInternal,
				"pipeline step %q needs a submitter", step.Name)
		}
		params, err := renderParams(step.Params, env, eval)
		if err != nil {
			return nil, err
		}
		spec := work.Spec{
			Kind:          work.KindPipeline,
			Name:          step.Pipeline,
			Params:        params,
			TriggerSource: work.TriggerParentWorkflow,
		}
		if parentID, ok := work.RunIDFromContext(ctx); ok {
			spec.ParentRunID = parentID
		}
		run, err := r.Submitter.Submit(ctx, spec)
		if err != nil {
			return nil, err
		}
		final, err := r.Submitter.Wait(ctx, run.ID, r.PipelineWaitTimeout)
		if err != nil {
			return nil, err
		}
		switch final.Status {
		case work.StatusCompleted:
			return final.Result, nil
		case work.StatusCancelled:
			return nil, errors.Newf(errors.CategoryCancelled, "pipeline run %s was cancelled", final.ID)
		default:
			category := errors.Category(final.ErrorCategory)
			if category == "" {
				category = errors.CategoryInternal
			}
			return nil, errors.Newf(category, "pipeline run %s failed: %s", final.ID, final.Error)
		}
	}
	return nil, errors.Newf(errors.CategoryInternal, "unexpected step kind %q", step.Kind)
}

// choose evaluates a choice step's branches in order; the first true
// predicate wins, the default catches the rest.
func (r *Runner) choose(def *Definition, step *Step, wfCtx *Context, eval *expression.Evaluator) (*Step, error) {
	env := wfCtx.Env()
	target := step.Default
	for _, branch := range step.Branches {
		matched, err := eval.EvaluateBool(branch.When, env)
		if err != nil {
			return nil, err
		}
		if matched {
			target = branch.Then
			break
		}
	}
	if r.Logger != nil {
		r.Logger.Debug("choice resolved", "step", step.Name, "next", target)
	}
	// Validation guarantees the target exists; a miss here is a bug.
	next, ok := def.step(target)
	if !ok {
		return nil, errors.Newf(errors.CategoryInternal,
			"choice step %q selected unknown step %q", step.Name, target)
	}
	return next, nil
}

// successor resolves the next step for lambda and pipeline steps:
// next_step wins, then insertion order, then termination.
func (r *Runner) successor(def *Definition, step *Step) (*Step, bool) {
	if step.NextStep != "" {
		return def.step(step.NextStep)
	}
	return def.stepAfter(step.Name)
}
