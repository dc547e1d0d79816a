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
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/ledger"
	"github.com/runbeam/dispatch/pkg/work"
)

// TrackedRunner persists every step of a workflow run as a child run of
// kind step, so the ledger holds the full execution tree: workflow run,
// step runs, and the pipeline runs nested beneath pipeline steps.
type TrackedRunner struct {
	runner *Runner
	ledger ledger.Ledger
	logger *slog.Logger
}

// NewTrackedRunner wraps a runner with step tracking.
func NewTrackedRunner(runner *Runner, l ledger.Ledger, logger *slog.Logger) *TrackedRunner {
	return &TrackedRunner{runner: runner, ledger: l, logger: logger}
}

// Run executes the definition, recording each step as a child run of the
// workflow run carried in ctx.
func (t *TrackedRunner) Run(ctx context.Context, def *Definition, inputs map[string]any) (*Result, error) {
	parentID, _ := work.RunIDFromContext(ctx)

	// Copy the runner so concurrent workflow runs get independent
	// observers.
	tracked := *t.runner
	tracked.Observer = &stepTracker{
		ledger:   t.ledger,
		logger:   t.logger,
		parentID: parentID,
	}
	return tracked.Run(ctx, def, inputs)
}

// stepTracker records step executions as child runs.
type stepTracker struct {
	ledger   ledger.Ledger
	logger   *slog.Logger
	parentID string
}

// OnStepStart implements StepObserver.
func (s *stepTracker) OnStepStart(ctx context.Context, step *Step) any {
	if s.parentID == "" {
		return nil
	}

	now := time.Now().UTC()
	run := &work.Run{
		ID: uuid.NewString(),
		Spec: work.Spec{
			Kind:          work.KindStep,
			Name:          step.Name,
			ParentRunID:   s.parentID,
			TriggerSource: work.TriggerInternal,
		},
		Status:    work.StatusPending,
		CreatedAt: now,
	}
	if err := s.ledger.CreateRun(ctx, run); err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to record step run", "step", step.Name, "error", err)
		}
		return nil
	}

	started := time.Now().UTC()
	_, err := s.ledger.UpdateStatus(ctx, run.ID, work.StatusPending, work.StatusRunning, ledger.StatusUpdate{
		StartedAt:   &started,
		EventSource: "workflow",
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("failed to start step run", "step", step.Name, "error", err)
	}
	return run.ID
}

// OnStepEnd implements StepObserver.
func (s *stepTracker) OnStepEnd(ctx context.Context, token any, output any, err error) {
	runID, ok := token.(string)
	if !ok || runID == "" {
		return
	}

	completed := time.Now().UTC()
	update := ledger.StatusUpdate{
		CompletedAt: &completed,
		EventSource: "workflow",
	}
	to := work.StatusCompleted
	if err != nil {
		to = work.StatusFailed
		update.Error = err.Error()
		update.ErrorCategory = string(errors.CategoryOf(err))
	} else {
		update.Result = output
	}

	if _, uerr := s.ledger.UpdateStatus(ctx, runID, work.StatusRunning, to, update); uerr != nil && s.logger != nil {
		s.logger.Warn("failed to finalise step run", "run_id", runID, "error", uerr)
	}
}
