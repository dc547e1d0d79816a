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
	"time"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/work"
)

// GroupStep is one named pipeline in a group.
type GroupStep struct {
	StepName string `yaml:"step_name" json:"step_name"`
	Pipeline string `yaml:"pipeline" json:"pipeline"`
}

// PipelineGroup is the legacy v1 orchestration: an ordered list of
// pipelines with optional dependency edges, run in topological order,
// halting on first failure. No data flows between steps; the group
// records only the run IDs it produced. Kept for migration.
type PipelineGroup struct {
	Name  string      `yaml:"name" json:"name"`
	Steps []GroupStep `yaml:"steps" json:"steps"`

	// Edges are (from, to) dependencies: from must finish before to
	// starts.
	Edges [][2]string `yaml:"edges,omitempty" json:"edges,omitempty"`
}

// Validate checks step name uniqueness, edge references, and that the
// edges form no cycle.
func (g *PipelineGroup) Validate() error {
	if g.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "group name cannot be empty"}
	}
	if len(g.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "group must have at least one step"}
	}

	names := make(map[string]bool, len(g.Steps))
	for _, step := range g.Steps {
		if step.StepName == "" || step.Pipeline == "" {
			return &errors.ValidationError{
				Field:   "steps",
				Message: "group steps need both step_name and pipeline",
			}
		}
		if names[step.StepName] {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("duplicate step name %q", step.StepName),
			}
		}
		names[step.StepName] = true
	}

	for _, edge := range g.Edges {
		if !names[edge[0]] || !names[edge[1]] {
			return &errors.ValidationError{
				Field:   "edges",
				Message: fmt.Sprintf("edge %s -> %s references unknown step", edge[0], edge[1]),
			}
		}
	}

	if _, err := g.order(); err != nil {
		return err
	}
	return nil
}

// order returns the steps in topological order. Ties resolve by the
// declared step order, keeping runs deterministic.
func (g *PipelineGroup) order() ([]GroupStep, error) {
	indegree := make(map[string]int, len(g.Steps))
	dependents := make(map[string][]string)
	for _, step := range g.Steps {
		indegree[step.StepName] = 0
	}
	for _, edge := range g.Edges {
		indegree[edge[1]]++
		dependents[edge[0]] = append(dependents[edge[0]], edge[1])
	}

	byName := make(map[string]GroupStep, len(g.Steps))
	for _, step := range g.Steps {
		byName[step.StepName] = step
	}

	var ordered []GroupStep
	for len(ordered) < len(g.Steps) {
		progressed := false
		for _, step := range g.Steps {
			if degree, pending := indegree[step.StepName]; pending && degree == 0 {
				ordered = append(ordered, byName[step.StepName])
				delete(indegree, step.StepName)
				for _, dep := range dependents[step.StepName] {
					indegree[dep]--
				}
				progressed = true
			}
		}
		if !progressed {
			return nil, &errors.ValidationError{
				Field:   "edges",
				Message: "dependency edges contain a cycle",
			}
		}
	}
	return ordered, nil
}

// GroupResult records the run IDs a group produced, keyed by step name.
type GroupResult struct {
	RunIDs map[string]string `json:"run_ids"`
}

// RunGroup submits each step in topological order, waiting for each
// terminal status and halting on the first failure. The partial result
// carries the run IDs produced before the halt.
func RunGroup(ctx context.Context, submitter Submitter, group *PipelineGroup, waitTimeout time.Duration) (*GroupResult, error) {
	if err := group.Validate(); err != nil {
		return nil, err
	}
	ordered, err := group.order()
	if err != nil {
		return nil, err
	}

	result := &GroupResult{RunIDs: make(map[string]string, len(ordered))}
	parentID, _ := work.RunIDFromContext(ctx)

	for _, step := range ordered {
		run, err := submitter.Submit(ctx, work.Spec{
			Kind:          work.KindPipeline,
			Name:          step.Pipeline,
			TriggerSource: work.TriggerParentWorkflow,
			ParentRunID:   parentID,
		})
		if err != nil {
			return result, fmt.Errorf("group step %s: %w", step.StepName, err)
		}
		result.RunIDs[step.StepName] = run.ID

		final, err := submitter.Wait(ctx, run.ID, waitTimeout)
		if err != nil {
			return result, fmt.Errorf("group step %s: %w", step.StepName, err)
		}
		if final.Status != work.StatusCompleted {
			category := errors.Category(final.ErrorCategory)
			if category == "" {
				category = errors.CategoryInternal
			}
			return result, errors.Newf(category,
				"group step %s run %s ended %s: %s", step.StepName, final.ID, final.Status, final.Error)
		}
	}
	return result, nil
}
