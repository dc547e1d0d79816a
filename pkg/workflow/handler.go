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

	"github.com/runbeam/dispatch/pkg/registry"
)

// WorkflowRunner abstracts Runner and TrackedRunner for registration.
type WorkflowRunner interface {
	Run(ctx context.Context, def *Definition, inputs map[string]any) (*Result, error)
}

// Handler adapts a definition to the uniform handler signature, so the
// workflow engine plugs into the dispatcher like any other handler. Run
// params become workflow inputs; the result is the step-output map.
func Handler(runner WorkflowRunner, def *Definition) registry.Handler {
	return func(ctx context.Context, params map[string]any, reporter registry.ProgressReporter) (any, error) {
		result, err := runner.Run(ctx, def, params)
		if err != nil {
			return nil, err
		}
		reporter.Progress(ctx, map[string]any{
			"steps_run": result.StepsRun,
			"last_step": result.LastStep,
		})
		return result.Outputs, nil
	}
}

// Register validates the definition and registers its handler in the
// pipeline namespace, where workflow-kind submissions resolve.
func Register(reg *registry.Registry, runner WorkflowRunner, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	return reg.RegisterPipeline(registry.Descriptor{
		Name:    def.Name,
		Handler: Handler(runner, def),
	})
}
