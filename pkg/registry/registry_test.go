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

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/work"
)

func noopHandler(ctx context.Context, params map[string]any, reporter ProgressReporter) (any, error) {
	return nil, nil
}

func otherHandler(ctx context.Context, params map[string]any, reporter ProgressReporter) (any, error) {
	return "other", nil
}

func TestRegisterAndGet(t *testing.T) {
	r := New()

	require.NoError(t, r.RegisterTask(Descriptor{Name: "resize", Handler: noopHandler}))

	desc, err := r.Get(work.KindTask, "resize")
	require.NoError(t, err)
	assert.Equal(t, "resize", desc.Name)
	assert.Equal(t, work.KindTask, desc.Kind)
}

func TestRegisterValidation(t *testing.T) {
	r := New()

	err := r.RegisterTask(Descriptor{Handler: noopHandler})
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)

	err = r.RegisterTask(Descriptor{Name: "no-handler"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "handler", verr.Field)
}

func TestRegisterIdempotent(t *testing.T) {
	r := New()

	require.NoError(t, r.RegisterTask(Descriptor{Name: "resize", Handler: noopHandler}))
	// Same callable under the same name is a no-op.
	require.NoError(t, r.RegisterTask(Descriptor{Name: "resize", Handler: noopHandler}))

	err := r.RegisterTask(Descriptor{Name: "resize", Handler: otherHandler})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryHandlerConflict, errors.CategoryOf(err))
}

func TestGetMiss(t *testing.T) {
	r := New()

	_, err := r.Get(work.KindTask, "absent")
	require.Error(t, err)
	assert.Equal(t, errors.CategoryHandlerNotFound, errors.CategoryOf(err))

	_, err = r.Get(work.Kind("bogus"), "anything")
	require.Error(t, err)
	assert.Equal(t, errors.CategoryHandlerNotFound, errors.CategoryOf(err))
}

func TestNamespacesIndependent(t *testing.T) {
	r := New()

	require.NoError(t, r.RegisterTask(Descriptor{Name: "sync", Handler: noopHandler}))
	require.NoError(t, r.RegisterPipeline(Descriptor{Name: "sync", Handler: otherHandler}))

	task, err := r.Get(work.KindTask, "sync")
	require.NoError(t, err)
	assert.Equal(t, work.KindTask, task.Kind)

	pipeline, err := r.Get(work.KindPipeline, "sync")
	require.NoError(t, err)
	assert.Equal(t, work.KindPipeline, pipeline.Kind)
}

func TestWorkflowResolvesToPipelineNamespace(t *testing.T) {
	r := New()

	require.NoError(t, r.RegisterPipeline(Descriptor{Name: "order-flow", Handler: noopHandler}))

	desc, err := r.Get(work.KindWorkflow, "order-flow")
	require.NoError(t, err)
	assert.Equal(t, "order-flow", desc.Name)

	desc, err = r.Get(work.KindStep, "order-flow")
	require.NoError(t, err)
	assert.Equal(t, "order-flow", desc.Name)
}

func TestListSorted(t *testing.T) {
	r := New()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.RegisterTask(Descriptor{Name: name, Handler: noopHandler}))
	}

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.List(work.KindTask))
	assert.Empty(t, r.List(work.KindPipeline))
}
