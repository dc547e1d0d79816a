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

package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/ledger"
	"github.com/runbeam/dispatch/pkg/registry"
	"github.com/runbeam/dispatch/pkg/work"
)

func TestMemoryExecutorSubmit(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ex := NewMemoryExecutor(l, nil, ResiliencePolicy{}, nil)
	defer ex.Close()

	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "echo"})
	desc := &registry.Descriptor{
		Name: "echo",
		Handler: func(ctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			return "hello", nil
		},
	}

	require.NoError(t, ex.Submit(context.Background(), run, desc))
	// Synchronous: the run is terminal when Submit returns.
	assert.Equal(t, work.StatusCompleted, run.Status)
	assert.Equal(t, "hello", run.Result)
}

func TestMemoryExecutorCancel(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ex := NewMemoryExecutor(l, nil, ResiliencePolicy{}, nil)
	defer ex.Close()

	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "long"})
	started := make(chan struct{})
	desc := &registry.Descriptor{
		Name: "long",
		Handler: func(ctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	done := make(chan error, 1)
	go func() {
		done <- ex.Submit(context.Background(), run, desc)
	}()

	<-started
	require.NoError(t, ex.Cancel(context.Background(), run.ID))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not return after cancel")
	}

	got, err := l.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, work.StatusCancelled, got.Status)
}

func TestMemoryExecutorClosed(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ex := NewMemoryExecutor(l, nil, ResiliencePolicy{}, nil)

	require.NoError(t, ex.Health(context.Background()))
	require.NoError(t, ex.Close())

	err := ex.Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CategoryExecutorUnavailable, errors.CategoryOf(err))

	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "late"})
	err = ex.Submit(context.Background(), run, &registry.Descriptor{
		Name:    "late",
		Handler: func(ctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) { return nil, nil },
	})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryExecutorUnavailable, errors.CategoryOf(err))
}

func TestMemoryExecutorDrain(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ex := NewMemoryExecutor(l, nil, ResiliencePolicy{}, nil)

	require.NoError(t, ex.Drain(context.Background(), time.Second))
}
