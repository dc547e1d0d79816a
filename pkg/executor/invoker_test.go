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

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/ledger"
	"github.com/runbeam/dispatch/pkg/registry"
	"github.com/runbeam/dispatch/pkg/work"
)

func pendingRun(t *testing.T, l ledger.Ledger, spec work.Spec) *work.Run {
	t.Helper()
	run := &work.Run{ID: uuid.NewString(), Spec: spec}
	require.NoError(t, l.CreateRun(context.Background(), run))
	return run
}

func TestInvokeCompletes(t *testing.T) {
	l := ledger.NewMemoryLedger()
	var finished *work.Run
	inv := &Invoker{
		Ledger: l,
		Source: "test",
		OnFinish: func(ctx context.Context, run *work.Run) {
			finished = run
		},
	}

	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "ok"})
	desc := &registry.Descriptor{
		Name: "ok",
		Handler: func(ctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			return map[string]any{"answer": 42}, nil
		},
	}

	require.NoError(t, inv.Invoke(context.Background(), run, desc, work.StatusPending))

	assert.Equal(t, work.StatusCompleted, run.Status)
	require.NotNil(t, finished)
	assert.Equal(t, run.ID, finished.ID)

	got, err := l.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, work.StatusCompleted, got.Status)
	assert.Equal(t, "test", got.ExecutorName)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	events, err := l.GetEvents(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, work.EventStarted, events[1].Type)
	assert.Equal(t, work.EventCompleted, events[2].Type)
}

func TestInvokeFails(t *testing.T) {
	l := ledger.NewMemoryLedger()
	inv := &Invoker{Ledger: l, Source: "test"}

	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "bad"})
	desc := &registry.Descriptor{
		Name: "bad",
		Handler: func(ctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			return nil, errors.Newf(errors.CategoryPermanent, "cannot process")
		},
	}

	require.NoError(t, inv.Invoke(context.Background(), run, desc, work.StatusPending))

	assert.Equal(t, work.StatusFailed, run.Status)
	assert.Equal(t, string(errors.CategoryPermanent), run.ErrorCategory)
	assert.Contains(t, run.Error, "cannot process")
}

func TestInvokeRetriesTransient(t *testing.T) {
	l := ledger.NewMemoryLedger()
	inv := &Invoker{Ledger: l, Source: "test"}

	attempts := 0
	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "flaky", MaxRetries: 3})
	desc := &registry.Descriptor{
		Name: "flaky",
		Handler: func(ctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.Newf(errors.CategoryTransient, "not yet")
			}
			return "ok", nil
		},
	}

	require.NoError(t, inv.Invoke(context.Background(), run, desc, work.StatusPending))

	assert.Equal(t, work.StatusCompleted, run.Status)
	assert.Equal(t, 3, attempts)

	// The stored run reflects the third invocation.
	got, err := l.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempt)

	events, err := l.GetEvents(context.Background(), run.ID)
	require.NoError(t, err)
	var retrying int
	for _, e := range events {
		if e.Type == work.EventRetrying {
			retrying++
		}
	}
	assert.Equal(t, 2, retrying)
}

func TestInvokeSingleAttemptKeepsCounter(t *testing.T) {
	l := ledger.NewMemoryLedger()
	inv := &Invoker{Ledger: l, Source: "test"}

	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "once"})
	desc := &registry.Descriptor{
		Name: "once",
		Handler: func(ctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			return "done", nil
		},
	}

	require.NoError(t, inv.Invoke(context.Background(), run, desc, work.StatusPending))

	got, err := l.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempt)
}

func TestInvokeAttemptTimeout(t *testing.T) {
	l := ledger.NewMemoryLedger()
	inv := &Invoker{Ledger: l, Source: "test"}

	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "slow", TimeoutSeconds: 1})
	// The spec timeout is seconds-granular, so drive the test through the
	// handler honouring its attempt context instead of sleeping it out.
	desc := &registry.Descriptor{
		Name: "slow",
		Handler: func(ctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			return nil, &errors.TimeoutError{Operation: "handler", Duration: time.Second}
		},
	}

	require.NoError(t, inv.Invoke(context.Background(), run, desc, work.StatusPending))

	assert.Equal(t, work.StatusFailed, run.Status)
	assert.Equal(t, string(errors.CategoryTimeout), run.ErrorCategory)
}

func TestInvokeSkipsWhenCancelled(t *testing.T) {
	l := ledger.NewMemoryLedger()
	inv := &Invoker{Ledger: l, Source: "test"}

	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "gone"})
	ok, err := l.UpdateStatus(context.Background(), run.ID, work.StatusPending, work.StatusCancelled, ledger.StatusUpdate{})
	require.NoError(t, err)
	require.True(t, ok)

	invoked := false
	desc := &registry.Descriptor{
		Name: "gone",
		Handler: func(ctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			invoked = true
			return nil, nil
		},
	}

	require.NoError(t, inv.Invoke(context.Background(), run, desc, work.StatusPending))
	assert.False(t, invoked, "terminal run must not execute")
}

func TestInvokeCancellationCause(t *testing.T) {
	l := ledger.NewMemoryLedger()
	inv := &Invoker{Ledger: l, Source: "test"}

	ctx, cancel := context.WithCancelCause(context.Background())
	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "cancel-me"})
	desc := &registry.Descriptor{
		Name: "cancel-me",
		Handler: func(hctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			cancel(errors.ErrCancelled)
			<-hctx.Done()
			return nil, hctx.Err()
		},
	}

	require.NoError(t, inv.Invoke(ctx, run, desc, work.StatusPending))
	assert.Equal(t, work.StatusCancelled, run.Status)
	assert.Equal(t, string(errors.CategoryCancelled), run.ErrorCategory)
}

func TestInvokeWatchdogCauseClassifiesTimeout(t *testing.T) {
	l := ledger.NewMemoryLedger()
	inv := &Invoker{Ledger: l, Source: "test"}

	ctx, cancel := context.WithCancelCause(context.Background())
	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "silent"})
	desc := &registry.Descriptor{
		Name: "silent",
		Handler: func(hctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			cancel(&errors.TimeoutError{Operation: "heartbeat", Duration: time.Minute})
			<-hctx.Done()
			return nil, hctx.Err()
		},
	}

	require.NoError(t, inv.Invoke(ctx, run, desc, work.StatusPending))
	assert.Equal(t, work.StatusFailed, run.Status)
	assert.Equal(t, string(errors.CategoryTimeout), run.ErrorCategory)
}

func TestInvokeRetryTransientByDefault(t *testing.T) {
	l := ledger.NewMemoryLedger()
	inv := &Invoker{Ledger: l, Source: "test"}

	attempts := 0
	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "legacy"})
	desc := &registry.Descriptor{
		Name:                    "legacy",
		MaxRetries:              1,
		RetryTransientByDefault: true,
		Handler: func(ctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("unclassified failure")
			}
			return "ok", nil
		},
	}

	require.NoError(t, inv.Invoke(context.Background(), run, desc, work.StatusPending))
	assert.Equal(t, work.StatusCompleted, run.Status)
	assert.Equal(t, 2, attempts)
}

func TestEffectiveTimeout(t *testing.T) {
	tests := []struct {
		name     string
		spec     work.Spec
		desc     registry.Descriptor
		fallback time.Duration
		want     time.Duration
	}{
		{
			name: "spec wins",
			spec: work.Spec{TimeoutSeconds: 10},
			desc: registry.Descriptor{TimeoutSeconds: 20},
			want: 10 * time.Second,
		},
		{
			name: "handler default",
			desc: registry.Descriptor{TimeoutSeconds: 20},
			want: 20 * time.Second,
		},
		{
			name:     "policy fallback",
			fallback: time.Minute,
			want:     time.Minute,
		},
		{
			name: "system default",
			want: DefaultTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, effectiveTimeout(tt.spec, &tt.desc, tt.fallback))
		})
	}
}
