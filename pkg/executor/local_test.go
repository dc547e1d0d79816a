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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/ledger"
	"github.com/runbeam/dispatch/pkg/registry"
	"github.com/runbeam/dispatch/pkg/work"
)

// waitTerminal polls the ledger until the run reaches a terminal status.
func waitTerminal(t *testing.T, l ledger.Ledger, runID string) *work.Run {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		run, err := l.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Terminal() {
			return run
		}
		select {
		case <-deadline:
			t.Fatalf("run %s never reached a terminal status (now %s)", runID, run.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestLocalExecutorSubmit(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ex := NewLocalExecutor(LocalConfig{}, l, nil, ResiliencePolicy{}, nil)
	defer ex.Close()

	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "echo"})
	desc := &registry.Descriptor{
		Name: "echo",
		Handler: func(ctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			return "hi", nil
		},
	}

	require.NoError(t, ex.Submit(context.Background(), run, desc))
	// Asynchronous: the run is queued when Submit returns.
	assert.Equal(t, work.StatusQueued, run.Status)
	assert.Equal(t, "local:normal", run.ExternalRef)

	got := waitTerminal(t, l, run.ID)
	assert.Equal(t, work.StatusCompleted, got.Status)
	assert.Equal(t, "hi", got.Result)

	events, err := l.GetEvents(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, work.EventQueued, events[1].Type)
	assert.Equal(t, work.EventStarted, events[2].Type)
	assert.Equal(t, work.EventCompleted, events[3].Type)
}

func TestLocalExecutorUnknownLaneFallsBack(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ex := NewLocalExecutor(LocalConfig{}, l, nil, ResiliencePolicy{}, nil)
	defer ex.Close()

	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "echo", Lane: "nonexistent"})
	desc := &registry.Descriptor{
		Name: "echo",
		Handler: func(ctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			return nil, nil
		},
	}

	require.NoError(t, ex.Submit(context.Background(), run, desc))
	got := waitTerminal(t, l, run.ID)
	assert.Equal(t, work.StatusCompleted, got.Status)
}

func TestLocalExecutorQueueFull(t *testing.T) {
	l := ledger.NewMemoryLedger()
	block := make(chan struct{})
	desc := &registry.Descriptor{
		Name: "block",
		Handler: func(ctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			<-block
			return nil, nil
		},
	}

	ex := NewLocalExecutor(LocalConfig{
		Lanes: map[string]LaneConfig{
			work.DefaultLane: {Workers: 1, QueueSize: 1},
		},
	}, l, nil, ResiliencePolicy{}, nil)
	defer func() {
		close(block)
		ex.Close()
	}()

	// First run occupies the worker, second fills the queue.
	first := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "block"})
	require.NoError(t, ex.Submit(context.Background(), first, desc))

	require.Eventually(t, func() bool { return ex.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)

	second := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "block"})
	require.NoError(t, ex.Submit(context.Background(), second, desc))

	third := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "block"})
	err := ex.Submit(context.Background(), third, desc)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryExecutorUnavailable, errors.CategoryOf(err))

	// The rejected run is failed in the ledger, not left queued.
	got, err := l.GetRun(context.Background(), third.ID)
	require.NoError(t, err)
	assert.Equal(t, work.StatusFailed, got.Status)
	assert.Equal(t, string(errors.CategoryExecutorUnavailable), got.ErrorCategory)
}

func TestLocalExecutorMaxConcurrent(t *testing.T) {
	l := ledger.NewMemoryLedger()
	block := make(chan struct{})
	desc := &registry.Descriptor{
		Name: "block",
		Handler: func(ctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			<-block
			return nil, nil
		},
	}

	// No lanes configured: MaxConcurrent sizes the implicit default lane.
	ex := NewLocalExecutor(LocalConfig{MaxConcurrent: 2}, l, nil, ResiliencePolicy{}, nil)
	defer func() {
		close(block)
		ex.Close()
	}()

	for i := 0; i < 3; i++ {
		run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "block"})
		require.NoError(t, ex.Submit(context.Background(), run, desc))
	}

	require.Eventually(t, func() bool { return ex.ActiveCount() == 2 }, time.Second, 5*time.Millisecond)

	// The third run stays queued behind the two workers.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, ex.ActiveCount())
	assert.Equal(t, 1, ex.QueueDepth(work.DefaultLane))
}

func TestLocalExecutorCancelRunning(t *testing.T) {
	l := ledger.NewMemoryLedger()
	started := make(chan struct{})
	desc := &registry.Descriptor{
		Name: "wait",
		Handler: func(ctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	ex := NewLocalExecutor(LocalConfig{}, l, nil, ResiliencePolicy{}, nil)
	defer ex.Close()

	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "wait"})
	require.NoError(t, ex.Submit(context.Background(), run, desc))

	<-started
	require.NoError(t, ex.Cancel(context.Background(), run.ID))

	got := waitTerminal(t, l, run.ID)
	assert.Equal(t, work.StatusCancelled, got.Status)
}

func TestLocalExecutorHeartbeatWatchdog(t *testing.T) {
	l := ledger.NewMemoryLedger()
	desc := &registry.Descriptor{
		Name: "silent",
		Handler: func(ctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	ex := NewLocalExecutor(LocalConfig{HeartbeatTimeout: 100 * time.Millisecond}, l, nil, ResiliencePolicy{}, nil)
	defer ex.Close()

	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "silent"})
	require.NoError(t, ex.Submit(context.Background(), run, desc))

	got := waitTerminal(t, l, run.ID)
	assert.Equal(t, work.StatusFailed, got.Status)
	assert.Equal(t, string(errors.CategoryTimeout), got.ErrorCategory)
}

func TestLocalExecutorDrain(t *testing.T) {
	l := ledger.NewMemoryLedger()
	var mu sync.Mutex
	completed := 0
	desc := &registry.Descriptor{
		Name: "count",
		Handler: func(ctx context.Context, params map[string]any, rep registry.ProgressReporter) (any, error) {
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			completed++
			mu.Unlock()
			return nil, nil
		},
	}

	ex := NewLocalExecutor(LocalConfig{
		Lanes: map[string]LaneConfig{
			work.DefaultLane: {Workers: 2, QueueSize: 16},
		},
	}, l, nil, ResiliencePolicy{}, nil)
	defer ex.Close()

	for i := 0; i < 4; i++ {
		run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "count"})
		require.NoError(t, ex.Submit(context.Background(), run, desc))
	}

	require.NoError(t, ex.Drain(context.Background(), 5*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, completed)

	// Draining executor rejects new work.
	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "count"})
	err := ex.Submit(context.Background(), run, desc)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryExecutorUnavailable, errors.CategoryOf(err))
}

func TestLocalExecutorMetricsAccessors(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ex := NewLocalExecutor(LocalConfig{
		Lanes: map[string]LaneConfig{
			"fast": {Workers: 1},
			"slow": {Workers: 1},
		},
	}, l, nil, ResiliencePolicy{}, nil)
	defer ex.Close()

	assert.ElementsMatch(t, []string{"fast", "slow"}, ex.Lanes())
	assert.Zero(t, ex.ActiveCount())
	assert.Zero(t, ex.QueueDepth("fast"))
	assert.Zero(t, ex.QueueDepth("unknown"))
}

func TestReporterTouchesLiveness(t *testing.T) {
	l := ledger.NewMemoryLedger()
	run := pendingRun(t, l, work.Spec{Kind: work.KindTask, Name: "p"})

	rep := newReporter(l, nil, run.ID, "test")
	before := rep.LastBeat()

	time.Sleep(5 * time.Millisecond)
	rep.Progress(context.Background(), map[string]any{"pct": 10})
	assert.True(t, rep.LastBeat().After(before))

	rep.Heartbeat(context.Background())

	events, err := l.GetEvents(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, work.EventProgress, events[1].Type)
	assert.Equal(t, work.EventHeartbeat, events[2].Type)
}
