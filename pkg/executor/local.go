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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/ledger"
	"github.com/runbeam/dispatch/pkg/registry"
	"github.com/runbeam/dispatch/pkg/work"
)

// LaneConfig sizes one lane of the local executor.
type LaneConfig struct {
	// Workers is the number of concurrent runs in the lane.
	Workers int

	// QueueSize bounds the lane's backlog (0 = unbounded).
	QueueSize int
}

// LocalConfig configures the local executor.
type LocalConfig struct {
	// MaxConcurrent is the worker count for the implicit default lane
	// and for lanes that leave Workers unset. Zero falls back to 4.
	MaxConcurrent int

	// Lanes maps lane names to their sizing. When empty a single
	// default lane is created.
	Lanes map[string]LaneConfig

	// HeartbeatTimeout cancels runs whose handler has not reported
	// progress or a heartbeat within the window. Zero disables the
	// watchdog; handlers that never report must leave it disabled.
	HeartbeatTimeout time.Duration
}

const (
	defaultLaneWorkers = 4
	defaultLaneQueue   = 256
)

type lane struct {
	name  string
	queue *laneQueue
}

// activeRun is a run currently held by a worker.
type activeRun struct {
	cancel   context.CancelCauseFunc
	reporter *reporter
}

// LocalExecutor executes runs asynchronously on per-lane bounded worker
// pools. Runs are accepted into a lane queue in priority order; workers
// dequeue, execute under the resilience chain, and write the terminal
// status. Cancellation signals the run's context; a configured heartbeat
// watchdog cancels silent runs with a timeout failure.
type LocalExecutor struct {
	invoker *Invoker
	logger  *slog.Logger
	cfg     LocalConfig

	lanes map[string]*lane

	mu      sync.Mutex
	running map[string]*activeRun

	active   atomic.Int64
	draining atomic.Bool
	closed   atomic.Bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewLocalExecutor creates and starts a local executor. Worker pools and
// the watchdog run until Close.
func NewLocalExecutor(cfg LocalConfig, l ledger.Ledger, logger *slog.Logger, policy ResiliencePolicy, onFinish FinishFunc) *LocalExecutor {
	defaultWorkers := cfg.MaxConcurrent
	if defaultWorkers <= 0 {
		defaultWorkers = defaultLaneWorkers
	}
	if len(cfg.Lanes) == 0 {
		cfg.Lanes = map[string]LaneConfig{
			work.DefaultLane: {Workers: defaultWorkers, QueueSize: defaultLaneQueue},
		}
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	e := &LocalExecutor{
		logger:     logger,
		cfg:        cfg,
		lanes:      make(map[string]*lane, len(cfg.Lanes)),
		running:    make(map[string]*activeRun),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	e.invoker = &Invoker{
		Ledger:   l,
		Logger:   logger,
		Policy:   policy,
		Source:   "local",
		OnFinish: onFinish,
	}

	for name, laneCfg := range cfg.Lanes {
		workers := laneCfg.Workers
		if workers <= 0 {
			workers = defaultWorkers
		}
		ln := &lane{name: name, queue: newLaneQueue(laneCfg.QueueSize)}
		e.lanes[name] = ln
		for i := 0; i < workers; i++ {
			e.wg.Add(1)
			go e.worker(ln)
		}
	}

	if cfg.HeartbeatTimeout > 0 {
		e.wg.Add(1)
		go e.watchdog(cfg.HeartbeatTimeout)
	}
	return e
}

// Name implements Executor.
func (e *LocalExecutor) Name() string { return "local" }

// Submit implements Executor. The run transitions to queued before
// Submit returns; execution proceeds asynchronously.
func (e *LocalExecutor) Submit(ctx context.Context, run *work.Run, desc *registry.Descriptor) error {
	if e.closed.Load() || e.draining.Load() {
		return errors.Newf(errors.CategoryExecutorUnavailable, "local executor is draining")
	}

	ln := e.resolveLane(run.Spec.EffectiveLane())
	externalRef := "local:" + ln.name

	ok, err := e.invoker.Ledger.UpdateStatus(ctx, run.ID, work.StatusPending, work.StatusQueued, ledger.StatusUpdate{
		ExternalRef:  externalRef,
		ExecutorName: e.invoker.Source,
		EventSource:  e.invoker.Source,
	})
	if err != nil {
		return errors.WithCause(errors.CategoryExecutorUnavailable, err, "failed to queue run")
	}
	if !ok {
		// Cancelled between creation and acceptance; nothing to run.
		return nil
	}
	run.Status = work.StatusQueued
	run.ExternalRef = externalRef
	run.ExecutorName = e.invoker.Source

	if err := ln.queue.Enqueue(&item{run: run, desc: desc}); err != nil {
		// Accepted into the ledger but not into the queue: fail the run
		// here so the record matches reality.
		completed := time.Now().UTC()
		_, _ = e.invoker.Ledger.UpdateStatus(ctx, run.ID, work.StatusQueued, work.StatusFailed, ledger.StatusUpdate{
			Error:         err.Error(),
			ErrorCategory: string(errors.CategoryExecutorUnavailable),
			CompletedAt:   &completed,
			EventSource:   e.invoker.Source,
		})
		return errors.WithCause(errors.CategoryExecutorUnavailable, err, "lane "+ln.name+" rejected run")
	}
	return nil
}

// Cancel implements Executor. Running runs get their context cancelled
// with an explicit cancellation cause; queued runs are handled by the
// ledger's conditional update when the worker picks them up.
func (e *LocalExecutor) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	active, ok := e.running[runID]
	e.mu.Unlock()
	if ok {
		active.cancel(errors.ErrCancelled)
	}
	return nil
}

// Health implements Executor.
func (e *LocalExecutor) Health(ctx context.Context) error {
	if e.closed.Load() {
		return errors.Newf(errors.CategoryExecutorUnavailable, "local executor is closed")
	}
	if e.draining.Load() {
		return errors.Newf(errors.CategoryExecutorUnavailable, "local executor is draining")
	}
	return nil
}

// Drain implements Executor. New submissions are rejected; queued and
// running work finishes within the timeout.
func (e *LocalExecutor) Drain(ctx context.Context, timeout time.Duration) error {
	e.draining.Store(true)

	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			remaining := e.ActiveCount() + e.queuedCount()
			if remaining > 0 {
				return errors.Newf(errors.CategoryTimeout, "drain timeout: %d run(s) still active", remaining)
			}
			return nil
		case <-ticker.C:
			if e.ActiveCount() == 0 && e.queuedCount() == 0 {
				return nil
			}
		}
	}
}

// Close implements Executor. Stops workers and the watchdog. In-flight
// handler contexts are cancelled.
func (e *LocalExecutor) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	for _, ln := range e.lanes {
		ln.queue.Close()
	}
	e.baseCancel()
	e.wg.Wait()
	return nil
}

// ActiveCount returns the number of runs currently executing.
func (e *LocalExecutor) ActiveCount() int {
	return int(e.active.Load())
}

// QueueDepth returns the backlog of one lane, or 0 for unknown lanes.
func (e *LocalExecutor) QueueDepth(laneName string) int {
	if ln, ok := e.lanes[laneName]; ok {
		return ln.queue.Len()
	}
	return 0
}

// Lanes returns the configured lane names.
func (e *LocalExecutor) Lanes() []string {
	names := make([]string, 0, len(e.lanes))
	for name := range e.lanes {
		names = append(names, name)
	}
	return names
}

func (e *LocalExecutor) queuedCount() int {
	total := 0
	for _, ln := range e.lanes {
		total += ln.queue.Len()
	}
	return total
}

// resolveLane maps a spec lane to a configured lane, falling back to the
// default lane and then to any lane.
func (e *LocalExecutor) resolveLane(name string) *lane {
	if ln, ok := e.lanes[name]; ok {
		return ln
	}
	if ln, ok := e.lanes[work.DefaultLane]; ok {
		return ln
	}
	for _, ln := range e.lanes {
		return ln
	}
	return nil
}

// worker pulls runs off the lane queue until the queue closes.
func (e *LocalExecutor) worker(ln *lane) {
	defer e.wg.Done()
	for {
		it, err := ln.queue.Dequeue(e.baseCtx)
		if err != nil {
			return
		}
		e.execute(ln, it)
	}
}

func (e *LocalExecutor) execute(ln *lane, it *item) {
	runCtx, cancel := context.WithCancelCause(e.baseCtx)
	defer cancel(nil)

	rep := newReporter(e.invoker.Ledger, e.logger, it.run.ID, e.invoker.Source)

	e.mu.Lock()
	e.running[it.run.ID] = &activeRun{cancel: cancel, reporter: rep}
	e.mu.Unlock()
	e.active.Add(1)

	defer func() {
		e.mu.Lock()
		delete(e.running, it.run.ID)
		e.mu.Unlock()
		e.active.Add(-1)
	}()

	if err := e.invoker.invokeWith(runCtx, it.run, it.desc, work.StatusQueued, rep); err != nil && e.logger != nil {
		e.logger.Error("run invocation failed",
			"run_id", it.run.ID, "lane", ln.name, "error", err)
	}
}

// watchdog cancels runs whose handlers have gone silent for longer than
// the heartbeat timeout. The cancel cause carries a timeout failure so
// the run fails with category timeout, not cancelled.
func (e *LocalExecutor) watchdog(timeout time.Duration) {
	defer e.wg.Done()

	interval := timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.baseCtx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			e.mu.Lock()
			for runID, active := range e.running {
				if now.Sub(active.reporter.LastBeat()) > timeout {
					if e.logger != nil {
						e.logger.Warn("heartbeat timeout, cancelling run",
							"run_id", runID, "timeout", timeout.String())
					}
					active.cancel(&errors.TimeoutError{Operation: "heartbeat", Duration: timeout})
				}
			}
			e.mu.Unlock()
		}
	}
}
