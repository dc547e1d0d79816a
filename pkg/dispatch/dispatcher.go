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

// Package dispatch accepts work specifications and routes them through
// validation, idempotency, the concurrency guard, and executor selection.
// The dispatcher is the only component that creates run records; once an
// executor accepts a run, the executor owns its transitions.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/runbeam/dispatch/pkg/dlq"
	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/executor"
	"github.com/runbeam/dispatch/pkg/ledger"
	"github.com/runbeam/dispatch/pkg/registry"
	"github.com/runbeam/dispatch/pkg/resilience"
	"github.com/runbeam/dispatch/pkg/work"
)

// Metrics records dispatcher-level observations. Implementations must be
// safe for concurrent use; a nil Metrics disables recording.
type Metrics interface {
	RecordSubmit(kind, name, lane string)
	RecordFinish(kind, name, status, category string, duration time.Duration)
	RecordDLQMove(name, reason string)
}

// Config wires the dispatcher's collaborators.
type Config struct {
	Registry *registry.Registry
	Ledger   ledger.Ledger
	Guard    resilience.ConcurrencyGuard
	Logger   *slog.Logger
	Metrics  Metrics

	// DLQ receives failed runs with their retry budget exhausted.
	// Nil disables dead-lettering.
	DLQ *dlq.Manager

	// DefaultExecutor receives runs whose lane has no dedicated executor.
	DefaultExecutor executor.Executor

	// LaneExecutors routes specific lanes to dedicated executors.
	LaneExecutors map[string]executor.Executor
}

// Dispatcher validates, records, and routes work.
type Dispatcher struct {
	registry  *registry.Registry
	ledger    ledger.Ledger
	guard     resilience.ConcurrencyGuard
	logger    *slog.Logger
	metrics   Metrics
	dlq       *dlq.Manager
	defaultEx executor.Executor
	laneEx    map[string]executor.Executor
}

// Compile-time check: the dispatcher is the DLQ's resubmission path.
var _ dlq.Submitter = (*Dispatcher)(nil)

// New creates a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, &errors.ConfigError{Key: "registry", Reason: "registry is required"}
	}
	if cfg.Ledger == nil {
		return nil, &errors.ConfigError{Key: "ledger", Reason: "ledger is required"}
	}
	if cfg.DefaultExecutor == nil {
		return nil, &errors.ConfigError{Key: "executor", Reason: "a default executor is required"}
	}
	if cfg.Guard == nil {
		cfg.Guard = resilience.NewMemoryGuard()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		registry:  cfg.Registry,
		ledger:    cfg.Ledger,
		guard:     cfg.Guard,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		dlq:       cfg.DLQ,
		defaultEx: cfg.DefaultExecutor,
		laneEx:    cfg.LaneExecutors,
	}, nil
}

// Submit accepts a spec for execution. When the spec carries an
// idempotency key already held by an active or completed run, that run
// returns without a new submission.
func (d *Dispatcher) Submit(ctx context.Context, spec work.Spec) (*work.Run, error) {
	return d.submit(ctx, spec, "", 0)
}

// Resubmit implements dlq.Submitter: the spec runs again as a fresh run
// linked to the original through retry_of_run_id.
func (d *Dispatcher) Resubmit(ctx context.Context, spec work.Spec, retryOfRunID string) (*work.Run, error) {
	attempt := 0
	if retryOfRunID != "" {
		orig, err := d.ledger.GetRun(ctx, retryOfRunID)
		if err != nil {
			return nil, err
		}
		attempt = orig.Attempt + 1
	}
	return d.submit(ctx, spec, retryOfRunID, attempt)
}

// Retry creates a new run from a terminally failed or cancelled run.
func (d *Dispatcher) Retry(ctx context.Context, runID string) (*work.Run, error) {
	orig, err := d.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if orig.Status != work.StatusFailed && orig.Status != work.StatusCancelled {
		return nil, &errors.ValidationError{
			Field:      "run_id",
			Message:    fmt.Sprintf("run %s is %s; only failed or cancelled runs retry", runID, orig.Status),
			Suggestion: "cancel the run first if it is still active",
		}
	}
	return d.submit(ctx, orig.Spec, runID, orig.Attempt+1)
}

func (d *Dispatcher) submit(ctx context.Context, spec work.Spec, retryOf string, attempt int) (*work.Run, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	// Idempotency: an active or completed run holds the key; failed and
	// cancelled runs free it.
	if spec.IdempotencyKey != "" {
		existing, err := d.ledger.FindActiveByIdempotency(ctx, spec.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup failed: %w", err)
		}
		if existing != nil {
			d.logger.Debug("submission deduplicated",
				"idempotency_key", spec.IdempotencyKey, "run_id", existing.ID)
			return existing, nil
		}
	}

	// Resolve the handler before recording anything: a registry miss is
	// a synchronous submission failure, not a failed run.
	desc, err := d.registry.Get(spec.Kind, spec.Name)
	if err != nil {
		return nil, err
	}

	run := &work.Run{
		ID:           uuid.NewString(),
		Spec:         spec,
		Status:       work.StatusPending,
		Attempt:      attempt,
		RetryOfRunID: retryOf,
		CreatedAt:    time.Now().UTC(),
	}

	// Concurrency guard: at most one active run per declared entity. A
	// conflict is a synchronous submission failure; no run is recorded.
	entityType, entityID, hasEntity := spec.Entity()
	if hasEntity {
		acquired, err := d.guard.Acquire(ctx, entityType, entityID)
		if err != nil {
			return nil, errors.WithCause(errors.CategoryInternal, err, "guard acquire")
		}
		if !acquired {
			return nil, errors.Newf(errors.CategoryConcurrencyConflict,
				"active run exists for %s/%s", entityType, entityID)
		}
		// The guard only sees this process. The ledger count catches
		// active runs recorded by other processes on a shared backend.
		active, err := d.ledger.CountActiveByEntity(ctx, entityType, entityID)
		if err != nil {
			d.guard.Release(ctx, entityType, entityID)
			return nil, errors.WithCause(errors.CategoryInternal, err, "entity lookup")
		}
		if active > 0 {
			d.guard.Release(ctx, entityType, entityID)
			return nil, errors.Newf(errors.CategoryConcurrencyConflict,
				"active run exists for %s/%s", entityType, entityID)
		}
	}

	if err := d.ledger.CreateRun(ctx, run); err != nil {
		if hasEntity {
			d.guard.Release(ctx, entityType, entityID)
		}
		// A storage-level unique violation means another process won an
		// idempotency or entity race.
		if errors.CategoryOf(err) == errors.CategoryConcurrencyConflict && spec.IdempotencyKey != "" {
			if existing, lookupErr := d.ledger.FindActiveByIdempotency(ctx, spec.IdempotencyKey); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	if d.metrics != nil {
		d.metrics.RecordSubmit(string(spec.Kind), spec.Name, spec.EffectiveLane())
	}
	d.logger.Info("run submitted",
		"run_id", run.ID, "kind", string(spec.Kind), "name", spec.Name,
		"lane", spec.EffectiveLane(), "priority", string(spec.EffectivePriority()))

	ex := d.executorFor(spec.EffectiveLane())
	if err := ex.Submit(ctx, run, desc); err != nil {
		d.recordAcceptanceFailure(ctx, run, err)
		if hasEntity {
			d.guard.Release(ctx, entityType, entityID)
		}
		return run, errors.WithCause(errors.CategoryExecutorUnavailable, err,
			"executor rejected run "+run.ID)
	}
	return run, nil
}

// recordAcceptanceFailure marks a run the executor refused. A false
// conditional update means the executor already wrote a failure.
func (d *Dispatcher) recordAcceptanceFailure(ctx context.Context, run *work.Run, cause error) {
	now := time.Now().UTC()
	category := errors.CategoryOf(cause)
	if category == errors.CategoryInternal {
		category = errors.CategoryExecutorUnavailable
	}
	update := ledger.StatusUpdate{
		Error:         cause.Error(),
		ErrorCategory: string(category),
		CompletedAt:   &now,
		EventSource:   "dispatcher",
	}
	ok, err := d.ledger.UpdateStatus(ctx, run.ID, run.Status, work.StatusFailed, update)
	if err != nil {
		d.logger.Error("failed to record acceptance failure", "run_id", run.ID, "error", err)
		return
	}
	if ok {
		run.Status = work.StatusFailed
		run.Error = cause.Error()
		run.ErrorCategory = string(category)
		run.CompletedAt = &now
	}
}

// Get returns the run by ID.
func (d *Dispatcher) Get(ctx context.Context, runID string) (*work.Run, error) {
	return d.ledger.GetRun(ctx, runID)
}

// Events returns the run's event log in timestamp order.
func (d *Dispatcher) Events(ctx context.Context, runID string) ([]work.Event, error) {
	return d.ledger.GetEvents(ctx, runID)
}

// List returns runs matching the filter, newest first.
func (d *Dispatcher) List(ctx context.Context, filter ledger.Filter) ([]*work.Run, error) {
	return d.ledger.ListRuns(ctx, filter)
}

// Cancel requests cancellation. Pending and queued runs cancel through
// the ledger directly; running runs are signalled through their executor.
// Cancelling a terminal run is a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) (*work.Run, error) {
	run, err := d.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	switch run.Status {
	case work.StatusPending, work.StatusQueued:
		now := time.Now().UTC()
		ok, err := d.ledger.UpdateStatus(ctx, runID, run.Status, work.StatusCancelled, ledger.StatusUpdate{
			ErrorCategory: string(errors.CategoryCancelled),
			CompletedAt:   &now,
			EventSource:   "dispatcher",
		})
		if err != nil {
			return nil, err
		}
		if ok {
			if entityType, entityID, hasEntity := run.Spec.Entity(); hasEntity {
				d.guard.Release(ctx, entityType, entityID)
			}
			d.executorFor(run.Spec.EffectiveLane()).Cancel(ctx, runID)
			return d.ledger.GetRun(ctx, runID)
		}
		// Lost the race; fall through to the current status.
		return d.Cancel(ctx, runID)
	case work.StatusRunning:
		if err := d.executorFor(run.Spec.EffectiveLane()).Cancel(ctx, runID); err != nil {
			return nil, err
		}
		return run, nil
	default:
		// Terminal statuses never change.
		return run, nil
	}
}

// Wait blocks until the run reaches a terminal status, the timeout
// expires, or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context, runID string, timeout time.Duration) (*work.Run, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timeoutCh = time.After(timeout)
	}

	for {
		run, err := d.ledger.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-timeoutCh:
			return run, &errors.TimeoutError{Operation: "wait", Duration: timeout}
		case <-ticker.C:
		}
	}
}

// Health checks every wired executor concurrently.
func (d *Dispatcher) Health(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.defaultEx.Health(gctx)
	})
	for lane, ex := range d.laneEx {
		g.Go(func() error {
			if err := ex.Health(gctx); err != nil {
				return fmt.Errorf("lane %s: %w", lane, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// HandleFinish is the executors' OnFinish hook: it releases the
// concurrency guard and routes exhausted failures to the DLQ.
func (d *Dispatcher) HandleFinish(ctx context.Context, run *work.Run) {
	if entityType, entityID, hasEntity := run.Spec.Entity(); hasEntity {
		d.guard.Release(ctx, entityType, entityID)
	}

	if d.metrics != nil {
		d.metrics.RecordFinish(string(run.Spec.Kind), run.Spec.Name,
			string(run.Status), run.ErrorCategory, run.Duration())
	}

	if run.Status == work.StatusFailed && d.dlq != nil && deadLetterable(run.ErrorCategory) {
		if _, err := d.dlq.Move(ctx, run, "retries_exhausted"); err != nil {
			d.logger.Error("failed to move run to dlq", "run_id", run.ID, "error", err)
		} else if d.metrics != nil {
			d.metrics.RecordDLQMove(run.Spec.Name, "retries_exhausted")
		}
	}
}

// deadLetterable excludes failures where resubmitting the same spec can
// never help without operator changes to the submission itself.
func deadLetterable(category string) bool {
	switch errors.Category(category) {
	case errors.CategoryValidation, errors.CategoryConcurrencyConflict, errors.CategoryCancelled:
		return false
	}
	return true
}

func (d *Dispatcher) executorFor(lane string) executor.Executor {
	if ex, ok := d.laneEx[lane]; ok {
		return ex
	}
	return d.defaultEx
}
