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
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/ledger"
	"github.com/runbeam/dispatch/pkg/registry"
	"github.com/runbeam/dispatch/pkg/resilience"
	"github.com/runbeam/dispatch/pkg/work"
)

// DefaultTimeout caps handler execution when neither the spec nor the
// handler declares one.
const DefaultTimeout = 30 * time.Minute

// ResiliencePolicy configures the per-invocation resilience chain. The
// chain applies in a fixed order around the handler: circuit breaker,
// then rate limiter, then retry. Nil fields disable the primitive.
type ResiliencePolicy struct {
	// DefaultTimeout is the fallback per-attempt timeout.
	DefaultTimeout time.Duration

	// Backoff computes retry delays. Nil retries without delay.
	Backoff resilience.Backoff

	// Jitter randomises retry delays.
	Jitter resilience.Jitter

	// BreakerFor returns the circuit breaker for a handler name, or nil.
	BreakerFor func(handler string) *resilience.Breaker

	// LimiterFor returns the rate limiter for a lane, or nil.
	LimiterFor func(lane string) resilience.Limiter

	// BlockingLimiter makes denied calls wait for admission instead of
	// failing with rate_limited.
	BlockingLimiter bool
}

// FinishFunc is called after the terminal status is written. The run
// snapshot reflects the terminal state.
type FinishFunc func(ctx context.Context, run *work.Run)

// Invoker executes one handler invocation under the resilience chain and
// owns the run's status transitions from acceptance to terminal.
type Invoker struct {
	Ledger ledger.Ledger
	Logger *slog.Logger
	Policy ResiliencePolicy

	// Source labels emitted events and the run's executor_name.
	Source string

	// OnFinish is invoked after every terminal transition.
	OnFinish FinishFunc
}

// Invoke transitions the run from its current status to running, executes
// the handler under the chain, and writes the terminal status. A false
// conditional update on the running transition means the run was cancelled
// concurrently; the invocation is skipped without error.
func (inv *Invoker) Invoke(ctx context.Context, run *work.Run, desc *registry.Descriptor, from work.Status) error {
	rep := newReporter(inv.Ledger, inv.Logger, run.ID, inv.Source)
	return inv.invokeWith(ctx, run, desc, from, rep)
}

// invokeWith is Invoke with a caller-owned reporter, so the local
// executor's heartbeat watchdog can observe liveness.
func (inv *Invoker) invokeWith(ctx context.Context, run *work.Run, desc *registry.Descriptor, from work.Status, rep *reporter) error {
	ctx = work.WithRunID(ctx, run.ID)

	ctx, span := otel.Tracer("github.com/runbeam/dispatch/pkg/executor").Start(ctx, "run.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("run.kind", string(run.Spec.Kind)),
			attribute.String("run.name", run.Spec.Name),
			attribute.String("run.lane", run.Spec.EffectiveLane()),
		))
	defer func() {
		span.SetAttributes(attribute.String("run.status", string(run.Status)))
		if run.Status == work.StatusFailed {
			span.SetStatus(codes.Error, run.Error)
		}
		span.End()
	}()

	started := time.Now().UTC()
	ok, err := inv.Ledger.UpdateStatus(ctx, run.ID, from, work.StatusRunning, ledger.StatusUpdate{
		StartedAt:    &started,
		ExecutorName: inv.Source,
		EventSource:  inv.Source,
	})
	if err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	if !ok {
		// Lost the race with a cancel; nothing to do.
		return nil
	}
	run.Status = work.StatusRunning
	run.StartedAt = &started
	run.ExecutorName = inv.Source

	invocations := 0
	thunk := inv.chain(run, desc, rep, &invocations)

	result, invErr := thunk(ctx)

	// A dead parent context overrides the chain's classification: the
	// cancel cause distinguishes explicit cancellation from a heartbeat
	// watchdog timeout.
	if invErr != nil && ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil && !stderrors.Is(cause, context.Canceled) {
			invErr = cause
		}
	}

	return inv.finish(ctx, run, result, invErr, invocations)
}

// chain builds the resilience-wrapped handler thunk. invocations counts
// handler calls so the terminal update can record the final attempt.
func (inv *Invoker) chain(run *work.Run, desc *registry.Descriptor, rep *reporter, invocations *int) resilience.Thunk {
	timeout := effectiveTimeout(run.Spec, desc, inv.Policy.DefaultTimeout)

	base := func(ctx context.Context) (any, error) {
		*invocations++
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		result, err := desc.Handler(attemptCtx, run.Spec.Params, rep)
		if err == nil {
			return result, nil
		}
		// Per-attempt deadline, with the parent still alive, is a
		// retryable timeout.
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &errors.TimeoutError{Operation: "handler", Duration: timeout, Cause: err}
		}
		if errors.CategoryOf(err) == errors.CategoryInternal && desc.RetryTransientByDefault {
			return nil, errors.WithCause(errors.CategoryTransient, err, "handler failed")
		}
		return nil, err
	}

	maxRetries := desc.MaxRetries
	if run.Spec.MaxRetries > 0 {
		maxRetries = run.Spec.MaxRetries
	}
	retry := &resilience.Retry{
		MaxRetries: maxRetries,
		Backoff:    inv.Policy.Backoff,
		Jitter:     inv.Policy.Jitter,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			inv.appendEvent(run.ID, work.EventRetrying, map[string]any{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"error":    err.Error(),
			})
		},
	}

	var middlewares []resilience.Middleware
	if inv.Policy.BreakerFor != nil {
		if breaker := inv.Policy.BreakerFor(desc.Name); breaker != nil {
			middlewares = append(middlewares, breaker)
		}
	}
	if inv.Policy.LimiterFor != nil {
		if limiter := inv.Policy.LimiterFor(run.Spec.EffectiveLane()); limiter != nil {
			middlewares = append(middlewares, &resilience.RateLimit{
				Limiter:  limiter,
				Blocking: inv.Policy.BlockingLimiter,
			})
		}
	}
	middlewares = append(middlewares, retry)

	return resilience.Chain(base, middlewares...)
}

// finish writes the terminal status and fires OnFinish.
func (inv *Invoker) finish(ctx context.Context, run *work.Run, result any, invErr error, invocations int) error {
	// Terminal writes must land even when the run context is dead.
	writeCtx := context.WithoutCancel(ctx)
	completed := time.Now().UTC()

	var to work.Status
	update := ledger.StatusUpdate{
		CompletedAt: &completed,
		EventSource: inv.Source,
	}
	// In-run retries advance the attempt counter from the run's starting
	// attempt (1 for a fresh submission, higher for resubmissions).
	if invocations > 1 {
		base := run.Attempt
		if base < 1 {
			base = 1
		}
		update.Attempt = base + invocations - 1
	}

	switch {
	case invErr == nil:
		to = work.StatusCompleted
		update.Result = result
	case errors.CategoryOf(invErr) == errors.CategoryCancelled:
		to = work.StatusCancelled
		update.Error = invErr.Error()
		update.ErrorCategory = string(errors.CategoryCancelled)
	default:
		to = work.StatusFailed
		update.Error = invErr.Error()
		update.ErrorType = fmt.Sprintf("%T", invErr)
		update.ErrorCategory = string(errors.CategoryOf(invErr))
	}

	ok, err := inv.Ledger.UpdateStatus(writeCtx, run.ID, work.StatusRunning, to, update)
	if err != nil {
		return fmt.Errorf("failed to finalise run %s: %w", run.ID, err)
	}
	if !ok {
		// Already terminal; keep the first writer's outcome.
		return nil
	}

	run.Status = to
	run.CompletedAt = &completed
	if update.Attempt > 0 {
		run.Attempt = update.Attempt
	}
	if invErr == nil {
		run.Result = result
	} else {
		run.Error = update.Error
		run.ErrorType = update.ErrorType
		run.ErrorCategory = update.ErrorCategory
	}

	if inv.Logger != nil {
		inv.Logger.Info("run finished",
			"run_id", run.ID,
			"name", run.Spec.Name,
			"status", string(to),
			"duration_ms", completed.Sub(*run.StartedAt).Milliseconds())
	}

	if inv.OnFinish != nil {
		inv.OnFinish(writeCtx, run)
	}
	return nil
}

func (inv *Invoker) appendEvent(runID string, eventType work.EventType, data map[string]any) {
	err := inv.Ledger.AppendEvent(context.Background(), work.Event{
		RunID:  runID,
		Type:   eventType,
		Data:   data,
		Source: inv.Source,
	})
	if err != nil && inv.Logger != nil {
		inv.Logger.Warn("failed to append event", "run_id", runID, "error", err)
	}
}

// effectiveTimeout resolves the per-attempt timeout: the spec override
// wins, then the handler's declared timeout, then the system default.
func effectiveTimeout(spec work.Spec, desc *registry.Descriptor, fallback time.Duration) time.Duration {
	if spec.TimeoutSeconds > 0 {
		return time.Duration(spec.TimeoutSeconds) * time.Second
	}
	if desc.TimeoutSeconds > 0 {
		return time.Duration(desc.TimeoutSeconds) * time.Second
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultTimeout
}
