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
	"time"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/ledger"
	"github.com/runbeam/dispatch/pkg/registry"
	"github.com/runbeam/dispatch/pkg/work"
)

// MemoryExecutor runs handlers synchronously in the caller's goroutine.
// The run reaches a terminal status before Submit returns, and no
// external reference is recorded. Intended for tests and embedded use.
type MemoryExecutor struct {
	invoker *Invoker

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
	active  int
	closed  bool
}

// NewMemoryExecutor creates a synchronous in-process executor.
func NewMemoryExecutor(l ledger.Ledger, logger *slog.Logger, policy ResiliencePolicy, onFinish FinishFunc) *MemoryExecutor {
	m := &MemoryExecutor{
		cancels: make(map[string]context.CancelCauseFunc),
	}
	m.invoker = &Invoker{
		Ledger:   l,
		Logger:   logger,
		Policy:   policy,
		Source:   "memory",
		OnFinish: onFinish,
	}
	return m
}

// Name implements Executor.
func (m *MemoryExecutor) Name() string { return "memory" }

// Submit implements Executor. The run completes before Submit returns.
func (m *MemoryExecutor) Submit(ctx context.Context, run *work.Run, desc *registry.Descriptor) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.Newf(errors.CategoryExecutorUnavailable, "memory executor is closed")
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	m.cancels[run.ID] = cancel
	m.active++
	m.mu.Unlock()

	defer func() {
		cancel(nil)
		m.mu.Lock()
		delete(m.cancels, run.ID)
		m.active--
		m.mu.Unlock()
	}()

	return m.invoker.Invoke(runCtx, run, desc, work.StatusPending)
}

// Cancel implements Executor. Useful only from another goroutine, since
// Submit blocks for the duration of the run.
func (m *MemoryExecutor) Cancel(ctx context.Context, runID string) error {
	m.mu.Lock()
	cancel, ok := m.cancels[runID]
	m.mu.Unlock()
	if ok {
		cancel(errors.ErrCancelled)
	}
	return nil
}

// Health implements Executor.
func (m *MemoryExecutor) Health(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.Newf(errors.CategoryExecutorUnavailable, "memory executor is closed")
	}
	return nil
}

// Drain implements Executor.
func (m *MemoryExecutor) Drain(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		active := m.active
		m.mu.Unlock()
		if active == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return &errors.TimeoutError{Operation: "drain", Duration: timeout}
		case <-ticker.C:
		}
	}
}

// Close implements Executor.
func (m *MemoryExecutor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
