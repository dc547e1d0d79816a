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

// Package dlq manages the dead letter queue: immutable snapshots of runs
// that failed with their retry budget exhausted, kept for inspection and
// manual reprocessing.
package dlq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/ledger"
	"github.com/runbeam/dispatch/pkg/work"
)

// Submitter resubmits a dead-lettered spec as a fresh run. The dispatcher
// implements it; the indirection keeps this package free of a dependency
// on submission internals.
type Submitter interface {
	Resubmit(ctx context.Context, spec work.Spec, retryOfRunID string) (*work.Run, error)
}

// Manager moves failed runs into the DLQ and reprocesses entries on
// request. Entries are never mutated; reprocessing creates a new run and
// leaves the entry in place until purged.
type Manager struct {
	store  ledger.DLQStore
	ledger ledger.Ledger
	logger *slog.Logger

	mu        sync.RWMutex
	submitter Submitter
}

// NewManager creates a DLQ manager. The submitter is wired after the
// dispatcher exists; Reprocess fails until then.
func NewManager(store ledger.DLQStore, l ledger.Ledger, logger *slog.Logger) *Manager {
	return &Manager{store: store, ledger: l, logger: logger}
}

// SetSubmitter wires the resubmission path.
func (m *Manager) SetSubmitter(s Submitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitter = s
}

// Move snapshots a terminally-failed run into the DLQ and appends a
// dlq_moved event to the run.
func (m *Manager) Move(ctx context.Context, run *work.Run, reason string) (*ledger.DLQEntry, error) {
	if run == nil || !run.Terminal() {
		return nil, &errors.ValidationError{Field: "run", Message: "only terminal runs move to the DLQ"}
	}

	entry := &ledger.DLQEntry{
		ID:         uuid.NewString(),
		RunID:      run.ID,
		Spec:       run.Spec,
		Reason:     reason,
		Error:      run.Error,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := m.store.CreateDLQEntry(ctx, entry); err != nil {
		return nil, err
	}

	err := m.ledger.AppendEvent(ctx, work.Event{
		RunID:  run.ID,
		Type:   work.EventDLQMoved,
		Data:   map[string]any{"dlq_id": entry.ID, "reason": reason},
		Source: "dlq",
	})
	if err != nil && m.logger != nil {
		m.logger.Warn("failed to append dlq_moved event", "run_id", run.ID, "error", err)
	}

	if m.logger != nil {
		m.logger.Info("run moved to dlq",
			"run_id", run.ID, "dlq_id", entry.ID, "reason", reason)
	}
	return entry, nil
}

// Get returns a single DLQ entry.
func (m *Manager) Get(ctx context.Context, id string) (*ledger.DLQEntry, error) {
	return m.store.GetDLQEntry(ctx, id)
}

// List returns DLQ entries, newest first.
func (m *Manager) List(ctx context.Context, filter ledger.DLQFilter) ([]*ledger.DLQEntry, error) {
	return m.store.ListDLQ(ctx, filter)
}

// Reprocess resubmits an entry's spec as a new run linked to the original
// through retry_of_run_id, and appends a dlq_reprocessed event to the
// original run. Reprocessed entries stay in the DLQ; submission order
// across entries is not preserved.
func (m *Manager) Reprocess(ctx context.Context, id string) (*work.Run, error) {
	m.mu.RLock()
	submitter := m.submitter
	m.mu.RUnlock()
	if submitter == nil {
		return nil, errors.Newf(errors.CategoryInternal, "dlq reprocessing is not wired to a submitter")
	}

	entry, err := m.store.GetDLQEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	run, err := submitter.Resubmit(ctx, entry.Spec, entry.RunID)
	if err != nil {
		return nil, err
	}

	err = m.ledger.AppendEvent(ctx, work.Event{
		RunID:  entry.RunID,
		Type:   work.EventDLQReprocessed,
		Data:   map[string]any{"dlq_id": entry.ID, "new_run_id": run.ID},
		Source: "dlq",
	})
	if err != nil && m.logger != nil {
		m.logger.Warn("failed to append dlq_reprocessed event", "run_id", entry.RunID, "error", err)
	}
	return run, nil
}

// Purge removes entries enqueued before the cutoff and returns the count.
func (m *Manager) Purge(ctx context.Context, before time.Time) (int, error) {
	removed, err := m.store.PurgeDLQ(ctx, before)
	if err != nil {
		return 0, err
	}
	if removed > 0 && m.logger != nil {
		m.logger.Info("purged dlq entries", "removed", removed, "before", before.Format(time.RFC3339))
	}
	return removed, nil
}

// RetentionLoop purges entries older than retention on the given
// interval until ctx is done. Run it in its own goroutine.
func (m *Manager) RetentionLoop(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Purge(ctx, time.Now().Add(-retention)); err != nil && m.logger != nil {
				m.logger.Warn("dlq retention purge failed", "error", err)
			}
		}
	}
}
