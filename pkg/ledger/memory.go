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

package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/work"
)

// MemoryLedger is an in-memory ledger. It is thread-safe and suitable for
// tests and single-process deployments without durability requirements.
type MemoryLedger struct {
	mu       sync.RWMutex
	runs     map[string]*work.Run
	order    []string // insertion order of run IDs
	events   map[string][]work.Event
	eventIDs map[string]bool
	dlq      map[string]*DLQEntry
	dlqOrder []string
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		runs:     make(map[string]*work.Run),
		events:   make(map[string][]work.Event),
		eventIDs: make(map[string]bool),
		dlq:      make(map[string]*DLQEntry),
	}
}

// CreateRun implements Ledger.
func (m *MemoryLedger) CreateRun(ctx context.Context, run *work.Run) error {
	if run == nil || run.ID == "" {
		return &errors.ValidationError{Field: "run_id", Message: "run ID cannot be empty"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return errors.Newf(errors.CategoryInternal, "duplicate run ID %s", run.ID)
	}
	if run.Status == "" {
		run.Status = work.StatusPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Attempt == 0 {
		run.Attempt = 1
	}

	m.runs[run.ID] = copyRun(run)
	m.order = append(m.order, run.ID)
	m.appendEventLocked(work.Event{
		RunID:     run.ID,
		Type:      work.EventSubmitted,
		Timestamp: run.CreatedAt,
		Source:    "ledger",
	})
	return nil
}

// UpdateStatus implements Ledger. The conditional update and event append
// happen under one lock, making the transition atomic.
func (m *MemoryLedger) UpdateStatus(ctx context.Context, runID string, from, to work.Status, update StatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, exists := m.runs[runID]
	if !exists {
		return false, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if run.Status != from || !work.CanTransition(from, to) {
		return false, nil
	}

	run.Status = to
	applyUpdate(run, update)

	event := work.Event{
		RunID:     runID,
		Type:      work.EventForStatus(to),
		Timestamp: time.Now().UTC(),
		Data:      update.EventData,
		Source:    update.EventSource,
	}
	m.appendEventLocked(event)
	return true, nil
}

// AppendEvent implements Ledger.
func (m *MemoryLedger) AppendEvent(ctx context.Context, event work.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.ID != "" && m.eventIDs[event.ID] {
		return errors.Newf(errors.CategoryInternal, "duplicate event ID %s", event.ID)
	}
	if _, exists := m.runs[event.RunID]; !exists {
		return &errors.NotFoundError{Resource: "run", ID: event.RunID}
	}
	m.appendEventLocked(event)
	return nil
}

// appendEventLocked fills defaults and stores the event. Caller holds the
// write lock.
func (m *MemoryLedger) appendEventLocked(event work.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.eventIDs[event.ID] = true
	m.events[event.RunID] = append(m.events[event.RunID], event)
}

// GetRun implements Ledger.
func (m *MemoryLedger) GetRun(ctx context.Context, runID string) (*work.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, exists := m.runs[runID]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return copyRun(run), nil
}

// ListRuns implements Ledger.
func (m *MemoryLedger) ListRuns(ctx context.Context, filter Filter) ([]*work.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*work.Run
	// Newest first: walk insertion order backwards.
	for i := len(m.order) - 1; i >= 0; i-- {
		run := m.runs[m.order[i]]
		if matchesFilter(run, filter) {
			results = append(results, copyRun(run))
		}
	}
	return page(results, filter.Offset, filter.Limit), nil
}

// GetEvents implements Ledger. Events return in timestamp order; ties keep
// append order.
func (m *MemoryLedger) GetEvents(ctx context.Context, runID string) ([]work.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]work.Event, len(m.events[runID]))
	copy(events, m.events[runID])
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// FindActiveByIdempotency implements Ledger.
func (m *MemoryLedger) FindActiveByIdempotency(ctx context.Context, key string) (*work.Run, error) {
	if key == "" {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// Newest first so a retried key resolves to the latest attempt.
	for i := len(m.order) - 1; i >= 0; i-- {
		run := m.runs[m.order[i]]
		if run.Spec.IdempotencyKey != key {
			continue
		}
		if run.Status.Active() || run.Status == work.StatusCompleted {
			return copyRun(run), nil
		}
	}
	return nil, nil
}

// CountActiveByEntity implements Ledger.
func (m *MemoryLedger) CountActiveByEntity(ctx context.Context, entityType, entityID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, run := range m.runs {
		if !run.Status.Active() {
			continue
		}
		et, eid, ok := run.Spec.Entity()
		if ok && et == entityType && eid == entityID {
			count++
		}
	}
	return count, nil
}

// Close implements Ledger.
func (m *MemoryLedger) Close() error { return nil }

// CreateDLQEntry implements DLQStore.
func (m *MemoryLedger) CreateDLQEntry(ctx context.Context, entry *DLQEntry) error {
	if entry == nil || entry.ID == "" {
		return &errors.ValidationError{Field: "dlq_id", Message: "DLQ entry ID cannot be empty"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.dlq[entry.ID]; exists {
		return errors.Newf(errors.CategoryInternal, "duplicate DLQ entry ID %s", entry.ID)
	}
	e := *entry
	m.dlq[entry.ID] = &e
	m.dlqOrder = append(m.dlqOrder, entry.ID)
	return nil
}

// GetDLQEntry implements DLQStore.
func (m *MemoryLedger) GetDLQEntry(ctx context.Context, id string) (*DLQEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.dlq[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "dlq entry", ID: id}
	}
	e := *entry
	return &e, nil
}

// ListDLQ implements DLQStore.
func (m *MemoryLedger) ListDLQ(ctx context.Context, filter DLQFilter) ([]*DLQEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*DLQEntry
	for i := len(m.dlqOrder) - 1; i >= 0; i-- {
		entry := m.dlq[m.dlqOrder[i]]
		if filter.Reason != "" && entry.Reason != filter.Reason {
			continue
		}
		if filter.Name != "" && entry.Spec.Name != filter.Name {
			continue
		}
		e := *entry
		results = append(results, &e)
	}
	return page(results, filter.Offset, filter.Limit), nil
}

// PurgeDLQ implements DLQStore.
func (m *MemoryLedger) PurgeDLQ(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	kept := m.dlqOrder[:0]
	for _, id := range m.dlqOrder {
		if m.dlq[id].EnqueuedAt.Before(before) {
			delete(m.dlq, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.dlqOrder = kept
	return removed, nil
}

// applyUpdate copies non-zero update fields onto the run.
func applyUpdate(run *work.Run, update StatusUpdate) {
	if update.Result != nil {
		run.Result = update.Result
	}
	if update.Error != "" {
		run.Error = update.Error
	}
	if update.ErrorType != "" {
		run.ErrorType = update.ErrorType
	}
	if update.ErrorCategory != "" {
		run.ErrorCategory = update.ErrorCategory
	}
	if update.ExternalRef != "" {
		run.ExternalRef = update.ExternalRef
	}
	if update.ExecutorName != "" {
		run.ExecutorName = update.ExecutorName
	}
	if update.Attempt > 0 {
		run.Attempt = update.Attempt
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		run.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		run.CompletedAt = &t
	}
}

// matchesFilter checks a run against the list filter.
func matchesFilter(run *work.Run, filter Filter) bool {
	if filter.Status != "" && run.Status != filter.Status {
		return false
	}
	if filter.Kind != "" && run.Spec.Kind != filter.Kind {
		return false
	}
	if filter.Name != "" && run.Spec.Name != filter.Name {
		return false
	}
	if filter.Lane != "" && run.Spec.EffectiveLane() != filter.Lane {
		return false
	}
	if filter.ParentID != "" && run.Spec.ParentRunID != filter.ParentID {
		return false
	}
	return true
}

// page applies offset and limit to a result slice.
func page[T any](results []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(results) {
			return nil
		}
		results = results[offset:]
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// copyRun creates a deep-enough copy of a run; specs are value-owned and
// params are immutable after submission, so maps are shared.
func copyRun(r *work.Run) *work.Run {
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
