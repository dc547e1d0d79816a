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

// Package ledger persists runs and events. The ledger is the single
// writer of truth for status transitions: every component that changes a
// run's status routes through UpdateStatus, a conditional update keyed on
// the current status.
package ledger

import (
	"context"
	"time"

	"github.com/runbeam/dispatch/pkg/work"
)

// StatusUpdate carries the fields applied alongside a status transition.
// Nil pointer fields are left untouched.
type StatusUpdate struct {
	Result        any
	Error         string
	ErrorType     string
	ErrorCategory string
	ExternalRef   string
	ExecutorName  string
	StartedAt     *time.Time
	CompletedAt   *time.Time

	// Attempt records the invocation count when in-run retries happened.
	// Zero leaves the stored attempt untouched.
	Attempt int

	// EventData is attached to the event emitted for the transition.
	EventData map[string]any

	// EventSource labels the emitting component.
	EventSource string
}

// Filter selects runs for listing. Zero values match everything.
type Filter struct {
	Status   work.Status
	Kind     work.Kind
	Name     string
	Lane     string
	ParentID string
	Limit    int
	Offset   int
}

// Ledger is the durable store of runs and events.
type Ledger interface {
	// CreateRun inserts a run. A duplicate run ID is an invariant
	// violation and fails. The submitted event is appended atomically
	// with the insert.
	CreateRun(ctx context.Context, run *work.Run) error

	// UpdateStatus transitions a run from -> to, applying fields and
	// emitting the corresponding event. Returns false without writing
	// when the current status is not from or the transition is not in
	// the state machine.
	UpdateStatus(ctx context.Context, runID string, from, to work.Status, update StatusUpdate) (bool, error)

	// AppendEvent appends an event. Duplicate event IDs fail.
	AppendEvent(ctx context.Context, event work.Event) error

	// GetRun returns the run by ID.
	GetRun(ctx context.Context, runID string) (*work.Run, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter Filter) ([]*work.Run, error)

	// GetEvents returns the events for a run ordered by timestamp.
	GetEvents(ctx context.Context, runID string) ([]work.Event, error)

	// FindActiveByIdempotency returns a non-terminal or completed run
	// with the given idempotency key, or nil when none exists.
	FindActiveByIdempotency(ctx context.Context, key string) (*work.Run, error)

	// CountActiveByEntity counts runs in pending/queued/running whose
	// spec metadata names the given entity. Backs the database guard.
	CountActiveByEntity(ctx context.Context, entityType, entityID string) (int, error)

	// Close releases backing resources.
	Close() error
}

// DLQEntry is an immutable snapshot of a terminally-failed run. It is
// never mutated after creation; reprocessing records a new run elsewhere.
type DLQEntry struct {
	ID         string    `json:"dlq_id"`
	RunID      string    `json:"run_id"`
	Spec       work.Spec `json:"spec"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DLQFilter selects DLQ entries for listing.
type DLQFilter struct {
	Reason string
	Name   string
	Limit  int
	Offset int
}

// DLQStore persists dead-letter entries. Ledger backends implement it
// alongside the run store so both live in one database.
type DLQStore interface {
	CreateDLQEntry(ctx context.Context, entry *DLQEntry) error
	GetDLQEntry(ctx context.Context, id string) (*DLQEntry, error)
	ListDLQ(ctx context.Context, filter DLQFilter) ([]*DLQEntry, error)
	PurgeDLQ(ctx context.Context, before time.Time) (int, error)
}
