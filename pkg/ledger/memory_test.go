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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/work"
)

func newRun(name string) *work.Run {
	return &work.Run{
		ID:   uuid.NewString(),
		Spec: work.Spec{Kind: work.KindTask, Name: name},
	}
}

func TestCreateRun(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	run := newRun("resize")
	require.NoError(t, m.CreateRun(ctx, run))

	assert.Equal(t, work.StatusPending, run.Status)
	assert.Equal(t, 1, run.Attempt)
	assert.False(t, run.CreatedAt.IsZero())

	// Creation appends the submitted event atomically.
	events, err := m.GetEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, work.EventSubmitted, events[0].Type)
}

func TestCreateRunDuplicate(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	run := newRun("resize")
	require.NoError(t, m.CreateRun(ctx, run))

	err := m.CreateRun(ctx, &work.Run{ID: run.ID, Spec: run.Spec})
	require.Error(t, err)
}

func TestCreateRunEmptyID(t *testing.T) {
	m := NewMemoryLedger()

	err := m.CreateRun(context.Background(), &work.Run{})
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestUpdateStatus(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	run := newRun("resize")
	require.NoError(t, m.CreateRun(ctx, run))

	started := time.Now().UTC()
	ok, err := m.UpdateStatus(ctx, run.ID, work.StatusPending, work.StatusRunning, StatusUpdate{
		StartedAt:    &started,
		ExecutorName: "local",
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := m.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, work.StatusRunning, got.Status)
	assert.Equal(t, "local", got.ExecutorName)
	require.NotNil(t, got.StartedAt)

	events, err := m.GetEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, work.EventStarted, events[1].Type)
}

func TestUpdateStatusConditional(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	run := newRun("resize")
	require.NoError(t, m.CreateRun(ctx, run))

	// Wrong from-status: no-op, no error.
	ok, err := m.UpdateStatus(ctx, run.ID, work.StatusRunning, work.StatusCompleted, StatusUpdate{})
	require.NoError(t, err)
	assert.False(t, ok)

	// Illegal transition: no-op, no error.
	ok, err = m.UpdateStatus(ctx, run.ID, work.StatusPending, work.StatusCompleted, StatusUpdate{})
	require.NoError(t, err)
	assert.False(t, ok)

	// Missing run: error.
	_, err = m.UpdateStatus(ctx, "absent", work.StatusPending, work.StatusRunning, StatusUpdate{})
	var nfe *errors.NotFoundError
	require.ErrorAs(t, err, &nfe)

	// The failed attempts appended no events.
	events, err := m.GetEvents(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestUpdateStatusFirstWriterWins(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	run := newRun("resize")
	require.NoError(t, m.CreateRun(ctx, run))

	ok, err := m.UpdateStatus(ctx, run.ID, work.StatusPending, work.StatusRunning, StatusUpdate{})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.UpdateStatus(ctx, run.ID, work.StatusRunning, work.StatusCancelled, StatusUpdate{})
	require.NoError(t, err)
	require.True(t, ok)

	// The loser of the race observes false and must not overwrite.
	ok, err = m.UpdateStatus(ctx, run.ID, work.StatusRunning, work.StatusCompleted, StatusUpdate{Result: "late"})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := m.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, work.StatusCancelled, got.Status)
	assert.Nil(t, got.Result)
}

func TestAppendEvent(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	run := newRun("resize")
	require.NoError(t, m.CreateRun(ctx, run))

	require.NoError(t, m.AppendEvent(ctx, work.Event{
		RunID: run.ID,
		Type:  work.EventProgress,
		Data:  map[string]any{"pct": 50},
	}))

	events, err := m.GetEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, work.EventProgress, events[1].Type)
	assert.NotEmpty(t, events[1].ID)
	assert.False(t, events[1].Timestamp.IsZero())

	// Unknown run rejected.
	err = m.AppendEvent(ctx, work.Event{RunID: "absent", Type: work.EventProgress})
	var nfe *errors.NotFoundError
	require.ErrorAs(t, err, &nfe)

	// Duplicate explicit event ID rejected.
	require.NoError(t, m.AppendEvent(ctx, work.Event{ID: "evt-1", RunID: run.ID, Type: work.EventHeartbeat}))
	err = m.AppendEvent(ctx, work.Event{ID: "evt-1", RunID: run.ID, Type: work.EventHeartbeat})
	require.Error(t, err)
}

func TestGetRunNotFound(t *testing.T) {
	m := NewMemoryLedger()

	_, err := m.GetRun(context.Background(), "absent")
	var nfe *errors.NotFoundError
	require.ErrorAs(t, err, &nfe)
	assert.Equal(t, "run", nfe.Resource)
}

func TestListRuns(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	first := newRun("alpha")
	second := newRun("beta")
	second.Spec.Lane = "bulk"
	third := newRun("alpha")
	for _, r := range []*work.Run{first, second, third} {
		require.NoError(t, m.CreateRun(ctx, r))
	}
	_, err := m.UpdateStatus(ctx, third.ID, work.StatusPending, work.StatusRunning, StatusUpdate{})
	require.NoError(t, err)

	t.Run("newest first", func(t *testing.T) {
		runs, err := m.ListRuns(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, runs, 3)
		assert.Equal(t, third.ID, runs[0].ID)
		assert.Equal(t, first.ID, runs[2].ID)
	})

	t.Run("filter by name", func(t *testing.T) {
		runs, err := m.ListRuns(ctx, Filter{Name: "alpha"})
		require.NoError(t, err)
		assert.Len(t, runs, 2)
	})

	t.Run("filter by status", func(t *testing.T) {
		runs, err := m.ListRuns(ctx, Filter{Status: work.StatusRunning})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, third.ID, runs[0].ID)
	})

	t.Run("filter by lane uses effective lane", func(t *testing.T) {
		runs, err := m.ListRuns(ctx, Filter{Lane: work.DefaultLane})
		require.NoError(t, err)
		assert.Len(t, runs, 2)

		runs, err = m.ListRuns(ctx, Filter{Lane: "bulk"})
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	})

	t.Run("pagination", func(t *testing.T) {
		runs, err := m.ListRuns(ctx, Filter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, runs, 2)

		runs, err = m.ListRuns(ctx, Filter{Offset: 2})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, first.ID, runs[0].ID)

		runs, err = m.ListRuns(ctx, Filter{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, runs)
	})
}

func TestFindActiveByIdempotency(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	t.Run("empty key", func(t *testing.T) {
		run, err := m.FindActiveByIdempotency(ctx, "")
		require.NoError(t, err)
		assert.Nil(t, run)
	})

	t.Run("active run matches", func(t *testing.T) {
		run := newRun("dedup")
		run.Spec.IdempotencyKey = "key-1"
		require.NoError(t, m.CreateRun(ctx, run))

		found, err := m.FindActiveByIdempotency(ctx, "key-1")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, run.ID, found.ID)
	})

	t.Run("completed run matches", func(t *testing.T) {
		run := newRun("dedup")
		run.Spec.IdempotencyKey = "key-2"
		require.NoError(t, m.CreateRun(ctx, run))
		_, err := m.UpdateStatus(ctx, run.ID, work.StatusPending, work.StatusRunning, StatusUpdate{})
		require.NoError(t, err)
		_, err = m.UpdateStatus(ctx, run.ID, work.StatusRunning, work.StatusCompleted, StatusUpdate{})
		require.NoError(t, err)

		found, err := m.FindActiveByIdempotency(ctx, "key-2")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, run.ID, found.ID)
	})

	t.Run("failed and cancelled runs do not match", func(t *testing.T) {
		failed := newRun("dedup")
		failed.Spec.IdempotencyKey = "key-3"
		require.NoError(t, m.CreateRun(ctx, failed))
		_, err := m.UpdateStatus(ctx, failed.ID, work.StatusPending, work.StatusFailed, StatusUpdate{})
		require.NoError(t, err)

		found, err := m.FindActiveByIdempotency(ctx, "key-3")
		require.NoError(t, err)
		assert.Nil(t, found, "a failed run frees the key for resubmission")
	})
}

func TestCountActiveByEntity(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	entity := map[string]string{
		work.MetaEntityType: "invoice",
		work.MetaEntityID:   "inv-9",
	}

	active := newRun("process")
	active.Spec.Metadata = entity
	require.NoError(t, m.CreateRun(ctx, active))

	done := newRun("process")
	done.Spec.Metadata = entity
	require.NoError(t, m.CreateRun(ctx, done))
	_, err := m.UpdateStatus(ctx, done.ID, work.StatusPending, work.StatusFailed, StatusUpdate{})
	require.NoError(t, err)

	other := newRun("process")
	other.Spec.Metadata = map[string]string{
		work.MetaEntityType: "invoice",
		work.MetaEntityID:   "inv-10",
	}
	require.NoError(t, m.CreateRun(ctx, other))

	count, err := m.CountActiveByEntity(ctx, "invoice", "inv-9")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDLQStore(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	entries := []*DLQEntry{
		{ID: "d1", RunID: "r1", Spec: work.Spec{Kind: work.KindTask, Name: "alpha"}, Reason: "retries_exhausted", EnqueuedAt: time.Now().Add(-2 * time.Hour)},
		{ID: "d2", RunID: "r2", Spec: work.Spec{Kind: work.KindTask, Name: "beta"}, Reason: "retries_exhausted", EnqueuedAt: time.Now().Add(-time.Hour)},
		{ID: "d3", RunID: "r3", Spec: work.Spec{Kind: work.KindTask, Name: "alpha"}, Reason: "manual", EnqueuedAt: time.Now()},
	}
	for _, e := range entries {
		require.NoError(t, m.CreateDLQEntry(ctx, e))
	}

	t.Run("duplicate rejected", func(t *testing.T) {
		err := m.CreateDLQEntry(ctx, &DLQEntry{ID: "d1"})
		require.Error(t, err)
	})

	t.Run("get", func(t *testing.T) {
		entry, err := m.GetDLQEntry(ctx, "d2")
		require.NoError(t, err)
		assert.Equal(t, "r2", entry.RunID)

		_, err = m.GetDLQEntry(ctx, "absent")
		var nfe *errors.NotFoundError
		require.ErrorAs(t, err, &nfe)
	})

	t.Run("list newest first with filters", func(t *testing.T) {
		all, err := m.ListDLQ(ctx, DLQFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "d3", all[0].ID)

		byReason, err := m.ListDLQ(ctx, DLQFilter{Reason: "manual"})
		require.NoError(t, err)
		require.Len(t, byReason, 1)
		assert.Equal(t, "d3", byReason[0].ID)

		byName, err := m.ListDLQ(ctx, DLQFilter{Name: "alpha"})
		require.NoError(t, err)
		assert.Len(t, byName, 2)
	})

	t.Run("purge", func(t *testing.T) {
		removed, err := m.PurgeDLQ(ctx, time.Now().Add(-30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		remaining, err := m.ListDLQ(ctx, DLQFilter{})
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		assert.Equal(t, "d3", remaining[0].ID)
	})
}
