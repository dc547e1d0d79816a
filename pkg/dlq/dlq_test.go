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

package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/ledger"
	"github.com/runbeam/dispatch/pkg/work"
)

// fakeSubmitter records resubmissions without a real dispatcher.
type fakeSubmitter struct {
	calls []string // retry_of run IDs
	err   error
}

func (f *fakeSubmitter) Resubmit(ctx context.Context, spec work.Spec, retryOfRunID string) (*work.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, retryOfRunID)
	return &work.Run{
		ID:           uuid.NewString(),
		Spec:         spec,
		Status:       work.StatusPending,
		RetryOfRunID: retryOfRunID,
	}, nil
}

func failedRun(t *testing.T, l ledger.Ledger) *work.Run {
	t.Helper()
	run := &work.Run{
		ID:   uuid.NewString(),
		Spec: work.Spec{Kind: work.KindTask, Name: "poison"},
	}
	require.NoError(t, l.CreateRun(context.Background(), run))
	ok, err := l.UpdateStatus(context.Background(), run.ID, work.StatusPending, work.StatusFailed, ledger.StatusUpdate{
		Error: "always fails",
	})
	require.NoError(t, err)
	require.True(t, ok)
	run.Status = work.StatusFailed
	run.Error = "always fails"
	return run
}

func TestMove(t *testing.T) {
	l := ledger.NewMemoryLedger()
	m := NewManager(l, l, nil)

	run := failedRun(t, l)
	entry, err := m.Move(context.Background(), run, "retries_exhausted")
	require.NoError(t, err)
	assert.Equal(t, run.ID, entry.RunID)
	assert.Equal(t, "retries_exhausted", entry.Reason)
	assert.Equal(t, "always fails", entry.Error)
	assert.False(t, entry.EnqueuedAt.IsZero())

	// The run's event log records the move.
	events, err := l.GetEvents(context.Background(), run.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, work.EventDLQMoved, last.Type)
	assert.Equal(t, entry.ID, last.Data["dlq_id"])
}

func TestMoveRejectsActiveRun(t *testing.T) {
	l := ledger.NewMemoryLedger()
	m := NewManager(l, l, nil)

	run := &work.Run{ID: uuid.NewString(), Status: work.StatusRunning}
	_, err := m.Move(context.Background(), run, "retries_exhausted")
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = m.Move(context.Background(), nil, "retries_exhausted")
	require.ErrorAs(t, err, &verr)
}

func TestReprocess(t *testing.T) {
	l := ledger.NewMemoryLedger()
	m := NewManager(l, l, nil)
	sub := &fakeSubmitter{}
	m.SetSubmitter(sub)

	run := failedRun(t, l)
	entry, err := m.Move(context.Background(), run, "retries_exhausted")
	require.NoError(t, err)

	newRun, err := m.Reprocess(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, newRun.RetryOfRunID)
	assert.Equal(t, []string{run.ID}, sub.calls)

	// The entry stays in place after reprocessing.
	kept, err := m.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, kept.ID)

	events, err := l.GetEvents(context.Background(), run.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, work.EventDLQReprocessed, last.Type)
	assert.Equal(t, newRun.ID, last.Data["new_run_id"])
}

func TestReprocessWithoutSubmitter(t *testing.T) {
	l := ledger.NewMemoryLedger()
	m := NewManager(l, l, nil)

	_, err := m.Reprocess(context.Background(), "any")
	require.Error(t, err)
	assert.Equal(t, errors.CategoryInternal, errors.CategoryOf(err))
}

func TestReprocessMissingEntry(t *testing.T) {
	l := ledger.NewMemoryLedger()
	m := NewManager(l, l, nil)
	m.SetSubmitter(&fakeSubmitter{})

	_, err := m.Reprocess(context.Background(), "absent")
	var nfe *errors.NotFoundError
	require.ErrorAs(t, err, &nfe)
}

func TestListAndPurge(t *testing.T) {
	l := ledger.NewMemoryLedger()
	m := NewManager(l, l, nil)

	for i := 0; i < 3; i++ {
		run := failedRun(t, l)
		_, err := m.Move(context.Background(), run, "retries_exhausted")
		require.NoError(t, err)
	}

	entries, err := m.List(context.Background(), ledger.DLQFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	removed, err := m.Purge(context.Background(), time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	entries, err = m.List(context.Background(), ledger.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
