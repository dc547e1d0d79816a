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

	"github.com/runbeam/dispatch/pkg/ledger"
	"github.com/runbeam/dispatch/pkg/work"
)

// reporter is the ledger-backed ProgressReporter handed to handlers.
// Progress and heartbeat events append to the run's event log; both
// refresh the liveness timestamp read by the heartbeat watchdog.
type reporter struct {
	ledger ledger.Ledger
	logger *slog.Logger
	runID  string
	source string

	mu       sync.Mutex
	lastBeat time.Time
}

func newReporter(l ledger.Ledger, logger *slog.Logger, runID, source string) *reporter {
	return &reporter{
		ledger:   l,
		logger:   logger,
		runID:    runID,
		source:   source,
		lastBeat: time.Now(),
	}
}

// Progress implements registry.ProgressReporter.
func (r *reporter) Progress(ctx context.Context, data map[string]any) {
	r.touch()
	r.append(ctx, work.EventProgress, data)
}

// Heartbeat implements registry.ProgressReporter.
func (r *reporter) Heartbeat(ctx context.Context) {
	r.touch()
	r.append(ctx, work.EventHeartbeat, nil)
}

// LastBeat returns the time of the most recent progress or heartbeat.
func (r *reporter) LastBeat() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastBeat
}

func (r *reporter) touch() {
	r.mu.Lock()
	r.lastBeat = time.Now()
	r.mu.Unlock()
}

// append writes the event; failures are logged, never surfaced to the
// handler. Progress reporting must not fail the run.
func (r *reporter) append(ctx context.Context, eventType work.EventType, data map[string]any) {
	err := r.ledger.AppendEvent(ctx, work.Event{
		RunID:  r.runID,
		Type:   eventType,
		Data:   data,
		Source: r.source,
	})
	if err != nil && r.logger != nil {
		r.logger.Warn("failed to append progress event",
			"run_id", r.runID, "event_type", string(eventType), "error", err)
	}
}
