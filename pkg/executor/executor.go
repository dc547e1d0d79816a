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

// Package executor runs accepted work. An executor owns the run from
// acceptance to terminal status: it transitions the run through the
// ledger, invokes the handler under the resilience chain, and reports
// progress events. Two implementations ship: the synchronous in-process
// MemoryExecutor and the lane-partitioned LocalExecutor with bounded
// worker pools.
package executor

import (
	"context"
	"time"

	"github.com/runbeam/dispatch/pkg/registry"
	"github.com/runbeam/dispatch/pkg/work"
)

// Executor accepts runs for execution. Submit either accepts the run
// (and from then on owns its status transitions) or returns an error
// without writing anything; the dispatcher records acceptance failures.
type Executor interface {
	// Name identifies the executor in run records and logs.
	Name() string

	// Submit accepts a run for execution. The run is in pending status
	// with the handler already resolved. Synchronous executors complete
	// the run before returning; asynchronous executors return once the
	// run is queued.
	Submit(ctx context.Context, run *work.Run, desc *registry.Descriptor) error

	// Cancel requests cancellation of an in-flight run. Runs the
	// executor no longer holds are not an error; the ledger's
	// conditional update resolves races.
	Cancel(ctx context.Context, runID string) error

	// Health reports whether the executor can accept work.
	Health(ctx context.Context) error

	// Drain stops acceptance and waits for active runs to finish or the
	// timeout to expire.
	Drain(ctx context.Context, timeout time.Duration) error

	// Close releases executor resources. Implies drain with no wait.
	Close() error
}
