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
	"sync"

	"github.com/runbeam/dispatch/pkg/registry"
	"github.com/runbeam/dispatch/pkg/work"
)

// item is one queued run awaiting a worker.
type item struct {
	run  *work.Run
	desc *registry.Descriptor
}

// ErrQueueClosed is returned by queue operations after Close.
var ErrQueueClosed = &queueError{message: "queue is closed"}

// ErrQueueFull is returned when a bounded queue cannot accept more work.
var ErrQueueFull = &queueError{message: "queue is full"}

type queueError struct {
	message string
}

func (e *queueError) Error() string {
	return e.message
}

// laneQueue is a bounded in-memory queue ordered by priority weight,
// FIFO within equal weight.
type laneQueue struct {
	mu       sync.Mutex
	items    []*item
	capacity int
	signal   chan struct{}
	closed   bool
	closedMu sync.RWMutex
}

// newLaneQueue creates a queue holding at most capacity items
// (0 = unbounded).
func newLaneQueue(capacity int) *laneQueue {
	return &laneQueue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds an item, inserting before the first lower-weight entry so
// equal priorities keep submission order.
func (q *laneQueue) Enqueue(it *item) error {
	// Close closes the signal channel under the write lock; holding the
	// read lock across the send keeps the send off a closed channel.
	q.closedMu.RLock()
	defer q.closedMu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	q.mu.Lock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}

	weight := it.run.Spec.EffectivePriority().Weight()
	inserted := false
	for i, existing := range q.items {
		if weight > existing.run.Spec.EffectivePriority().Weight() {
			q.items = append(q.items[:i], append([]*item{it}, q.items[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		q.items = append(q.items, it)
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes and returns the next item, blocking until one is
// available, the queue closes, or ctx is done.
func (q *laneQueue) Dequeue(ctx context.Context) (*item, error) {
	for {
		q.closedMu.RLock()
		closed := q.closed
		q.closedMu.RUnlock()

		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, nil
		}
		q.mu.Unlock()

		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
			// Item may be available, loop again.
		}
	}
}

// Len returns the number of queued items.
func (q *laneQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops enqueueing. Queued items drain through Dequeue until empty.
func (q *laneQueue) Close() error {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}
