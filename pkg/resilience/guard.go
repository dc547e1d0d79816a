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

package resilience

import (
	"context"
	"sync"

	"github.com/runbeam/dispatch/pkg/errors"
)

// ConcurrencyGuard prevents more than one active run for a logical
// entity. Acquire returns true iff no active run holds the same
// (entityType, entityID); Release clears it. Release must run on every
// exit path, including panics.
type ConcurrencyGuard interface {
	Acquire(ctx context.Context, entityType, entityID string) (bool, error)
	Release(ctx context.Context, entityType, entityID string) error
}

// MemoryGuard is the in-memory guard: a set under a mutex. The
// database-backed variant lives in the ledger packages, where a partial
// unique index on active runs enforces the same invariant.
type MemoryGuard struct {
	mu     sync.Mutex
	active map[guardKey]bool
}

type guardKey struct {
	entityType string
	entityID   string
}

// NewMemoryGuard creates an empty in-memory guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{active: make(map[guardKey]bool)}
}

// Acquire implements ConcurrencyGuard.
func (g *MemoryGuard) Acquire(_ context.Context, entityType, entityID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := guardKey{entityType, entityID}
	if g.active[key] {
		return false, nil
	}
	g.active[key] = true
	return true, nil
}

// Release implements ConcurrencyGuard.
func (g *MemoryGuard) Release(_ context.Context, entityType, entityID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, guardKey{entityType, entityID})
	return nil
}

// GuardMiddleware wraps a thunk with guard acquisition for one entity.
// The guard is released on every exit path; a conflict fails with
// category concurrency_conflict and never overwrites the holder.
type GuardMiddleware struct {
	Guard      ConcurrencyGuard
	EntityType string
	EntityID   string
}

// Wrap implements Middleware.
func (g *GuardMiddleware) Wrap(next Thunk) Thunk {
	return func(ctx context.Context) (any, error) {
		ok, err := g.Guard.Acquire(ctx, g.EntityType, g.EntityID)
		if err != nil {
			return nil, errors.WithCause(errors.CategoryInternal, err, "guard acquire")
		}
		if !ok {
			return nil, errors.Newf(errors.CategoryConcurrencyConflict,
				"active run exists for %s/%s", g.EntityType, g.EntityID)
		}
		defer g.Guard.Release(ctx, g.EntityType, g.EntityID)
		return next(ctx)
	}
}
