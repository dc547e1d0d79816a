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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbeam/dispatch/pkg/errors"
)

func TestMemoryGuard(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()

	ok, err := g.Acquire(ctx, "invoice", "inv-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Acquire(ctx, "invoice", "inv-1")
	require.NoError(t, err)
	assert.False(t, ok, "entity already held")

	// A different entity is unaffected.
	ok, err = g.Acquire(ctx, "invoice", "inv-2")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, g.Release(ctx, "invoice", "inv-1"))
	ok, err = g.Acquire(ctx, "invoice", "inv-1")
	require.NoError(t, err)
	assert.True(t, ok, "released entity can be reacquired")
}

func TestGuardMiddleware(t *testing.T) {
	g := NewMemoryGuard()
	mw := &GuardMiddleware{Guard: g, EntityType: "order", EntityID: "ord-7"}

	t.Run("releases on success", func(t *testing.T) {
		_, err := mw.Wrap(succeeding)(context.Background())
		require.NoError(t, err)

		ok, err := g.Acquire(context.Background(), "order", "ord-7")
		require.NoError(t, err)
		assert.True(t, ok, "guard released after the thunk returned")
		require.NoError(t, g.Release(context.Background(), "order", "ord-7"))
	})

	t.Run("releases on failure", func(t *testing.T) {
		_, err := mw.Wrap(failing)(context.Background())
		require.Error(t, err)

		ok, err := g.Acquire(context.Background(), "order", "ord-7")
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, g.Release(context.Background(), "order", "ord-7"))
	})

	t.Run("conflict when held", func(t *testing.T) {
		ok, err := g.Acquire(context.Background(), "order", "ord-7")
		require.NoError(t, err)
		require.True(t, ok)
		defer g.Release(context.Background(), "order", "ord-7")

		invoked := false
		_, err = mw.Wrap(func(ctx context.Context) (any, error) {
			invoked = true
			return nil, nil
		})(context.Background())
		require.Error(t, err)
		assert.Equal(t, errors.CategoryConcurrencyConflict, errors.CategoryOf(err))
		assert.False(t, invoked)
	})
}

func TestChainOrder(t *testing.T) {
	var order []string
	record := func(name string) Middleware {
		return middlewareFunc(func(next Thunk) Thunk {
			return func(ctx context.Context) (any, error) {
				order = append(order, name)
				return next(ctx)
			}
		})
	}

	thunk := Chain(func(ctx context.Context) (any, error) {
		order = append(order, "handler")
		return nil, nil
	}, record("outer"), nil, record("inner"))

	_, err := thunk(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

type middlewareFunc func(next Thunk) Thunk

func (f middlewareFunc) Wrap(next Thunk) Thunk { return f(next) }
