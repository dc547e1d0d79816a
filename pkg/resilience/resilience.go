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

// Package resilience provides composable wrappers around a handler
// invocation: retry strategies, a circuit breaker, token-bucket and
// sliding-window rate limiters, and a concurrency guard.
//
// Each primitive takes a thunk and returns a thunk, so every wrapper is
// unit-testable in isolation. The dispatcher applies them in a fixed
// outer-to-inner order:
//
//	ConcurrencyGuard -> CircuitBreaker -> RateLimiter -> Retry -> handler
package resilience

import "context"

// Thunk is a zero-argument handler invocation.
type Thunk func(ctx context.Context) (any, error)

// Middleware wraps a thunk with additional behaviour.
type Middleware interface {
	Wrap(next Thunk) Thunk
}

// Chain applies middlewares outer-to-inner: Chain(a, b)(t) runs a around
// b around t. Nil entries are skipped.
func Chain(thunk Thunk, outer ...Middleware) Thunk {
	for i := len(outer) - 1; i >= 0; i-- {
		if outer[i] == nil {
			continue
		}
		thunk = outer[i].Wrap(thunk)
	}
	return thunk
}
