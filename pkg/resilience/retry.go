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
	"fmt"
	"math/rand"
	"time"

	"github.com/runbeam/dispatch/pkg/errors"
)

// Jitter selects how computed delays are randomised.
type Jitter string

const (
	// JitterNone applies the computed delay unchanged.
	JitterNone Jitter = "none"

	// JitterFull multiplies the delay by U(0,1).
	JitterFull Jitter = "full"

	// JitterEqual returns delay/2 + U(0, delay/2).
	JitterEqual Jitter = "equal"
)

// Backoff computes the delay before retry attempt n (0-based).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// ConstantBackoff returns the base delay for every attempt.
type ConstantBackoff struct {
	Base time.Duration
}

func (b ConstantBackoff) Delay(int) time.Duration { return b.Base }

// LinearBackoff returns base + n*step, capped at MaxDelay.
type LinearBackoff struct {
	Base     time.Duration
	Step     time.Duration
	MaxDelay time.Duration
}

func (b LinearBackoff) Delay(attempt int) time.Duration {
	return capDelay(b.Base+time.Duration(attempt)*b.Step, b.MaxDelay)
}

// ExponentialBackoff returns base * factor^n, capped at MaxDelay.
// Factor defaults to 2 when unset.
type ExponentialBackoff struct {
	Base     time.Duration
	Factor   float64
	MaxDelay time.Duration
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	factor := b.Factor
	if factor <= 0 {
		factor = 2
	}
	delay := float64(b.Base)
	for i := 0; i < attempt; i++ {
		delay *= factor
		if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
			return b.MaxDelay
		}
	}
	return capDelay(time.Duration(delay), b.MaxDelay)
}

// FibonacciBackoff returns base * fib(n+1), capped at MaxDelay.
type FibonacciBackoff struct {
	Base     time.Duration
	MaxDelay time.Duration
}

func (b FibonacciBackoff) Delay(attempt int) time.Duration {
	prev, cur := 0, 1
	for i := 0; i < attempt; i++ {
		prev, cur = cur, prev+cur
		if b.MaxDelay > 0 && time.Duration(cur)*b.Base > b.MaxDelay {
			return b.MaxDelay
		}
	}
	return capDelay(time.Duration(cur)*b.Base, b.MaxDelay)
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// ParseBackoff builds a Backoff from configuration values.
// Known names: constant, linear, exponential, fibonacci.
func ParseBackoff(name string, base, maxDelay time.Duration) (Backoff, error) {
	switch name {
	case "", "exponential":
		return ExponentialBackoff{Base: base, MaxDelay: maxDelay}, nil
	case "constant":
		return ConstantBackoff{Base: base}, nil
	case "linear":
		return LinearBackoff{Base: base, Step: base, MaxDelay: maxDelay}, nil
	case "fibonacci":
		return FibonacciBackoff{Base: base, MaxDelay: maxDelay}, nil
	}
	return nil, fmt.Errorf("unknown backoff strategy %q", name)
}

// RetryObserver is notified before each retry sleep. The dispatcher uses
// it to append retrying events to the ledger.
type RetryObserver func(attempt int, delay time.Duration, err error)

// Retry re-invokes the thunk on retryable failures with backoff between
// attempts. MaxRetries is the number of retries after the first attempt;
// zero means the handler is invoked exactly once.
type Retry struct {
	// MaxRetries bounds retry attempts after the first invocation.
	MaxRetries int

	// Backoff computes the delay before each retry. Nil means no delay.
	Backoff Backoff

	// Jitter randomises computed delays.
	Jitter Jitter

	// RetryableCategories overrides the default retryable set when non-nil.
	RetryableCategories map[errors.Category]bool

	// OnRetry is called before each retry sleep.
	OnRetry RetryObserver

	// Rand is the jitter randomness source. Seedable for deterministic
	// tests; nil falls back to the shared source.
	Rand *rand.Rand
}

// defaultRetryable is the category set retried when none is configured.
var defaultRetryable = map[errors.Category]bool{
	errors.CategoryTransient:   true,
	errors.CategoryRateLimited: true,
	errors.CategoryTimeout:     true,
}

// Wrap implements Middleware.
func (r *Retry) Wrap(next Thunk) Thunk {
	return func(ctx context.Context) (any, error) {
		var lastErr error
		for attempt := 0; ; attempt++ {
			result, err := next(ctx)
			if err == nil {
				return result, nil
			}
			lastErr = err

			if attempt >= r.MaxRetries || !r.retryable(err) {
				return nil, lastErr
			}

			delay := r.delay(attempt)
			if r.OnRetry != nil {
				r.OnRetry(attempt+1, delay, err)
			}

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, errors.WithCause(errors.CategoryCancelled, ctx.Err(),
					"cancelled during retry backoff")
			}
		}
	}
}

func (r *Retry) retryable(err error) bool {
	category := errors.CategoryOf(err)
	if r.RetryableCategories != nil {
		return r.RetryableCategories[category]
	}
	return defaultRetryable[category]
}

func (r *Retry) delay(attempt int) time.Duration {
	if r.Backoff == nil {
		return 0
	}
	delay := r.Backoff.Delay(attempt)
	switch r.Jitter {
	case JitterFull:
		return time.Duration(r.random() * float64(delay))
	case JitterEqual:
		half := delay / 2
		return half + time.Duration(r.random()*float64(half))
	}
	return delay
}

func (r *Retry) random() float64 {
	if r.Rand != nil {
		return r.Rand.Float64()
	}
	return rand.Float64()
}
