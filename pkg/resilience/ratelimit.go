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
	"time"

	"golang.org/x/time/rate"

	"github.com/runbeam/dispatch/pkg/errors"
)

// Limiter admits or denies requests. Acquire blocks until admission or
// context cancellation; TryAcquire returns immediately.
type Limiter interface {
	Acquire(ctx context.Context, n int) error
	TryAcquire(n int) bool
}

// TokenBucket is a token-bucket limiter with capacity C and refill rate R
// tokens per second, computed lazily on each call.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a token bucket with the given capacity and refill
// rate in tokens per second.
func NewTokenBucket(capacity int, refillPerSec float64) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(refillPerSec), capacity)}
}

// Acquire blocks until n tokens are available or ctx is done.
func (t *TokenBucket) Acquire(ctx context.Context, n int) error {
	if err := t.limiter.WaitN(ctx, n); err != nil {
		return errors.WithCause(errors.CategoryRateLimited, err, "token bucket acquire")
	}
	return nil
}

// TryAcquire takes n tokens without blocking.
func (t *TokenBucket) TryAcquire(n int) bool {
	return t.limiter.AllowN(time.Now(), n)
}

// SlidingWindow admits a request iff fewer than Cap admissions happened in
// the trailing Window. Admission records its timestamp.
type SlidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	cap    int
	times  []time.Time

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewSlidingWindow creates a sliding-window limiter.
func NewSlidingWindow(window time.Duration, cap int) *SlidingWindow {
	return &SlidingWindow{window: window, cap: cap, now: time.Now}
}

// TryAcquire admits n requests without blocking.
func (s *SlidingWindow) TryAcquire(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evict(now)
	if len(s.times)+n > s.cap {
		return false
	}
	for i := 0; i < n; i++ {
		s.times = append(s.times, now)
	}
	return true
}

// Acquire blocks, polling the window, until admission or ctx is done.
func (s *SlidingWindow) Acquire(ctx context.Context, n int) error {
	for {
		if s.TryAcquire(n) {
			return nil
		}
		wait := s.nextSlot()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return errors.WithCause(errors.CategoryRateLimited, ctx.Err(), "sliding window acquire")
		}
	}
}

// evict drops timestamps outside (now-window, now]. Caller holds the lock.
func (s *SlidingWindow) evict(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.times) && !s.times[i].After(cutoff) {
		i++
	}
	s.times = s.times[i:]
}

// nextSlot estimates when the oldest admission slides out of the window.
func (s *SlidingWindow) nextSlot() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.times) == 0 {
		return time.Millisecond
	}
	wait := time.Until(s.times[0].Add(s.window))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// KeyedLimiter maps a key (e.g. tenant ID) to an independent limiter.
// Limiters idle for longer than TTL are dropped lazily on access and by
// explicit Sweep calls.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyedEntry
	factory  func() Limiter
	ttl      time.Duration
	now      func() time.Time
}

type keyedEntry struct {
	limiter  Limiter
	lastUsed time.Time
}

// NewKeyedLimiter creates a keyed limiter. factory builds the per-key
// limiter; ttl bounds idle retention (0 disables cleanup).
func NewKeyedLimiter(factory func() Limiter, ttl time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*keyedEntry),
		factory:  factory,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns the limiter for key, creating it on first use.
func (k *KeyedLimiter) Get(key string) Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	k.sweepLocked(now)

	entry, ok := k.limiters[key]
	if !ok {
		entry = &keyedEntry{limiter: k.factory()}
		k.limiters[key] = entry
	}
	entry.lastUsed = now
	return entry.limiter
}

// Sweep removes limiters idle for longer than the TTL and returns the
// number removed.
func (k *KeyedLimiter) Sweep() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	before := len(k.limiters)
	k.sweepLocked(k.now())
	return before - len(k.limiters)
}

// Len returns the number of live per-key limiters.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

func (k *KeyedLimiter) sweepLocked(now time.Time) {
	if k.ttl <= 0 {
		return
	}
	for key, entry := range k.limiters {
		if now.Sub(entry.lastUsed) > k.ttl {
			delete(k.limiters, key)
		}
	}
}

// RateLimit wraps a thunk with a limiter. In blocking mode Acquire waits
// for admission; otherwise denial fails immediately with category
// rate_limited.
type RateLimit struct {
	Limiter  Limiter
	Blocking bool
}

// Wrap implements Middleware.
func (r *RateLimit) Wrap(next Thunk) Thunk {
	return func(ctx context.Context) (any, error) {
		if r.Blocking {
			if err := r.Limiter.Acquire(ctx, 1); err != nil {
				return nil, err
			}
		} else if !r.Limiter.TryAcquire(1) {
			return nil, errors.Newf(errors.CategoryRateLimited, "rate limit exceeded")
		}
		return next(ctx)
	}
}
