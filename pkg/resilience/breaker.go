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
	"time"

	"github.com/sony/gobreaker"

	"github.com/runbeam/dispatch/pkg/errors"
)

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// Name identifies the breaker in logs and state callbacks.
	Name string

	// FailureThreshold is the failure count that opens the breaker.
	FailureThreshold int

	// FailureWindow bounds the counting window while closed. Failures
	// older than the window no longer count toward the threshold.
	FailureWindow time.Duration

	// RecoveryTimeout is how long the breaker stays open before
	// admitting a single half-open probe.
	RecoveryTimeout time.Duration

	// OnStateChange is called on every state transition.
	OnStateChange func(name string, from, to string)
}

// Breaker is a three-state circuit breaker (closed, open, half-open)
// built on sony/gobreaker. While open it rejects immediately with
// category circuit_open and never blocks; after RecoveryTimeout it
// admits exactly one probe.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a circuit breaker from the given configuration.
func NewBreaker(cfg BreakerConfig) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // exactly one half-open probe
		Interval:    cfg.FailureWindow,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= uint32(threshold)
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, from.String(), to.String())
		}
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// State returns the current breaker state as a string
// (closed, open, half-open).
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Wrap implements Middleware.
func (b *Breaker) Wrap(next Thunk) Thunk {
	return func(ctx context.Context) (any, error) {
		result, err := b.cb.Execute(func() (any, error) {
			return next(ctx)
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errors.WithCause(errors.CategoryCircuitOpen, err,
				"circuit breaker rejected call")
		}
		return result, err
	}
}
