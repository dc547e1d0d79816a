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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbeam/dispatch/pkg/errors"
)

func failing(ctx context.Context) (any, error) {
	return nil, errors.Newf(errors.CategoryTransient, "downstream unavailable")
}

func succeeding(ctx context.Context) (any, error) {
	return "ok", nil
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 3, RecoveryTimeout: time.Minute})
	wrapped := b.Wrap(failing)

	for i := 0; i < 3; i++ {
		_, err := wrapped(context.Background())
		require.Error(t, err)
		assert.Equal(t, errors.CategoryTransient, errors.CategoryOf(err))
	}

	assert.Equal(t, "open", b.State())

	// While open, calls are rejected without invoking the thunk.
	invoked := false
	_, err := b.Wrap(func(ctx context.Context) (any, error) {
		invoked = true
		return nil, nil
	})(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CategoryCircuitOpen, errors.CategoryOf(err))
	assert.False(t, invoked)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "probe",
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
	})

	_, err := b.Wrap(failing)(context.Background())
	require.Error(t, err)
	require.Equal(t, "open", b.State())

	time.Sleep(30 * time.Millisecond)

	// A successful probe closes the breaker.
	result, err := b.Wrap(succeeding)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "closed", b.State())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "reprobe",
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
	})

	_, _ = b.Wrap(failing)(context.Background())
	require.Equal(t, "open", b.State())

	time.Sleep(30 * time.Millisecond)

	_, err := b.Wrap(failing)(context.Background())
	require.Error(t, err)
	assert.Equal(t, "open", b.State())
}

func TestBreakerDefaultThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "default", RecoveryTimeout: time.Minute})
	wrapped := b.Wrap(failing)

	for i := 0; i < 4; i++ {
		_, _ = wrapped(context.Background())
		assert.Equal(t, "closed", b.State(), "after %d failures", i+1)
	}
	_, _ = wrapped(context.Background())
	assert.Equal(t, "open", b.State())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var changes []string
	b := NewBreaker(BreakerConfig{
		Name:             "observed",
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		OnStateChange: func(name, from, to string) {
			changes = append(changes, from+"->"+to)
		},
	})

	_, _ = b.Wrap(failing)(context.Background())
	require.Equal(t, []string{"closed->open"}, changes)
}
