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

package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{
			name: "nil error",
			err:  nil,
			want: "",
		},
		{
			name: "dispatch error",
			err:  Newf(CategoryTransient, "connection reset"),
			want: CategoryTransient,
		},
		{
			name: "wrapped dispatch error",
			err:  fmt.Errorf("submitting: %w", Newf(CategoryRateLimited, "limit exceeded")),
			want: CategoryRateLimited,
		},
		{
			name: "validation error",
			err:  &ValidationError{Field: "name", Message: "must not be empty"},
			want: CategoryValidation,
		},
		{
			name: "timeout error",
			err:  &TimeoutError{Operation: "handler", Duration: time.Second},
			want: CategoryTimeout,
		},
		{
			name: "cancelled sentinel",
			err:  ErrCancelled,
			want: CategoryCancelled,
		},
		{
			name: "wrapped cancelled sentinel",
			err:  fmt.Errorf("during execution: %w", ErrCancelled),
			want: CategoryCancelled,
		},
		{
			name: "plain error",
			err:  New("boom"),
			want: CategoryInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Category{
		CategoryCircuitOpen,
		CategoryRateLimited,
		CategoryTimeout,
		CategoryTransient,
		CategoryExecutorUnavailable,
	}
	for _, c := range retryable {
		assert.True(t, Retryable(c), "category %s should be retryable", c)
	}

	notRetryable := []Category{
		CategoryValidation,
		CategoryHandlerNotFound,
		CategoryHandlerConflict,
		CategoryConcurrencyConflict,
		CategoryPermanent,
		CategoryCancelled,
		CategoryInternal,
	}
	for _, c := range notRetryable {
		assert.False(t, Retryable(c), "category %s should not be retryable", c)
	}
}

func TestDispatchError(t *testing.T) {
	t.Run("without cause", func(t *testing.T) {
		err := Newf(CategoryPermanent, "bad payload %d", 42)
		assert.Equal(t, "permanent: bad payload 42", err.Error())
		assert.Nil(t, err.Unwrap())
	})

	t.Run("with cause", func(t *testing.T) {
		cause := New("disk full")
		err := WithCause(CategoryTransient, cause, "write failed")
		assert.Equal(t, "transient: write failed: disk full", err.Error())
		assert.ErrorIs(t, err, cause)
	})
}

func TestValidationErrorMessage(t *testing.T) {
	withField := &ValidationError{Field: "spec.kind", Message: "unknown kind"}
	assert.Equal(t, "validation failed on spec.kind: unknown kind", withField.Error())

	withoutField := &ValidationError{Message: "empty spec"}
	assert.Equal(t, "validation failed: empty spec", withoutField.Error())
}

func TestNotFoundErrorMessage(t *testing.T) {
	err := &NotFoundError{Resource: "run", ID: "abc-123"}
	assert.Equal(t, "run not found: abc-123", err.Error())
}

func TestConfigError(t *testing.T) {
	cause := New("no such file")
	err := &ConfigError{Key: "ledger.backend", Reason: "unsupported value", Cause: cause}
	assert.Equal(t, "config error at ledger.backend: unsupported value", err.Error())
	assert.ErrorIs(t, err, cause)

	keyless := &ConfigError{Reason: "file unreadable"}
	assert.Equal(t, "config error: file unreadable", keyless.Error())
}
