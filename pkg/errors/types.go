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

// Package errors defines the failure taxonomy shared by every component of
// the execution framework. Each failure carries a Category from a closed
// set; the category decides retryability and how the failure is persisted.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies a failure. The set is closed; introducing a new
// category requires updating Retryable and the storage enum.
type Category string

const (
	// CategoryValidation indicates a bad spec or bad params.
	CategoryValidation Category = "validation"

	// CategoryHandlerNotFound indicates a registry miss.
	CategoryHandlerNotFound Category = "handler_not_found"

	// CategoryHandlerConflict indicates a registry collision on registration.
	CategoryHandlerConflict Category = "handler_conflict"

	// CategoryConcurrencyConflict indicates a concurrency guard acquire failure.
	CategoryConcurrencyConflict Category = "concurrency_conflict"

	// CategoryCircuitOpen indicates the circuit breaker rejected the call.
	CategoryCircuitOpen Category = "circuit_open"

	// CategoryRateLimited indicates the rate limiter denied the call.
	CategoryRateLimited Category = "rate_limited"

	// CategoryTimeout indicates the handler exceeded its timeout.
	CategoryTimeout Category = "timeout"

	// CategoryTransient indicates the handler signalled a retryable failure.
	CategoryTransient Category = "transient"

	// CategoryPermanent indicates the handler signalled a non-retryable failure.
	CategoryPermanent Category = "permanent"

	// CategoryExecutorUnavailable indicates the executor failed to accept work.
	CategoryExecutorUnavailable Category = "executor_unavailable"

	// CategoryCancelled indicates explicit cancellation.
	CategoryCancelled Category = "cancelled"

	// CategoryInternal is an unclassified bug.
	CategoryInternal Category = "internal"
)

// Retryable reports whether a category is retryable by default.
func Retryable(c Category) bool {
	switch c {
	case CategoryCircuitOpen, CategoryRateLimited, CategoryTimeout,
		CategoryTransient, CategoryExecutorUnavailable:
		return true
	}
	return false
}

// DispatchError is the typed error carried through submission and execution.
// It wraps an optional cause and always has a category.
type DispatchError struct {
	// Category classifies the failure.
	Category Category

	// Message is the human-readable error description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// Newf creates a DispatchError with a formatted message.
func Newf(category Category, format string, args ...any) *DispatchError {
	return &DispatchError{Category: category, Message: fmt.Sprintf(format, args...)}
}

// WithCause creates a DispatchError wrapping an underlying error.
func WithCause(category Category, cause error, message string) *DispatchError {
	return &DispatchError{Category: category, Message: message, Cause: cause}
}

// CategoryOf extracts the category from an error chain.
// Errors without a DispatchError in the chain classify as internal,
// except explicit cancellation which classifies as cancelled and
// validation/timeout errors which keep their own categories.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Category
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return CategoryValidation
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return CategoryTimeout
	}
	if errors.Is(err, ErrCancelled) {
		return CategoryCancelled
	}
	return CategoryInternal
}

// ValidationError represents spec or parameter validation failures.
type ValidationError struct {
	// Field identifies which input field failed validation.
	Field string

	// Message is the human-readable error description.
	Message string

	// Suggestion provides actionable guidance for fixing the error.
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "handler", "dlq entry").
	Resource string

	// ID is the identifier that was not found.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "ledger.backend").
	Key string

	// Reason explains what's wrong with the configuration.
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error).
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents handler invocation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "handler", "wait").
	Operation string

	// Duration is how long the operation ran before timing out.
	Duration time.Duration

	// Cause is the underlying error (if any).
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrCancelled is the sentinel for explicit cancellation.
var ErrCancelled = errors.New("run cancelled")
