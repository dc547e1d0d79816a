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

// Package work defines the canonical value types carried through the
// execution framework: the immutable WorkSpec describing a unit of work,
// the mutable Run tracking one execution attempt, and the append-only
// Event recording lifecycle transitions.
package work

import (
	"encoding/json"
	"time"

	"github.com/runbeam/dispatch/pkg/errors"
)

// Kind identifies the namespace a work specification is routed within.
type Kind string

const (
	KindTask     Kind = "task"
	KindPipeline Kind = "pipeline"
	KindWorkflow Kind = "workflow"
	KindStep     Kind = "step"
)

// submittableKinds are the kinds accepted by the dispatcher. Steps are
// created internally by the tracked workflow runner, never submitted directly.
var submittableKinds = map[Kind]bool{
	KindTask:     true,
	KindPipeline: true,
	KindWorkflow: true,
}

// Priority controls dequeue order within a lane. Higher values dequeue first.
type Priority string

const (
	PriorityRealtime Priority = "realtime"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PrioritySlow     Priority = "slow"
)

// Weight returns the ordinal used for priority-aware dequeue.
func (p Priority) Weight() int {
	switch p {
	case PriorityRealtime:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	case PrioritySlow:
		return 0
	}
	return 2
}

// TriggerSource records where a submission originated. Recorded only.
type TriggerSource string

const (
	TriggerAPI            TriggerSource = "api"
	TriggerCLI            TriggerSource = "cli"
	TriggerSchedule       TriggerSource = "schedule"
	TriggerWebhook        TriggerSource = "webhook"
	TriggerInternal       TriggerSource = "internal"
	TriggerParentWorkflow TriggerSource = "parent_workflow"
)

// DefaultLane is used when a spec does not name a lane.
const DefaultLane = "normal"

// Metadata keys recognised by the concurrency guard.
const (
	MetaEntityType = "entity_type"
	MetaEntityID   = "entity_id"
)

// Spec is an immutable description of work to run. Specs are value-owned
// and cheap to copy; params are never mutated after submission.
type Spec struct {
	// Kind selects the handler namespace (task, pipeline, workflow).
	Kind Kind `json:"kind"`

	// Name is the handler identifier within the kind's namespace.
	Name string `json:"name"`

	// Params is an opaque JSON-serialisable parameter map.
	Params map[string]any `json:"params,omitempty"`

	// Priority is advisory; honoured by executors with queue routing.
	Priority Priority `json:"priority,omitempty"`

	// Lane routes the run to an executor queue partition.
	Lane string `json:"lane,omitempty"`

	// TriggerSource records the submission origin.
	TriggerSource TriggerSource `json:"trigger_source,omitempty"`

	// IdempotencyKey deduplicates submissions when non-empty.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// CorrelationID is a caller-supplied request-spanning identifier.
	CorrelationID string `json:"correlation_id,omitempty"`

	// ParentRunID links a step run to its workflow run.
	ParentRunID string `json:"parent_run_id,omitempty"`

	// MaxRetries overrides the handler's declared retry budget when > 0.
	MaxRetries int `json:"max_retries,omitempty"`

	// TimeoutSeconds caps handler execution time when > 0.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// Metadata carries optional bookkeeping, including the concurrency
	// guard entity under the entity_type/entity_id keys.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Tags are free-form labels.
	Tags []string `json:"tags,omitempty"`
}

// EffectiveLane returns the spec's lane or the default.
func (s Spec) EffectiveLane() string {
	if s.Lane == "" {
		return DefaultLane
	}
	return s.Lane
}

// EffectivePriority returns the spec's priority or normal.
func (s Spec) EffectivePriority() Priority {
	if s.Priority == "" {
		return PriorityNormal
	}
	return s.Priority
}

// Entity returns the concurrency guard entity declared in metadata.
// ok is false when the spec declares no entity.
func (s Spec) Entity() (entityType, entityID string, ok bool) {
	entityType = s.Metadata[MetaEntityType]
	entityID = s.Metadata[MetaEntityID]
	return entityType, entityID, entityType != "" && entityID != ""
}

// Validate checks the spec for submission. Steps are rejected here;
// they are created by the workflow runner, not submitted by callers.
func (s Spec) Validate() error {
	if !submittableKinds[s.Kind] {
		return &errors.ValidationError{
			Field:      "kind",
			Message:    "kind must be one of task, pipeline, workflow",
			Suggestion: "steps are created internally by workflow execution",
		}
	}
	if s.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "name cannot be empty"}
	}
	if s.Params != nil {
		if _, err := json.Marshal(s.Params); err != nil {
			return &errors.ValidationError{
				Field:   "params",
				Message: "params must be JSON-serialisable",
			}
		}
	}
	switch s.Priority {
	case "", PriorityRealtime, PriorityHigh, PriorityNormal, PriorityLow, PrioritySlow:
	default:
		return &errors.ValidationError{Field: "priority", Message: "unknown priority " + string(s.Priority)}
	}
	return nil
}

// Run is the mutable state of one execution attempt. Once persisted, the
// ledger exclusively owns the record; other components hold snapshots.
type Run struct {
	ID            string    `json:"run_id"`
	Spec          Spec      `json:"spec"`
	Status        Status    `json:"status"`
	ExternalRef   string    `json:"external_ref,omitempty"`
	ExecutorName  string    `json:"executor_name,omitempty"`
	Result        any       `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	ErrorType     string    `json:"error_type,omitempty"`
	ErrorCategory string    `json:"error_category,omitempty"`
	Attempt       int       `json:"attempt"`
	RetryOfRunID  string    `json:"retry_of_run_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration returns completed_at - started_at, or zero while in flight.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// Terminal reports whether the run has reached a terminal status.
func (r *Run) Terminal() bool {
	return r.Status.Terminal()
}

// EventType identifies a lifecycle transition in the event log.
type EventType string

const (
	EventSubmitted      EventType = "submitted"
	EventQueued         EventType = "queued"
	EventStarted        EventType = "started"
	EventProgress       EventType = "progress"
	EventCompleted      EventType = "completed"
	EventFailed         EventType = "failed"
	EventRetrying       EventType = "retrying"
	EventCancelled      EventType = "cancelled"
	EventHeartbeat      EventType = "heartbeat"
	EventDLQMoved       EventType = "dlq_moved"
	EventDLQReprocessed EventType = "dlq_reprocessed"
)

// Event is an append-only record of a lifecycle transition. Events for a
// run are totally ordered by timestamp.
type Event struct {
	ID        string         `json:"event_id"`
	RunID     string         `json:"run_id"`
	Type      EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Source    string         `json:"source,omitempty"`
}
