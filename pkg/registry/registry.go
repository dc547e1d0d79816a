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

// Package registry provides name-to-handler lookup for the dispatcher.
// Tasks and pipelines live in independent namespaces. The registry is
// process-wide, initialised at startup through explicit Register calls,
// and read from many call sites.
package registry

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/work"
)

// ProgressReporter lets a handler report progress and heartbeats while
// running. The executor injects an implementation; events flow to the
// ledger as a lazy finite sequence terminated by a terminal event.
type ProgressReporter interface {
	// Progress records a progress event with arbitrary data.
	Progress(ctx context.Context, data map[string]any)

	// Heartbeat records liveness without other payload.
	Heartbeat(ctx context.Context)
}

// Handler is the uniform async-capable handler signature. Params are typed
// at the handler boundary: handlers perform strict decoding and fail with
// a validation error on mismatch. The returned value must be
// JSON-serialisable.
type Handler func(ctx context.Context, params map[string]any, reporter ProgressReporter) (any, error)

// Descriptor pairs a handler with its declared execution policy.
type Descriptor struct {
	// Name is the handler identifier within its namespace.
	Name string

	// Kind is the namespace the handler is registered in.
	Kind work.Kind

	// Handler is the callable.
	Handler Handler

	// TimeoutSeconds is the handler's declared timeout (0 = system default).
	TimeoutSeconds int

	// MaxRetries is the handler's declared retry budget (0 = no retries).
	MaxRetries int

	// RetryTransientByDefault marks unclassified handler failures as
	// transient instead of internal.
	RetryTransientByDefault bool
}

// Registry holds the two handler namespaces. Read-mostly: writers take the
// mutex, readers take the read lock.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]*Descriptor
	pipelines map[string]*Descriptor
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tasks:     make(map[string]*Descriptor),
		pipelines: make(map[string]*Descriptor),
	}
}

// RegisterTask registers a task handler.
func (r *Registry) RegisterTask(desc Descriptor) error {
	desc.Kind = work.KindTask
	return r.register(desc)
}

// RegisterPipeline registers a pipeline handler.
func (r *Registry) RegisterPipeline(desc Descriptor) error {
	desc.Kind = work.KindPipeline
	return r.register(desc)
}

func (r *Registry) register(desc Descriptor) error {
	if desc.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "handler name cannot be empty"}
	}
	if desc.Handler == nil {
		return &errors.ValidationError{Field: "handler", Message: "handler cannot be nil"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ns := r.namespace(desc.Kind)
	if existing, ok := ns[desc.Name]; ok {
		// Re-registering the same callable is idempotent; a different
		// callable under an existing name is a conflict.
		if sameFunc(existing.Handler, desc.Handler) {
			return nil
		}
		return errors.Newf(errors.CategoryHandlerConflict,
			"%s handler %q already registered with a different callable", desc.Kind, desc.Name)
	}

	d := desc
	ns[desc.Name] = &d
	return nil
}

// Get returns the descriptor for (kind, name). Workflow specs resolve to
// the pipeline namespace, where the workflow runner registers itself.
func (r *Registry) Get(kind work.Kind, name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ns := r.namespace(kind)
	if ns == nil {
		return nil, errors.Newf(errors.CategoryHandlerNotFound, "no handler namespace for kind %q", kind)
	}
	desc, ok := ns[name]
	if !ok {
		return nil, errors.Newf(errors.CategoryHandlerNotFound, "%s handler %q not registered", kind, name)
	}
	return desc, nil
}

// List returns all handler names registered in a kind, sorted.
func (r *Registry) List(kind work.Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ns := r.namespace(kind)
	names := make([]string, 0, len(ns))
	for name := range ns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// namespace maps a kind to its handler map. Workflows and steps route
// through the pipeline namespace.
func (r *Registry) namespace(kind work.Kind) map[string]*Descriptor {
	switch kind {
	case work.KindTask:
		return r.tasks
	case work.KindPipeline, work.KindWorkflow, work.KindStep:
		return r.pipelines
	}
	return nil
}

// sameFunc compares two handlers by code pointer.
func sameFunc(a, b Handler) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
