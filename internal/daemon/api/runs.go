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

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/runbeam/dispatch/internal/daemon/httputil"
	"github.com/runbeam/dispatch/pkg/dispatch"
	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/ledger"
	"github.com/runbeam/dispatch/pkg/work"
)

// DrainChecker reports whether the daemon is refusing new work.
type DrainChecker interface {
	IsDraining() bool
}

// RunsHandler handles run-related API requests.
type RunsHandler struct {
	dispatcher *dispatch.Dispatcher
	drain      DrainChecker
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(d *dispatch.Dispatcher, drain DrainChecker) *RunsHandler {
	return &RunsHandler{dispatcher: d, drain: drain}
}

// RegisterRoutes registers run API routes on the router.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.handleSubmit)
	mux.HandleFunc("GET /v1/runs", h.handleList)
	mux.HandleFunc("GET /v1/runs/{id}", h.handleGet)
	mux.HandleFunc("GET /v1/runs/{id}/events", h.handleEvents)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /v1/runs/{id}/retry", h.handleRetry)
	mux.HandleFunc("GET /v1/runs/{id}/wait", h.handleWait)
}

// handleSubmit handles POST /v1/runs. The body is a work spec; the
// response is the accepted run snapshot.
func (h *RunsHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if h.drain != nil && h.drain.IsDraining() {
		w.Header().Set("Retry-After", "10")
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable,
			"executor_unavailable", "daemon is shutting down gracefully")
		return
	}

	var spec work.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		httputil.WriteErrorMessage(w, http.StatusBadRequest,
			"validation", "invalid request body: "+err.Error())
		return
	}
	if spec.TriggerSource == "" {
		spec.TriggerSource = work.TriggerAPI
	}

	run, err := h.dispatcher.Submit(r.Context(), spec)
	if err != nil {
		// Rejected submissions that still produced a run record return
		// the record alongside the error status for diagnosis.
		if run != nil {
			httputil.WriteJSON(w, httputil.StatusFor(errors.CategoryOf(err)), map[string]any{
				"run":   run,
				"error": err.Error(),
			})
			return
		}
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, run)
}

// handleList handles GET /v1/runs.
func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := ledger.Filter{}

	q := r.URL.Query()
	if status := q.Get("status"); status != "" {
		filter.Status = work.Status(status)
	}
	if kind := q.Get("kind"); kind != "" {
		filter.Kind = work.Kind(kind)
	}
	if name := q.Get("name"); name != "" {
		filter.Name = name
	}
	if lane := q.Get("lane"); lane != "" {
		filter.Lane = lane
	}
	if parent := q.Get("parent_id"); parent != "" {
		filter.ParentID = parent
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil && n > 0 {
			filter.Offset = n
		}
	}

	runs, err := h.dispatcher.List(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleGet handles GET /v1/runs/{id}.
func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.dispatcher.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

// handleEvents handles GET /v1/runs/{id}/events.
func (h *RunsHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.dispatcher.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// handleCancel handles POST /v1/runs/{id}/cancel. Cancelling a terminal
// run is a no-op that returns the current snapshot.
func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, err := h.dispatcher.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

// handleRetry handles POST /v1/runs/{id}/retry, resubmitting a failed or
// cancelled run as a fresh run.
func (h *RunsHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	if h.drain != nil && h.drain.IsDraining() {
		w.Header().Set("Retry-After", "10")
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable,
			"executor_unavailable", "daemon is shutting down gracefully")
		return
	}

	run, err := h.dispatcher.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, run)
}

// handleWait handles GET /v1/runs/{id}/wait, blocking until the run
// reaches a terminal status or the timeout elapses.
func (h *RunsHandler) handleWait(w http.ResponseWriter, r *http.Request) {
	timeout := 30 * time.Second
	if t := r.URL.Query().Get("timeout"); t != "" {
		parsed, err := time.ParseDuration(t)
		if err != nil {
			httputil.WriteErrorMessage(w, http.StatusBadRequest,
				"validation", "invalid timeout: "+err.Error())
			return
		}
		timeout = parsed
	}

	run, err := h.dispatcher.Wait(r.Context(), r.PathValue("id"), timeout)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}
