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
	"net/http"
	"strconv"
	"time"

	"github.com/runbeam/dispatch/internal/daemon/httputil"
	"github.com/runbeam/dispatch/pkg/dlq"
	"github.com/runbeam/dispatch/pkg/ledger"
)

// DLQHandler handles dead letter queue API requests.
type DLQHandler struct {
	manager *dlq.Manager
}

// NewDLQHandler creates a new DLQ handler.
func NewDLQHandler(m *dlq.Manager) *DLQHandler {
	return &DLQHandler{manager: m}
}

// RegisterRoutes registers DLQ API routes on the router.
func (h *DLQHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/dlq", h.handleList)
	mux.HandleFunc("GET /v1/dlq/{id}", h.handleGet)
	mux.HandleFunc("POST /v1/dlq/{id}/reprocess", h.handleReprocess)
	mux.HandleFunc("DELETE /v1/dlq", h.handlePurge)
}

// handleList handles GET /v1/dlq.
func (h *DLQHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := ledger.DLQFilter{}

	q := r.URL.Query()
	if reason := q.Get("reason"); reason != "" {
		filter.Reason = reason
	}
	if name := q.Get("name"); name != "" {
		filter.Name = name
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

	entries, err := h.manager.List(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleGet handles GET /v1/dlq/{id}.
func (h *DLQHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	entry, err := h.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry)
}

// handleReprocess handles POST /v1/dlq/{id}/reprocess. The entry's spec
// is resubmitted as a fresh run linked to the original.
func (h *DLQHandler) handleReprocess(w http.ResponseWriter, r *http.Request) {
	run, err := h.manager.Reprocess(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, run)
}

// handlePurge handles DELETE /v1/dlq, removing entries older than the
// before parameter (RFC 3339). Without a parameter everything is purged.
func (h *DLQHandler) handlePurge(w http.ResponseWriter, r *http.Request) {
	before := time.Now().UTC()
	if b := r.URL.Query().Get("before"); b != "" {
		parsed, err := time.Parse(time.RFC3339, b)
		if err != nil {
			httputil.WriteErrorMessage(w, http.StatusBadRequest,
				"validation", "invalid before timestamp: "+err.Error())
			return
		}
		before = parsed
	}

	purged, err := h.manager.Purge(r.Context(), before)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"purged": purged})
}
