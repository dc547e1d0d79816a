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

// Package api provides the HTTP API for the daemon.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/runbeam/dispatch/internal/daemon/httputil"
	"github.com/runbeam/dispatch/internal/log"
	"github.com/runbeam/dispatch/pkg/registry"
	"github.com/runbeam/dispatch/pkg/work"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
	Logger    *slog.Logger
}

// HealthChecker reports executor health for the health endpoint.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Router wraps an http.ServeMux with the framework's standard endpoints
// and request logging.
type Router struct {
	mux      *http.ServeMux
	config   RouterConfig
	registry *registry.Registry
	health   HealthChecker
	drain    DrainChecker
	logger   *slog.Logger
}

// NewRouter creates a new HTTP router with the core endpoints.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
		logger: logger,
	}

	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.HandleFunc("GET /v1/capabilities", r.handleCapabilities)
	r.mux.HandleFunc("GET /", r.handleRoot)

	return r
}

// SetRegistry wires the handler registry for the capabilities endpoint.
func (r *Router) SetRegistry(reg *registry.Registry) {
	r.registry = reg
}

// SetHealthChecker wires executor health into the health endpoint.
func (r *Router) SetHealthChecker(hc HealthChecker) {
	r.health = hc
}

// SetDrainChecker wires drain state into the health endpoint.
func (r *Router) SetDrainChecker(dc DrainChecker) {
	r.drain = dc
}

// SetMetricsHandler registers the Prometheus scrape endpoint.
func (r *Router) SetMetricsHandler(handler http.Handler) {
	if handler != nil {
		r.mux.Handle("GET /metrics", handler)
	}
}

// ServeHTTP implements http.Handler with request logging applied.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log.HTTPMiddleware(r.logger, r.mux).ServeHTTP(w, req)
}

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// handleRoot handles GET / for basic connectivity.
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "dispatchd",
		"version": r.config.Version,
	})
}

// handleVersion handles GET /v1/version.
func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    r.config.Version,
		"commit":     r.config.Commit,
		"build_date": r.config.BuildDate,
	})
}

// handleHealth handles GET /v1/health. Draining reports as degraded
// with 503 so load balancers stop routing new submissions.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := "ok"
	code := http.StatusOK

	if r.health != nil {
		if err := r.health.Health(req.Context()); err != nil {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	if r.drain != nil && r.drain.IsDraining() {
		status = "draining"
		code = http.StatusServiceUnavailable
	}

	httputil.WriteJSON(w, code, map[string]string{"status": status})
}

// handleCapabilities handles GET /v1/capabilities, listing registered
// handler names per namespace.
func (r *Router) handleCapabilities(w http.ResponseWriter, req *http.Request) {
	caps := map[string][]string{}
	if r.registry != nil {
		caps["tasks"] = r.registry.List(work.KindTask)
		caps["pipelines"] = r.registry.List(work.KindPipeline)
	}
	httputil.WriteJSON(w, http.StatusOK, caps)
}
