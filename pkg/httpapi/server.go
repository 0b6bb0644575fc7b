// Copyright 2025 Kadir Pekel
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

// Package httpapi is the thin HTTP boundary a CLI or control-plane
// wrapper drives a workflow through: submit a TodoList, poll its
// WorkflowState, and the standard healthz/metrics pair. It owns no
// workflow semantics itself, only the request/response mapping onto
// pkg/orchestrator.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stratforge/stratforge/pkg/orchestrator"
	"github.com/stratforge/stratforge/pkg/ratelimit"
)

// Runner is the narrow slice of the orchestrator's IterativeLoop a
// Server needs: build a fresh WorkflowState and drive it to a terminal
// Result. Tests substitute a fake that never touches a real Dispatcher.
type Runner interface {
	CreateWorkflow(list orchestrator.TodoList, maxIterations int) (*orchestrator.WorkflowState, error)
	RunIterative(ctx context.Context, state *orchestrator.WorkflowState) orchestrator.Result
}

// Config wires a Server's dependencies.
type Config struct {
	Runner Runner

	// MaxIterations bounds every workflow submitted through
	// POST /workflows that doesn't specify its own.
	MaxIterations int

	// Limiter, if non-nil, is installed as ingress rate limiting
	// middleware ahead of every route except /healthz and /metrics.
	Limiter ratelimit.RateLimiter

	// Logger defaults to slog.Default() if nil.
	Logger *slog.Logger
}

// Server exposes the operational HTTP surface for a stratforge
// deployment: submit workflows, poll their state, and the standard
// healthz/metrics endpoints.
type Server struct {
	runner        Runner
	maxIterations int
	limiter       ratelimit.RateLimiter
	log           *slog.Logger

	mu        sync.RWMutex
	workflows map[string]*workflowRecord
}

// workflowRecord is a submitted workflow's current view plus whatever
// RunIterative last returned, polled via GET /workflows/{id}.
type workflowRecord struct {
	state  *orchestrator.WorkflowState
	result *orchestrator.Result
}

// NewServer builds a Server from cfg. Runner must be non-nil.
func NewServer(cfg Config) *Server {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		runner:        cfg.Runner,
		maxIterations: cfg.MaxIterations,
		limiter:       cfg.Limiter,
		log:           cfg.Logger,
		workflows:     make(map[string]*workflowRecord),
	}
}

// Router builds the chi mux: standard observability middleware, then
// routes, with rate limiting applied to everything except the two
// operational probes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	if s.limiter != nil {
		r.Use(ratelimit.Middleware(ratelimit.MiddlewareConfig{
			Limiter:       s.limiter,
			ExcludedPaths: []string{"/healthz", "/metrics"},
		}))
	}

	r.Post("/workflows", s.handleCreateWorkflow)
	r.Get("/workflows/{id}", s.handleGetWorkflow)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// requestLogger logs each request's route pattern, status and
// duration once chi has resolved it, grounded on the teacher's
// transport.metricsMiddleware wrapping pattern.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		rctx := chi.RouteContext(r.Context())
		pattern := r.URL.Path
		if rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		s.log.Info("http request",
			"method", r.Method,
			"path", pattern,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
