// SPDX-License-Identifier: MIT

// Package api is the HTTP surface of the orchestrator: image upload and
// lifecycle, session start/stop/heartbeat, machine registry, hardware
// auto-discovery, pre-flight results and the per-machine iPXE boot scripts.
// Authentication and RBAC sit in front of this service, not inside it.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ggnet/diskless/internal/bootfile"
	"github.com/ggnet/diskless/internal/bus"
	"github.com/ggnet/diskless/internal/imagestore"
	"github.com/ggnet/diskless/internal/log"
	"github.com/ggnet/diskless/internal/preflight"
	"github.com/ggnet/diskless/internal/session"
	"github.com/ggnet/diskless/internal/store"
	"github.com/ggnet/diskless/internal/version"
)

var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ggnet_http_requests_total",
	Help: "HTTP requests by method, route and status",
}, []string{"method", "route", "status"})

// Server bundles the handlers' dependencies.
type Server struct {
	st         store.Store
	images     *imagestore.ImageStore
	orch       *session.Orchestrator
	checks     *preflight.Checker
	gen        *bootfile.Generator
	events     bus.Bus
	uploadIdle time.Duration
}

// New creates the API server. uploadIdle bounds the gap between upload
// chunks; zero selects one minute.
func New(st store.Store, images *imagestore.ImageStore, orch *session.Orchestrator, checks *preflight.Checker, gen *bootfile.Generator, events bus.Bus, uploadIdle time.Duration) *Server {
	if uploadIdle <= 0 {
		uploadIdle = time.Minute
	}
	return &Server{st: st, images: images, orch: orch, checks: checks, gen: gen, events: events, uploadIdle: uploadIdle}
}

// Router assembles the chi router with logging, request IDs and rate limits
// on the mutating routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(logMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Boot scripts are fetched by iPXE over plain HTTP; no rate limit, the
	// firmware retries aggressively.
	r.Get("/boot/{mac}.ipxe", s.handleBootScript)

	r.Route("/api", func(r chi.Router) {
		r.Get("/images", s.handleListImages)
		r.Get("/images/{id}", s.handleGetImage)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Get("/machines", s.handleListMachines)
		r.Get("/machines/{id}", s.handleGetMachine)
		r.Get("/preflight", s.handlePreflight)
		r.Get("/audit", s.handleListAudit)

		// Mutations are rate limited per client IP.
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(60, time.Minute))
			r.Post("/images", s.handleIngestImage)
			r.Delete("/images/{id}", s.handleDeleteImage)
			r.Post("/sessions", s.handleStartSession)
			r.Delete("/sessions/{id}", s.handleStopSession)
			r.Post("/sessions/{id}/heartbeat", s.handleHeartbeat)
			r.Post("/hardware-report", s.handleHardwareReport)
			r.Delete("/machines/{id}", s.handleDeleteMachine)
			r.Post("/preflight/run", s.handleRunPreflight)
		})
	})

	return r
}

// requestIDMiddleware stamps every request with an ID for correlation,
// honoring one supplied by a fronting proxy.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// logMiddleware emits one structured line per request.
func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequests.WithLabelValues(r.Method, route, http.StatusText(rec.status)).Inc()
		log.FromContext(r.Context()).Info().
			Str("component", "api").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("request")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.st.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "state store unreachable"})
		return
	}
	if !s.checks.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "pre-flight checks failing"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
