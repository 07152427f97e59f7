package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/liamcoop/rulecache/projects"
	"github.com/liamcoop/rulecache/rules"
)

const maxRequestBodyBytes = 10 << 20

// ruleWriter is implemented by sources that accept rule writes.
type ruleWriter interface {
	Save(ctx context.Context, doc rules.RuleDocument) (rules.RuleMetadata, error)
	Delete(ctx context.Context, id string) error
}

type Server struct {
	manager  *projects.Manager
	db       *sql.DB
	registry *prometheus.Registry
	logger   zerolog.Logger
	timeout  time.Duration
	router   *chi.Mux
}

// NewServer wires the HTTP API over manager. db and registry may be nil.
func NewServer(manager *projects.Manager, db *sql.DB, registry *prometheus.Registry, timeout time.Duration, logger zerolog.Logger) *Server {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	s := &Server{
		manager:  manager,
		db:       db,
		registry: registry,
		logger:   logger.With().Str("component", "http").Logger(),
		timeout:  timeout,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/health", s.handleHealth)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	}

	r.Route("/api/v1/projects", func(r chi.Router) {
		r.Get("/", s.handleListProjects)

		r.Route("/{projectId}", func(r chi.Router) {
			r.Get("/status", s.handleStatus)

			// Rules
			r.Get("/rules", s.handleListRules)
			r.Get("/rules/*", s.handleGetRule)
			r.Put("/rules/*", s.handleSaveRule)
			r.Delete("/rules/*", s.handleDeleteRule)

			// Cache
			r.Get("/cache/stats", s.handleCacheStats)
			r.Get("/cache/versions", s.handleCheckVersions)
			r.Post("/cache/refresh", s.handleRefresh)

			// Execution
			r.Post("/execute", s.handleExecute)
			r.Post("/execute/one", s.handleExecuteOne)
			r.Post("/execute/batch", s.handleExecuteBatch)

			// Hot reload
			r.Post("/hot-reload/start", s.handleHotReloadStart)
			r.Post("/hot-reload/stop", s.handleHotReloadStop)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// accessLog writes one structured line per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		event := s.logger.Info()
		if status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"projectsLoaded": len(s.manager.List()),
		"version":        rules.Version,
	})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	resp := ProjectsListResponse{Projects: []rules.Status{}}
	for _, id := range s.manager.List() {
		engine, err := s.manager.Get(id)
		if err != nil {
			continue
		}
		resp.Projects = append(resp.Projects, engine.Status())
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, engine.Status())
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: engine.Rules()})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	ruleID := ruleIDParam(r)
	for _, meta := range engine.Rules() {
		if meta.ID == ruleID {
			respondJSON(w, http.StatusOK, meta)
			return
		}
	}
	respondError(w, http.StatusNotFound, "rule not found", fmt.Errorf("%w: %s", rules.ErrRuleNotFound, ruleID))
}

// handleSaveRule writes a rule to the project's source and refreshes the
// cached copy.
func (s *Server) handleSaveRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	writer, ok := engine.Source().(ruleWriter)
	if !ok {
		respondError(w, http.StatusConflict, "project source is read-only", nil)
		return
	}

	var req SaveRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Definition) == 0 {
		respondError(w, http.StatusBadRequest, "definition is required", nil)
		return
	}
	if _, err := rules.ParseDefinition(req.Definition); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule definition", err)
		return
	}

	ruleID := ruleIDParam(r)
	meta, err := writer.Save(r.Context(), rules.RuleDocument{
		Metadata: rules.RuleMetadata{
			ID:        ruleID,
			Name:      req.Name,
			Version:   req.Version,
			Tags:      req.Tags,
			DependsOn: req.DependsOn,
		},
		Content: req.Definition,
	})
	if err != nil {
		respondError(w, statusFor(err), "failed to save rule", err)
		return
	}

	res, err := engine.RefreshCache(r.Context(), ruleID)
	if err != nil {
		respondError(w, statusFor(err), "rule saved but cache refresh failed", err)
		return
	}
	if refreshErr := res.Errors[ruleID]; refreshErr != nil {
		respondError(w, statusFor(refreshErr), "rule saved but cache refresh failed", refreshErr)
		return
	}

	respondJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	writer, ok := engine.Source().(ruleWriter)
	if !ok {
		respondError(w, http.StatusConflict, "project source is read-only", nil)
		return
	}

	ruleID := ruleIDParam(r)
	if err := writer.Delete(r.Context(), ruleID); err != nil {
		respondError(w, statusFor(err), "failed to delete rule", err)
		return
	}
	engine.Evict(ruleID)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, engine.CacheStats())
}

func (s *Server) handleCheckVersions(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	changed, err := engine.CheckVersions(r.Context())
	if err != nil {
		respondError(w, statusFor(err), "version check failed", err)
		return
	}
	if changed == nil {
		changed = []string{}
	}
	respondJSON(w, http.StatusOK, VersionsResponse{Changed: changed})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req RefreshRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	res, err := engine.RefreshCache(r.Context(), req.IDs...)
	if err != nil {
		respondError(w, statusFor(err), "refresh failed", err)
		return
	}

	resp := RefreshResponse{Refreshed: res.Refreshed}
	if resp.Refreshed == nil {
		resp.Refreshed = []string{}
	}
	if len(res.Errors) > 0 {
		resp.Errors = make(map[string]string, len(res.Errors))
		for id, err := range res.Errors {
			resp.Errors[id] = err.Error()
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req ExecuteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}

	res, err := engine.Execute(r.Context(), req.Selector, req.Input, req.Options.batchOptions())
	var batchErr *rules.BatchError
	if err != nil && !errors.As(err, &batchErr) {
		respondError(w, statusFor(err), "execution failed", err)
		return
	}

	resp := ExecuteResponse{Results: res.Results, Errors: res.Errors}
	status := http.StatusOK
	if batchErr != nil {
		resp.Error = batchErr.Error()
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, resp)
}

func (s *Server) handleExecuteOne(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req ExecuteOneRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RuleID == "" {
		respondError(w, http.StatusBadRequest, "ruleId is required", nil)
		return
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}

	out, err := engine.ExecuteOne(r.Context(), req.RuleID, req.Input)
	if err != nil {
		respondError(w, statusFor(err), "execution failed", err)
		return
	}
	respondJSON(w, http.StatusOK, ExecuteOneResponse{RuleID: req.RuleID, Output: out})
}

func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req BatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Inputs) == 0 {
		respondError(w, http.StatusBadRequest, "inputs are required", nil)
		return
	}

	results, err := engine.ExecuteBatch(r.Context(), req.Inputs, req.Selector, req.Options.batchOptions())
	var batchErr *rules.BatchError
	if err != nil && !errors.As(err, &batchErr) {
		respondError(w, statusFor(err), "batch execution failed", err)
		return
	}

	resp := BatchResponse{BatchSize: len(req.Inputs), Results: results}
	for _, res := range results {
		if res.Success {
			resp.Succeeded++
		}
	}
	status := http.StatusOK
	if batchErr != nil {
		resp.Error = batchErr.Error()
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, resp)
}

func (s *Server) handleHotReloadStart(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := engine.StartHotReload(); err != nil {
		respondError(w, statusFor(err), "failed to start hot reload", err)
		return
	}
	respondJSON(w, http.StatusOK, HotReloadResponse{Active: engine.HotReloadActive()})
}

func (s *Server) handleHotReloadStop(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := engine.StopHotReload(); err != nil {
		respondError(w, statusFor(err), "failed to stop hot reload", err)
		return
	}
	respondJSON(w, http.StatusOK, HotReloadResponse{Active: engine.HotReloadActive()})
}

// ruleIDParam returns the rule id from the wildcard path segment. Ids may
// contain "/" either literally or escaped.
func ruleIDParam(r *http.Request) string {
	raw := chi.URLParam(r, "*")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

// engine resolves the project of the request, replying 404 when unknown.
func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*rules.Engine, bool) {
	engine, err := s.manager.Get(chi.URLParam(r, "projectId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "project not found", err)
		return nil, false
	}
	return engine, true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, projects.ErrProjectNotFound), errors.Is(err, rules.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrEmptySelector), errors.Is(err, rules.ErrConfigurationInvalid):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, rules.ErrEvaluationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, rules.ErrRuleExecutionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, rules.ErrSourceUnavailable),
		errors.Is(err, rules.ErrSourceBadResponse),
		errors.Is(err, rules.ErrSourceNotFound):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}
