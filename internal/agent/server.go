// Package agent is the in-container execution sidecar. It exposes the
// load/invoke contract the control plane speaks and runs handler code in
// killable subprocesses.
package agent

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type loadRequest struct {
	Code    string            `json:"code"`
	Handler string            `json:"handler"`
	EnvVars map[string]string `json:"env_vars"`
}

type invokeRequest struct {
	Event          map[string]any    `json:"event"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Code           string            `json:"code,omitempty"`
	Handler        string            `json:"handler,omitempty"`
	EnvVars        map[string]string `json:"env_vars,omitempty"`
}

// Server serves the agent HTTP contract.
type Server struct {
	executor *Executor
	lg       zerolog.Logger
}

func NewServer(executor *Executor, lg zerolog.Logger) *Server {
	return &Server{executor: executor, lg: lg.With().Str("component", "agent-server").Logger()}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.health)
	r.Post("/load", s.load)
	r.Post("/invoke", s.invoke)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"ready":  true,
		"loaded": s.executor.Loaded(),
	})
}

func (s *Server) load(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}
	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing 'code' field"})
		return
	}

	s.executor.Load(req.Code, req.Handler, req.EnvVars)
	s.lg.Info().Str("handler", req.Handler).Int("code_bytes", len(req.Code)).Msg("function loaded")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Function loaded"})
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}

	// One-shot execution: load inline code before running.
	if req.Code != "" {
		s.executor.Load(req.Code, req.Handler, req.EnvVars)
	}
	if req.Event == nil {
		req.Event = make(map[string]any)
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = 30
	}

	// The invocation owns its deadline; a dropped connection must not kill
	// a running handler.
	result := s.executor.Execute(context.Background(), req.Event, req.TimeoutSeconds)

	s.lg.Info().
		Bool("success", result.Success).
		Int64("execution_time_ms", result.ExecutionTimeMS).
		Msg("invocation finished")
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
