// Package http is the outer delivery layer: a chi router that decodes
// requests, calls into the core, and writes JSON. No domain logic lives
// here.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fish-not-phish/FnBox/internal/core/functions"
	"github.com/fish-not-phish/FnBox/internal/core/triggers"
	"github.com/fish-not-phish/FnBox/internal/queue"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
	"gorm.io/gorm"
)

type Handler struct {
	mgr   *functions.Manager
	co    *functions.Coordinator
	store functions.Store
	orch  functions.Orchestrator
	sched *triggers.Scheduler
	tasks *queue.Queue
	lg    zerolog.Logger
}

func NewHandler(
	mgr *functions.Manager,
	co *functions.Coordinator,
	store functions.Store,
	orch functions.Orchestrator,
	sched *triggers.Scheduler,
	tasks *queue.Queue,
	lg zerolog.Logger,
) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	h := &Handler{mgr: mgr, co: co, store: store, orch: orch, sched: sched, tasks: tasks, lg: lg}

	r.Get("/health", h.handleHealth)
	r.Get("/swagger/*", httpSwagger.WrapHandler)

	r.Route("/functions", func(r chi.Router) {
		r.Post("/", h.handleCreateFunction)
		r.Get("/", h.handleListFunctions)

		r.Route("/{functionID}", func(r chi.Router) {
			r.Get("/", h.handleGetFunction)
			r.Delete("/", h.handleDeleteFunction)

			r.Post("/deploy", h.handleDeploy)
			r.Post("/undeploy", h.handleUndeploy)
			r.Post("/invoke", h.handleInvoke)
			r.Post("/invoke-async", h.handleInvokeAsync)
			r.Get("/invocations", h.handleListInvocations)

			r.Get("/status", h.handleDeploymentStatus)
			r.Post("/scale", h.handleScale)

			r.Post("/triggers", h.handleUpsertTrigger)
			r.Get("/triggers", h.handleListTriggers)
			r.Delete("/triggers/{triggerID}", h.handleDeleteTrigger)
		})
	})

	r.Get("/invocations/{requestID}", h.handleGetInvocation)
	r.Get("/deployments", h.handleListDeployments)

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateFunction registers a new function in draft state.
//
//	@Summary  Create a function
//	@Accept   json
//	@Produce  json
//	@Param    function body functions.CreateFunctionParams true "Function definition"
//	@Success  201 {object} functions.Function
//	@Router   /functions [post]
func (h *Handler) handleCreateFunction(w http.ResponseWriter, r *http.Request) {
	var params functions.CreateFunctionParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	fn, err := h.mgr.CreateFunction(r.Context(), params)
	if err != nil {
		h.lg.Error().Err(err).Msg("create function")
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, fn)
}

//	@Summary  List functions
//	@Produce  json
//	@Success  200 {array} functions.Function
//	@Router   /functions [get]
func (h *Handler) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	list, err := h.mgr.ListFunctions(r.Context())
	if err != nil {
		h.lg.Error().Err(err).Msg("list functions")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	fn, err := h.mgr.GetFunction(r.Context(), chi.URLParam(r, "functionID"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fn)
}

func (h *Handler) handleDeleteFunction(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.DeleteFunction(r.Context(), chi.URLParam(r, "functionID")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeploy queues a deployment job. Provisioning runs in the background;
// poll the function status for the outcome.
//
//	@Summary  Deploy a function
//	@Produce  json
//	@Param    functionID path string true "Function ID"
//	@Success  202 {object} map[string]string
//	@Router   /functions/{functionID}/deploy [post]
func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	functionID := chi.URLParam(r, "functionID")
	fn, err := h.mgr.GetFunction(r.Context(), functionID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if fn.Status == functions.StatusDeploying || fn.Status == functions.StatusUndeploying {
		writeError(w, http.StatusConflict, "deploy or undeploy already in progress")
		return
	}

	if err := h.tasks.Enqueue(r.Context(), queue.Task{Type: queue.TaskDeploy, FunctionID: functionID}); err != nil {
		h.lg.Error().Err(err).Msg("enqueue deploy")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "deploying", "function_id": functionID})
}

func (h *Handler) handleUndeploy(w http.ResponseWriter, r *http.Request) {
	functionID := chi.URLParam(r, "functionID")
	fn, err := h.mgr.GetFunction(r.Context(), functionID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if fn.Status == functions.StatusDeploying || fn.Status == functions.StatusUndeploying {
		writeError(w, http.StatusConflict, "deploy or undeploy already in progress")
		return
	}

	if err := h.tasks.Enqueue(r.Context(), queue.Task{Type: queue.TaskUndeploy, FunctionID: functionID}); err != nil {
		h.lg.Error().Err(err).Msg("enqueue undeploy")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "undeploying", "function_id": functionID})
}

// handleInvoke runs a function synchronously and returns the invocation
// record, including the handler result or its classified failure.
//
//	@Summary  Invoke a function
//	@Accept   json
//	@Produce  json
//	@Param    functionID path string true "Function ID"
//	@Success  200 {object} functions.Invocation
//	@Router   /functions/{functionID}/invoke [post]
func (h *Handler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event map[string]any `json:"event"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}

	inv, err := h.co.Invoke(r.Context(), chi.URLParam(r, "functionID"), req.Event, "")
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// handleInvokeAsync queues an invocation and returns its request ID for
// polling.
func (h *Handler) handleInvokeAsync(w http.ResponseWriter, r *http.Request) {
	functionID := chi.URLParam(r, "functionID")
	var req struct {
		Event map[string]any `json:"event"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}

	fn, err := h.mgr.GetFunction(r.Context(), functionID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if !fn.Deployed() {
		writeError(w, http.StatusConflict, "function is not deployed")
		return
	}

	requestID := functions.NewRequestID()
	err = h.tasks.Enqueue(r.Context(), queue.Task{
		Type:       queue.TaskInvoke,
		FunctionID: functionID,
		RequestID:  requestID,
		Event:      req.Event,
	})
	if err != nil {
		h.lg.Error().Err(err).Msg("enqueue invocation")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": requestID, "status": "queued"})
}

func (h *Handler) handleGetInvocation(w http.ResponseWriter, r *http.Request) {
	inv, err := h.store.GetInvocation(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	list, err := h.store.ListInvocations(r.Context(), chi.URLParam(r, "functionID"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleDeploymentStatus reports the live workload state behind a function.
func (h *Handler) handleDeploymentStatus(w http.ResponseWriter, r *http.Request) {
	fn, err := h.mgr.GetFunction(r.Context(), chi.URLParam(r, "functionID"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if fn.DeploymentName == "" {
		writeJSON(w, http.StatusOK, functions.DeploymentStatus{Status: "not_found"})
		return
	}

	status, err := h.orch.GetStatus(r.Context(), fn.DeploymentName)
	if err != nil {
		h.lg.Error().Err(err).Msg("deployment status")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleScale(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Replicas int32 `json:"replicas"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Replicas < 0 {
		writeError(w, http.StatusBadRequest, "replicas must not be negative")
		return
	}

	fn, err := h.mgr.GetFunction(r.Context(), chi.URLParam(r, "functionID"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if fn.DeploymentName == "" {
		writeError(w, http.StatusConflict, "function is not deployed")
		return
	}

	if err := h.orch.Scale(r.Context(), fn.DeploymentName, req.Replicas); err != nil {
		h.lg.Error().Err(err).Msg("scale deployment")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployment_name": fn.DeploymentName, "replicas": req.Replicas})
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	list, err := h.orch.List(r.Context())
	if err != nil {
		h.lg.Error().Err(err).Msg("list deployments")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleUpsertTrigger creates or updates a trigger and reconciles its
// schedule immediately.
func (h *Handler) handleUpsertTrigger(w http.ResponseWriter, r *http.Request) {
	functionID := chi.URLParam(r, "functionID")
	var tr functions.Trigger
	if err := json.NewDecoder(r.Body).Decode(&tr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if tr.Type != functions.TriggerScheduled && tr.Type != functions.TriggerHTTP {
		writeError(w, http.StatusBadRequest, "trigger type must be scheduled or http")
		return
	}
	if tr.Type == functions.TriggerScheduled {
		if tr.Schedule == "" {
			writeError(w, http.StatusBadRequest, "scheduled trigger requires a cron expression")
			return
		}
		// Reject bad expressions before anything is persisted.
		if err := triggers.ValidateSchedule(tr.Schedule); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if _, err := h.mgr.GetFunction(r.Context(), functionID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	tr.FunctionID = functionID
	if tr.ID == "" {
		tr.ID = uuid.NewString()
		tr.CreatedAt = time.Now().UTC()
	}
	if err := h.store.SaveTrigger(r.Context(), &tr); err != nil {
		h.lg.Error().Err(err).Msg("save trigger")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.sched.Reconcile(r.Context(), &tr); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (h *Handler) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListTriggers(r.Context(), chi.URLParam(r, "functionID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	triggerID := chi.URLParam(r, "triggerID")
	if err := h.store.DeleteTrigger(r.Context(), triggerID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	h.sched.Remove(triggerID)
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps core errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, functions.ErrNotDeployed),
		errors.Is(err, functions.ErrDeployConflict):
		return http.StatusConflict
	case errors.Is(err, functions.ErrTooManyInvocations):
		return http.StatusTooManyRequests
	case errors.Is(err, functions.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, functions.ErrUnsupportedRuntime):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
