package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/acurioustractor/farmhand/agent"
	"github.com/acurioustractor/farmhand/dispatch"
	"github.com/acurioustractor/farmhand/gate"
	"github.com/acurioustractor/farmhand/heartbeat"
	"github.com/acurioustractor/farmhand/task"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Tasks      task.Store
	Agents     agent.Registry
	Dispatcher Dispatcher
	Gate       Reviewer
	Heartbeat  Ticker        // optional; POST /api/heartbeat returns 503 without it
	TickWait   time.Duration // how long POST /api/heartbeat waits for executions, default 10s
	Logger     *slog.Logger
	Version    string
	StartAt    time.Time
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("GET /api/tasks/{id}/audit", h.taskAudit)
	mux.HandleFunc("POST /api/tasks/{id}/approve", h.approve)
	mux.HandleFunc("POST /api/tasks/{id}/reject", h.reject)
	mux.HandleFunc("POST /api/tasks/{id}/modify", h.modify)
	mux.HandleFunc("GET /api/reviews", h.listPending)

	mux.HandleFunc("GET /api/agents", h.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", h.getAgent)
	mux.HandleFunc("POST /api/agents/{id}/enable", h.setEnabled(true))
	mux.HandleFunc("POST /api/agents/{id}/disable", h.setEnabled(false))

	mux.HandleFunc("POST /api/heartbeat", h.tick)

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, agent.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrNotInReview),
		errors.Is(err, task.ErrModifyLimit),
		errors.Is(err, task.ErrOptimisticLock),
		errors.Is(err, task.ErrInvalidStateTransition),
		errors.Is(err, heartbeat.ErrTickInProgress):
		return http.StatusConflict
	case errors.Is(err, task.ErrNoCapableAgent),
		errors.Is(err, task.ErrClassificationFailed),
		errors.Is(err, task.ErrCyclicDependency):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrInvalidRequest), errors.Is(err, gate.ErrInvalidDecision):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger().Error("api request failed",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("err", err))
	}
	writeError(w, code, err.Error())
}

// reviewer picks the reviewer named in the body, else the authenticated subject.
func reviewer(r *http.Request, named string) string {
	if named = strings.TrimSpace(named); named != "" {
		return named
	}
	return Subject(r.Context())
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{
		AssignedAgent: q.Get("agent"),
		TaskType:      q.Get("task_type"),
	}
	if s := q.Get("status"); s != "" {
		st := task.Status(s)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
		filter.Status = &st
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	tasks, err := h.Tasks.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = Subject(r.Context())
	}
	if req.Source == "" {
		req.Source = "api"
	}
	t, err := h.Dispatcher.Dispatch(r.Context(), req)
	if errors.Is(err, task.ErrTaskNotFound) {
		// an unknown dependency is a problem with the request, not a missing resource
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) taskAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.Tasks.Get(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.Tasks.Audit(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []task.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Review handlers ---

type decisionRequest struct {
	Reviewer string          `json:"reviewer"`
	Feedback string          `json:"feedback,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
}

func decodeDecision(w http.ResponseWriter, r *http.Request) (decisionRequest, bool) {
	var req decisionRequest
	if r.ContentLength == 0 {
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return req, false
	}
	return req, true
}

func (h *Handlers) listPending(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Gate.ListPending(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) approve(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	t, err := h.Gate.Approve(r.Context(), r.PathValue("id"), reviewer(r, req.Reviewer))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) reject(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	t, err := h.Gate.Reject(r.Context(), r.PathValue("id"), reviewer(r, req.Reviewer), req.Feedback)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) modify(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	t, err := h.Gate.Modify(r.Context(), r.PathValue("id"), reviewer(r, req.Reviewer), req.Output)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

// --- Heartbeat ---

func (h *Handlers) tick(w http.ResponseWriter, r *http.Request) {
	if h.Heartbeat == nil {
		writeError(w, http.StatusServiceUnavailable, "heartbeat not running")
		return
	}
	wait := h.TickWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	report, err := h.Heartbeat.TickWithin(r.Context(), wait)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Status / version ---

type statusResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	Uptime     string         `json:"uptime"`
	Tasks      map[string]int `json:"tasks"`
	Agents     int            `json:"agents"`
	IdleAgents int            `json:"idle_agents"`
}

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:  "ok",
		Version: h.Version,
		Tasks:   make(map[string]int),
	}
	if !h.StartAt.IsZero() {
		resp.Uptime = time.Since(h.StartAt).Round(time.Second).String()
	}
	if h.Tasks != nil {
		tasks, err := h.Tasks.List(r.Context(), task.Filter{})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		for _, t := range tasks {
			resp.Tasks[string(t.Status)]++
		}
	}
	if h.Agents != nil {
		agents, err := h.Agents.ListAgents(r.Context())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		resp.Agents = len(agents)
		resp.IdleAgents = len(agent.IdleOrder(agents))
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
