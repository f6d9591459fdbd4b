// Package api implements the JSON REST handlers over the coordinator.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/assign"
	"github.com/GoCodeAlone/conductor/coordinator"
	"github.com/GoCodeAlone/conductor/events"
	"github.com/GoCodeAlone/conductor/store"
	"github.com/GoCodeAlone/conductor/task"
	"github.com/GoCodeAlone/conductor/workflow"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Svc     *coordinator.Service
	Logger  *slog.Logger
	Version string
	StartAt time.Time
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}

	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks/poll", h.pollTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/start", h.startTask)
	mux.HandleFunc("POST /api/tasks/{id}/complete", h.completeTask)
	mux.HandleFunc("POST /api/tasks/{id}/fail", h.failTask)
	mux.HandleFunc("POST /api/tasks/{id}/release", h.releaseTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.cancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/assign", h.assignTask)
	mux.HandleFunc("GET /api/tasks/{id}/dependencies", h.getDependencies)
	mux.HandleFunc("POST /api/tasks/{id}/dependencies", h.addDependencies)
	mux.HandleFunc("GET /api/tasks/{id}/logs", h.listLogs)
	mux.HandleFunc("POST /api/tasks/{id}/logs", h.appendLog)
	mux.HandleFunc("GET /api/tasks/{id}/approvals", h.listApprovals)
	mux.HandleFunc("POST /api/tasks/{id}/approvals", h.recordApproval)
	mux.HandleFunc("GET /api/tasks/{id}/assignments", h.listAssignments)

	mux.HandleFunc("POST /api/agents", h.registerAgent)
	mux.HandleFunc("GET /api/agents", h.listAgents)
	mux.HandleFunc("POST /api/agents/heartbeat", h.heartbeat)
	mux.HandleFunc("GET /api/agents/{id}", h.getAgent)

	mux.HandleFunc("POST /api/workflows", h.decompose)
	mux.HandleFunc("GET /api/workflows/{id}", h.getWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/phases/{phase}/gates", h.checkGates)
	mux.HandleFunc("POST /api/workflows/{id}/phases/{phase}/evaluate", h.evaluateGates)
	mux.HandleFunc("POST /api/workflows/{id}/advance", h.advancePhase)
	mux.HandleFunc("GET /api/workflows/{id}/readiness", h.readiness)
	mux.HandleFunc("POST /api/gates/{id}/result", h.gateResult)
	mux.HandleFunc("GET /api/templates", h.listTemplates)

	mux.HandleFunc("POST /api/jobs/process", h.processJobs)
	mux.HandleFunc("GET /api/jobs", h.listJobs)

	mux.HandleFunc("GET /api/events", h.listEvents)
	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
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

var errBadRequest = errors.New("bad request")

// StatusFor maps a coordinator error to its HTTP status.
func StatusFor(err error) int {
	var te *task.TransitionError
	switch {
	case errors.As(err, &te), errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, workflow.ErrPhaseConflict), errors.Is(err, store.ErrAlreadyDecomposed):
		return http.StatusConflict
	case errors.Is(err, assign.ErrNoCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, task.ErrBlocked), errors.Is(err, task.ErrCycle), errors.Is(err, workflow.ErrPhaseNotReady):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound), errors.Is(err, workflow.ErrUnknownTemplate):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errBadRequest), errors.Is(err, task.ErrInvalid),
		errors.Is(err, agent.ErrInvalid), errors.Is(err, workflow.ErrInvalidTemplate):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Server errors are logged.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		h.Logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("err", err))
	}
	writeError(w, code, err.Error())
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}

// queryInt returns the integer query parameter name, or def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return n, nil
}

// --- Events / status / version ---

func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	evs := h.Svc.Bus().History(events.Filter{
		Type:    events.Type(q.Get("type")),
		TaskID:  q.Get("task_id"),
		AgentID: q.Get("agent_id"),
		Limit:   limit,
	})
	if evs == nil {
		evs = []*events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.Svc.Status(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := map[string]any{
		"status":  "ok",
		"version": h.Version,
		"counts":  st,
	}
	if !h.StartAt.IsZero() {
		resp["uptime_seconds"] = int64(time.Since(h.StartAt).Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
