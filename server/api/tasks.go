package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/GoCodeAlone/conductor/assign"
	"github.com/GoCodeAlone/conductor/coordinator"
	"github.com/GoCodeAlone/conductor/task"
)

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var t task.Task
	if err := decode(w, r, &t); err != nil {
		h.fail(w, r, err)
		return
	}
	created, err := h.Svc.CreateTask(r.Context(), &t)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filter{
		ProjectID:          q.Get("project_id"),
		ParentID:           q.Get("parent_id"),
		AssignedAgentID:    q.Get("agent_id"),
		WorkflowInstanceID: q.Get("workflow_id"),
	}
	if s := q.Get("status"); s != "" {
		st := task.Status(s)
		if !st.Valid() {
			h.fail(w, r, fmt.Errorf("%w: unknown status %q", errBadRequest, s))
			return
		}
		f.Status = &st
	}
	var err error
	if f.Limit, err = queryInt(r, "limit", 0); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		h.fail(w, r, err)
		return
	}
	tasks, err := h.Svc.ListTasks(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Svc.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// pollTask claims the next runnable task for an agent. It answers 204 when
// nothing is available.
func (h *Handlers) pollTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID      string   `json:"agent_id"`
		Capabilities []string `json:"capabilities"`
	}
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.AgentID == "" {
		h.fail(w, r, fmt.Errorf("%w: agent_id is required", errBadRequest))
		return
	}
	t, err := h.Svc.PollTask(r.Context(), req.AgentID, req.Capabilities)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type transitionRequest struct {
	AgentID string          `json:"agent_id"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (h *Handlers) startTask(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.Svc.StartTask(r.Context(), r.PathValue("id"), req.AgentID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) completeTask(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.Svc.CompleteTask(r.Context(), r.PathValue("id"), req.AgentID, req.Output)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) failTask(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.Svc.FailTask(r.Context(), r.PathValue("id"), req.AgentID, req.Error)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) releaseTask(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.Svc.ReleaseTask(r.Context(), r.PathValue("id"), req.AgentID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Svc.CancelTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": ids})
}

func (h *Handlers) assignTask(w http.ResponseWriter, r *http.Request) {
	var req coordinator.AssignRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	req.TaskID = r.PathValue("id")
	res, err := h.Svc.AssignTask(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) getDependencies(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Svc.ResolveDependencies(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handlers) addDependencies(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DependsOn []string `json:"depends_on"`
	}
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.Svc.AddDependencies(r.Context(), r.PathValue("id"), req.DependsOn)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) appendLog(w http.ResponseWriter, r *http.Request) {
	var l task.Log
	if err := decode(w, r, &l); err != nil {
		h.fail(w, r, err)
		return
	}
	l.TaskID = r.PathValue("id")
	created, err := h.Svc.AppendTaskLog(r.Context(), &l)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	logs, err := h.Svc.ListTaskLogs(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if logs == nil {
		logs = []*task.Log{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handlers) recordApproval(w http.ResponseWriter, r *http.Request) {
	var req coordinator.ApprovalRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	req.TaskID = r.PathValue("id")
	st, err := h.Svc.RecordApproval(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) listApprovals(w http.ResponseWriter, r *http.Request) {
	st, err := h.Svc.Approvals(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) listAssignments(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Svc.ListAssignments(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []*assign.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}
