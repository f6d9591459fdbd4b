package api

import (
	"fmt"
	"net/http"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/store"
)

func (h *Handlers) registerAgent(w http.ResponseWriter, r *http.Request) {
	var a agent.Agent
	if err := decode(w, r, &a); err != nil {
		h.fail(w, r, err)
		return
	}
	created, err := h.Svc.RegisterAgent(r.Context(), &a)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AgentFilter{
		Status:        agent.Status(q.Get("status")),
		Type:          agent.Type(q.Get("type")),
		AvailableOnly: q.Get("available") == "true",
	}
	agents, err := h.Svc.ListAgents(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if agents == nil {
		agents = []*agent.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Svc.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string       `json:"agent_id"`
		Status  agent.Status `json:"status"`
	}
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.AgentID == "" {
		h.fail(w, r, fmt.Errorf("%w: agent_id is required", errBadRequest))
		return
	}
	a, err := h.Svc.Heartbeat(r.Context(), req.AgentID, req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
