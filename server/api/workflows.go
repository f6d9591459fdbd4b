package api

import (
	"net/http"

	"github.com/GoCodeAlone/conductor/coordinator"
	"github.com/GoCodeAlone/conductor/workflow"
)

func (h *Handlers) decompose(w http.ResponseWriter, r *http.Request) {
	var req coordinator.DecomposeRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.Svc.DecomposeWorkflow(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handlers) getWorkflow(w http.ResponseWriter, r *http.Request) {
	inst, err := h.Svc.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *Handlers) checkGates(w http.ResponseWriter, r *http.Request) {
	c, err := h.Svc.CheckPhaseGates(r.Context(), r.PathValue("id"), r.PathValue("phase"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) evaluateGates(w http.ResponseWriter, r *http.Request) {
	c, err := h.Svc.EvaluatePhaseGates(r.Context(), r.PathValue("id"), r.PathValue("phase"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) advancePhase(w http.ResponseWriter, r *http.Request) {
	inst, err := h.Svc.AdvancePhase(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *Handlers) readiness(w http.ResponseWriter, r *http.Request) {
	rd, err := h.Svc.CheckDeploymentReadiness(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (h *Handlers) gateResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Passed  bool   `json:"passed"`
		Details string `json:"details"`
	}
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	g, err := h.Svc.RecordGateResult(r.Context(), r.PathValue("id"), req.Passed, req.Details)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handlers) listTemplates(w http.ResponseWriter, _ *http.Request) {
	tpls := h.Svc.ListTemplates()
	if tpls == nil {
		tpls = []*workflow.Template{}
	}
	writeJSON(w, http.StatusOK, tpls)
}
