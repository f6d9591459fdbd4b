package api

import (
	"net/http"

	"github.com/GoCodeAlone/conductor/jobs"
	"github.com/GoCodeAlone/conductor/store"
)

func (h *Handlers) processJobs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxJobs int `json:"max_jobs"`
	}
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	stats, err := h.Svc.ProcessJobsBatch(r.Context(), req.MaxJobs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	list, err := h.Svc.ListJobs(r.Context(), store.JobFilter{
		Status: jobs.Status(q.Get("status")),
		Type:   jobs.Type(q.Get("type")),
		Limit:  limit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}
