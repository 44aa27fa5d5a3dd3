package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/haasonsaas/troupe/internal/store"
	"github.com/haasonsaas/troupe/pkg/models"
)

// apiScheduledJobs handles GET /api/scheduled-jobs.
func (h *Handler) apiScheduledJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	jobs, err := h.config.Store.ListScheduledJobs(r.Context(), user.ID)
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{"jobs": jobs})
}

// apiScheduledJob handles DELETE /api/scheduled-jobs/{id}. Live jobs
// are cancelled; jobs that already reached a terminal state have their
// row removed instead.
func (h *Handler) apiScheduledJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/scheduled-jobs/"), "/")
	if id == "" {
		h.jsonError(w, "Not found", http.StatusNotFound)
		return
	}

	job, err := h.config.Store.GetScheduledJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.jsonFailure(w, "job not found")
		return
	}
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	// Foreign jobs read as missing so ids cannot be probed.
	if job.UserID != user.ID {
		h.jsonFailure(w, "job not found")
		return
	}

	cancelled, err := h.config.Jobs.Cancel(r.Context(), id)
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	if cancelled {
		h.jsonResponse(w, map[string]any{"cancelled": true, "status": models.JobCancelled})
		return
	}
	if err := h.config.Store.DeleteScheduledJob(r.Context(), id); err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{"deleted": true})
}
