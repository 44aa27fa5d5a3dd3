package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/haasonsaas/troupe/internal/viewer"
)

// apiViewerDownload handles POST /api/viewer/download: fetch a remote
// file into the viewer cache and hand back a preview handle.
func (h *Handler) apiViewerDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req viewer.DownloadRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		h.jsonFailure(w, "url is required")
		return
	}

	file, err := h.config.Viewer.Download(r.Context(), user.ID, req)
	if err != nil {
		// Bad URLs, oversized files, and upstream fetch failures are
		// all reported to the caller as-is.
		h.config.Logger.Warn("viewer download failed", "error", err)
		h.jsonFailure(w, err.Error())
		return
	}
	h.jsonResponse(w, map[string]any{"file": file})
}

// apiViewerFile handles GET /api/viewer/files/{id}, serving the cached
// bytes. Unlike the JSON endpoints it answers 404 on a miss: the path
// is used directly as an <img>/<iframe> source.
func (h *Handler) apiViewerFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/viewer/files/"), "/")
	if id == "" {
		h.jsonError(w, "Not found", http.StatusNotFound)
		return
	}

	file, err := h.config.Viewer.Open(id, user.ID)
	if errors.Is(err, viewer.ErrNotFound) {
		h.jsonError(w, "file not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}

	if file.MimeType != "" {
		w.Header().Set("Content-Type", file.MimeType)
	}
	http.ServeFile(w, r, file.AbsolutePath)
}
