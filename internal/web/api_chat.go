package web

import (
	"net/http"

	"github.com/haasonsaas/troupe/internal/chat"
	"github.com/haasonsaas/troupe/internal/identity"
	"github.com/haasonsaas/troupe/pkg/models"
)

// apiChatStream handles POST /api/chat/stream. The response is an SSE
// stream; once the first frame is written, failures travel as error
// events inside the stream rather than as status codes.
func (h *Handler) apiChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req struct {
		RoleID   string             `json:"roleId"`
		Timezone string             `json:"timezone"`
		Locale   string             `json:"locale"`
		Messages []models.Message   `json:"messages"`
		Viewer   *models.ViewerFile `json:"viewerFile"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		h.jsonFailure(w, "messages are required")
		return
	}

	// The role comes from the X-Role-ID header when present, otherwise
	// from the request body.
	rc, found := identity.RoleContextFromContext(r.Context())
	if !found {
		if req.RoleID == "" {
			h.jsonFailure(w, "roleId is required")
			return
		}
		rc, ok = h.resolveOwnedRole(w, r, req.RoleID)
		if !ok {
			return
		}
	}

	// Tenancy fields are server-assigned; client-sent values are not
	// trusted.
	for i := range req.Messages {
		req.Messages[i].UserID = user.ID
		req.Messages[i].RoleID = rc.RoleID
		req.Messages[i].GroupID = rc.GroupID
	}

	turn := &chat.Turn{
		UserID:   user.ID,
		RoleID:   rc.RoleID,
		GroupID:  rc.GroupID,
		Role:     rc.Role,
		Messages: req.Messages,
		Timezone: req.Timezone,
		Locale:   req.Locale,
		Viewer:   req.Viewer,
	}
	if err := h.config.Chat.StreamTurn(r.Context(), w, turn); err != nil {
		h.config.Logger.Error("chat stream failed", "role_id", rc.RoleID, "error", err)
		// Before any frame is written the response has no content type
		// yet and a JSON error can still go out; afterwards the stream
		// already carried its own error event.
		if w.Header().Get("Content-Type") == "" {
			h.jsonError(w, "internal error", http.StatusInternalServerError)
		}
	}
}
