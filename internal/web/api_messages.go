package web

import (
	"net/http"
	"strings"

	"github.com/haasonsaas/troupe/pkg/models"
)

const defaultMessagePageSize = 50

// apiMessages handles GET, POST, and DELETE /api/messages.
func (h *Handler) apiMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.messagesList(w, r)
	case http.MethodPost:
		h.messagesCreate(w, r)
	case http.MethodDelete:
		h.messagesClear(w, r)
	default:
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) messagesList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	roleID := q.Get("roleId")
	if roleID == "" {
		h.jsonFailure(w, "roleId is required")
		return
	}
	rc, ok := h.resolveOwnedRole(w, r, roleID)
	if !ok {
		return
	}

	limit := parseIntParam(q.Get("limit"), defaultMessagePageSize)
	page, err := h.config.Store.ListMessages(r.Context(), rc.UserID, rc.RoleID, limit, q.Get("before"))
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{"messages": page.Messages, "hasMore": page.HasMore})
}

func (h *Handler) messagesCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string             `json:"id"`
		RoleID  string             `json:"roleId"`
		Role    models.MessageRole `json:"role"`
		Content string             `json:"content"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.RoleID == "" {
		h.jsonFailure(w, "roleId is required")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		h.jsonFailure(w, "content is required")
		return
	}
	rc, ok := h.resolveOwnedRole(w, r, req.RoleID)
	if !ok {
		return
	}

	role := req.Role
	if role == "" {
		role = models.MessageRoleUser
	}
	msg := &models.Message{
		ID:      req.ID,
		UserID:  rc.UserID,
		RoleID:  rc.RoleID,
		GroupID: rc.GroupID,
		Role:    role,
		Content: req.Content,
	}
	if err := h.config.Store.SaveMessage(r.Context(), msg); err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{"message": msg})
}

func (h *Handler) messagesClear(w http.ResponseWriter, r *http.Request) {
	roleID := r.URL.Query().Get("roleId")
	if roleID == "" {
		h.jsonFailure(w, "roleId is required")
		return
	}
	rc, ok := h.resolveOwnedRole(w, r, roleID)
	if !ok {
		return
	}

	deleted, err := h.config.Store.ClearMessages(r.Context(), rc.UserID, rc.RoleID)
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{"deleted": deleted})
}

// apiMessagesMigrate handles POST /api/messages/migrate: a bulk import
// of client-side history. Every target role must belong to the caller.
func (h *Handler) apiMessagesMigrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Messages []models.Message `json:"messages"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		h.jsonResponse(w, map[string]any{"migrated": 0})
		return
	}

	resolved := map[string]string{}
	for i := range req.Messages {
		m := &req.Messages[i]
		if m.RoleID == "" {
			h.jsonFailure(w, "every message needs a roleId")
			return
		}
		groupID, seen := resolved[m.RoleID]
		if !seen {
			rc, err := h.config.Identity.ResolveRole(r.Context(), user.ID, m.RoleID)
			if err != nil {
				h.roleError(w, err)
				return
			}
			groupID = rc.GroupID
			resolved[m.RoleID] = groupID
		}
		m.UserID = user.ID
		m.GroupID = groupID
		if m.Role == "" {
			m.Role = models.MessageRoleUser
		}
	}

	migrated, err := h.config.Store.MigrateMessages(r.Context(), req.Messages)
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{"migrated": migrated})
}

// apiMessagesSearch handles GET /api/messages/search.
func (h *Handler) apiMessagesSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	keyword := strings.TrimSpace(q.Get("keyword"))
	if keyword == "" {
		h.jsonFailure(w, "keyword is required")
		return
	}
	roleID := q.Get("roleId")
	if roleID != "" {
		if _, ok := h.resolveOwnedRole(w, r, roleID); !ok {
			return
		}
	}

	limit := parseIntParam(q.Get("limit"), 20)
	msgs, err := h.config.Store.SearchMessages(r.Context(), user.ID, roleID, keyword, limit)
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{"messages": msgs})
}
