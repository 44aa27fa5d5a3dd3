package web

import (
	"net/http"
	"strings"

	"github.com/haasonsaas/troupe/internal/memory"
	"github.com/haasonsaas/troupe/pkg/models"
)

// apiRoles handles GET and POST /api/roles.
func (h *Handler) apiRoles(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		roles, err := h.config.Store.ListRoles(r.Context(), user.ID)
		if err != nil {
			h.jsonDomainError(w, err)
			return
		}
		current, err := h.config.Identity.CurrentRoleID(r.Context(), user.ID)
		if err != nil {
			h.jsonDomainError(w, err)
			return
		}
		h.jsonResponse(w, map[string]any{"roles": roles, "currentRoleId": current})
	case http.MethodPost:
		var req struct {
			Name    string `json:"name"`
			GroupID string `json:"groupId"`
		}
		if !h.decode(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			h.jsonFailure(w, "name is required")
			return
		}
		if req.GroupID != "" {
			member, err := h.config.Store.IsMember(r.Context(), req.GroupID, user.ID)
			if err != nil {
				h.jsonDomainError(w, err)
				return
			}
			if !member {
				h.jsonFailure(w, "you are not a member of that group")
				return
			}
		}

		role := &models.Role{UserID: user.ID, GroupID: req.GroupID, Name: strings.TrimSpace(req.Name)}
		if err := h.config.Store.CreateRole(r.Context(), role); err != nil {
			h.jsonDomainError(w, err)
			return
		}
		h.jsonResponse(w, map[string]any{"role": role})
	default:
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// apiRole handles the per-role subroutes: DELETE {id}, POST {id}/switch,
// GET {id}/memory-overview, POST {id}/remove-memories, POST
// {id}/edit-memories, and POST {id}/save-to-memory.
func (h *Handler) apiRole(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/roles/"), "/")
	if len(parts) == 1 && parts[0] != "" {
		h.roleDelete(w, r, parts[0])
		return
	}
	if len(parts) != 2 || parts[0] == "" {
		h.jsonError(w, "Not found", http.StatusNotFound)
		return
	}
	roleID, action := parts[0], parts[1]

	switch action {
	case "switch":
		h.roleSwitch(w, r, roleID)
	case "memory-overview":
		h.roleMemoryOverview(w, r, roleID)
	case "remove-memories":
		h.roleRemoveMemories(w, r, roleID)
	case "edit-memories":
		h.roleEditMemories(w, r, roleID)
	case "save-to-memory":
		h.roleSaveToMemory(w, r, roleID)
	default:
		h.jsonError(w, "Not found", http.StatusNotFound)
	}
}

// roleDelete removes a role with its messages and memory. Group members
// can chat through a shared role but only its creator can delete it.
func (h *Handler) roleDelete(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodDelete {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	rc, ok := h.resolveOwnedRole(w, r, roleID)
	if !ok {
		return
	}
	if rc.Role.UserID != user.ID {
		h.jsonFailure(w, "only the role's creator can delete it")
		return
	}

	if err := h.config.Store.DeleteRole(r.Context(), roleID); err != nil {
		h.jsonDomainError(w, err)
		return
	}
	if err := h.config.Identity.ForgetRole(r.Context(), user.ID, roleID); err != nil {
		h.config.Logger.Warn("clear current role failed", "role_id", roleID, "error", err)
	}
	if rt := h.config.Runtime; rt != nil {
		if err := memory.RemoveLegacyStore(rt.DataDir, roleID); err != nil {
			h.config.Logger.Warn("legacy memory cleanup failed", "role_id", roleID, "error", err)
		}
	}
	h.jsonResponse(w, map[string]any{"deleted": true})
}

func (h *Handler) roleSwitch(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	rc, err := h.config.Identity.SwitchRole(r.Context(), user.ID, roleID)
	if err != nil {
		h.roleError(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{"currentRoleId": rc.RoleID, "role": rc.Role})
}

func (h *Handler) roleMemoryOverview(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := h.resolveOwnedRole(w, r, roleID); !ok {
		return
	}

	overview, err := h.config.Memory.Overview(r.Context(), roleID)
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{"overview": overview, "empty": overview == ""})
}

func (h *Handler) roleRemoveMemories(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := h.resolveOwnedRole(w, r, roleID); !ok {
		return
	}
	var req struct {
		Selection string `json:"selection"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Selection) == "" {
		h.jsonFailure(w, "selection is required")
		return
	}

	removed, err := h.config.Memory.Remove(r.Context(), roleID, req.Selection)
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{"removed": removed, "count": len(removed)})
}

func (h *Handler) roleEditMemories(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := h.resolveOwnedRole(w, r, roleID); !ok {
		return
	}
	var req struct {
		Selection   string `json:"selection"`
		Instruction string `json:"instruction"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Selection) == "" || strings.TrimSpace(req.Instruction) == "" {
		h.jsonFailure(w, "selection and instruction are required")
		return
	}

	updated, err := h.config.Memory.Edit(r.Context(), roleID, req.Selection, req.Instruction)
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{"updated": updated, "count": len(updated)})
}

func (h *Handler) roleSaveToMemory(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := h.resolveOwnedRole(w, r, roleID); !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		h.jsonFailure(w, "text is required")
		return
	}

	saved, err := h.config.Memory.SaveToMemory(r.Context(), roleID, req.Text)
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{"saved": saved})
}
