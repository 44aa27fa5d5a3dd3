package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/haasonsaas/troupe/internal/store"
)

// apiMCPServers handles GET /api/mcp/servers.
func (h *Handler) apiMCPServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	servers, err := h.config.MCP.Servers(r.Context(), user.ID)
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{"servers": servers})
}

// apiMCPAvailable handles GET /api/mcp/available-servers: the predefined
// catalog a user can install from.
func (h *Handler) apiMCPAvailable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := h.currentUser(w, r); !ok {
		return
	}
	h.jsonResponse(w, map[string]any{"servers": h.config.MCP.AvailableServers()})
}

// apiMCPAddPredefined handles POST /api/mcp/servers/add-predefined.
func (h *Handler) apiMCPAddPredefined(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req struct {
		ServerID     string `json:"serverId"`
		AccountEmail string `json:"accountEmail"`
		APIKey       string `json:"apiKey"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ServerID) == "" {
		h.jsonFailure(w, "serverId is required")
		return
	}

	srv, err := h.config.MCP.AddPredefined(r.Context(), user.ID, req.ServerID, req.AccountEmail, req.APIKey)
	if err != nil {
		// Unknown ids and misdirected api keys are caller mistakes, not
		// server faults.
		h.jsonFailure(w, err.Error())
		return
	}
	h.jsonResponse(w, map[string]any{"server": srv})
}

// apiMCPServer handles PATCH and DELETE /api/mcp/servers/{id}.
func (h *Handler) apiMCPServer(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/mcp/servers/"), "/")
	if id == "" {
		h.jsonError(w, "Not found", http.StatusNotFound)
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if !h.decode(w, r, &req) {
			return
		}
		if req.Enabled == nil {
			h.jsonFailure(w, "enabled is required")
			return
		}
		srv, err := h.config.MCP.SetEnabled(r.Context(), user.ID, id, *req.Enabled)
		if errors.Is(err, store.ErrNotFound) {
			h.jsonFailure(w, "server not found")
			return
		}
		if err != nil {
			h.jsonDomainError(w, err)
			return
		}
		h.jsonResponse(w, map[string]any{"server": srv})
	case http.MethodDelete:
		if err := h.config.MCP.Remove(r.Context(), user.ID, id); err != nil {
			h.jsonDomainError(w, err)
			return
		}
		h.jsonResponse(w, nil)
	default:
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
