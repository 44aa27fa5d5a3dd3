package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/haasonsaas/troupe/internal/chat"
	"github.com/haasonsaas/troupe/internal/identity"
	"github.com/haasonsaas/troupe/pkg/models"
)

// apiEnvelope is the uniform JSON wrapper for API responses.
type apiEnvelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

// apiError carries the client-facing failure message.
type apiError struct {
	Message string `json:"message"`
}

// jsonResponse writes a successful envelope.
func (h *Handler) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(apiEnvelope{Success: true, Data: data}); err != nil {
		h.config.Logger.Error("json encode error", "error", err)
	}
}

// jsonError writes a failed envelope with the given status code.
func (h *Handler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(apiEnvelope{Error: &apiError{Message: message}}); err != nil {
		h.config.Logger.Error("json encode error", "error", err)
	}
}

// jsonFailure reports an expected business failure. These keep HTTP 200:
// clients branch on the success flag, not on transport codes.
func (h *Handler) jsonFailure(w http.ResponseWriter, message string) {
	h.jsonError(w, message, http.StatusOK)
}

// jsonDomainError renders a service error: known kinds keep their
// business-failure status, missing auth maps to 401, and anything
// unrecognized to a plain 500 so internals do not leak.
func (h *Handler) jsonDomainError(w http.ResponseWriter, err error) {
	var ce *chat.Error
	if errors.As(err, &ce) {
		switch ce.Kind {
		case chat.KindAuthRequired:
			h.jsonError(w, ce.Message(), http.StatusUnauthorized)
		case chat.KindInternal:
			h.jsonError(w, "internal error", http.StatusInternalServerError)
		default:
			h.jsonFailure(w, ce.Message())
		}
		return
	}
	h.config.Logger.Error("request failed", "error", err)
	h.jsonError(w, "internal error", http.StatusInternalServerError)
}

// decode reads a JSON request body into dst, reporting a business
// failure on malformed input.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.jsonFailure(w, "invalid JSON body")
		return false
	}
	return true
}

// currentUser pulls the authenticated user placed by SessionMiddleware.
// Handlers behind auth call this; a missing user means the route was
// reached without the middleware, which only happens in miswired tests.
func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	user, ok := identity.UserFromContext(r.Context())
	if !ok {
		h.jsonError(w, "authentication required", http.StatusUnauthorized)
		return nil, false
	}
	return user, true
}

// resolveOwnedRole checks that roleID exists and belongs to the request
// user, writing the business failure itself when it does not.
func (h *Handler) resolveOwnedRole(w http.ResponseWriter, r *http.Request, roleID string) (*identity.RoleContext, bool) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return nil, false
	}
	rc, err := h.config.Identity.ResolveRole(r.Context(), user.ID, roleID)
	if err != nil {
		h.roleError(w, err)
		return nil, false
	}
	return rc, true
}

func (h *Handler) roleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrRoleNotFound):
		h.jsonFailure(w, "role not found")
	case errors.Is(err, identity.ErrRoleForbidden):
		h.jsonFailure(w, "role does not belong to you")
	default:
		h.jsonDomainError(w, err)
	}
}

// parseIntParam parses a positive integer query parameter, falling back
// to def when absent or malformed.
func parseIntParam(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
