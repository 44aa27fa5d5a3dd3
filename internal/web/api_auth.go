package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/haasonsaas/troupe/internal/config"
	"github.com/haasonsaas/troupe/internal/identity"
	"github.com/haasonsaas/troupe/internal/store"
	"github.com/haasonsaas/troupe/pkg/models"
)

// apiCheckEmail handles POST /api/auth/check-email.
func (h *Handler) apiCheckEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Email string `json:"email"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		h.jsonFailure(w, "email is required")
		return
	}

	exists, err := h.config.Identity.CheckEmail(r.Context(), req.Email)
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.jsonResponse(w, map[string]bool{"exists": exists})
}

// apiLogin handles POST /api/auth/login.
func (h *Handler) apiLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Email string `json:"email"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		h.jsonFailure(w, "email is required")
		return
	}

	user, session, err := h.config.Identity.Login(r.Context(), req.Email)
	if errors.Is(err, identity.ErrUnknownEmail) {
		h.jsonFailure(w, "no account for that email")
		return
	}
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.setSessionCookie(w, session)
	h.jsonResponse(w, map[string]any{"user": user})
}

// apiSignupIndividual handles POST /api/auth/signup/individual.
func (h *Handler) apiSignupIndividual(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		h.jsonFailure(w, "email is required")
		return
	}

	user, session, err := h.config.Identity.SignupIndividual(r.Context(), req.Email, req.Name)
	if errors.Is(err, identity.ErrEmailTaken) {
		h.jsonFailure(w, "email already registered")
		return
	}
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.setSessionCookie(w, session)
	h.jsonResponse(w, map[string]any{"user": user})
}

// apiSignupGroup handles POST /api/auth/signup/group.
func (h *Handler) apiSignupGroup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Email     string `json:"email"`
		Name      string `json:"name"`
		GroupName string `json:"groupName"`
		GroupURL  string `json:"groupUrl"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		h.jsonFailure(w, "email is required")
		return
	}
	if strings.TrimSpace(req.GroupName) == "" {
		h.jsonFailure(w, "group name is required")
		return
	}

	signup, err := h.config.Identity.SignupGroup(r.Context(), req.Email, req.Name, req.GroupName, req.GroupURL)
	if errors.Is(err, identity.ErrEmailTaken) {
		h.jsonFailure(w, "email already registered")
		return
	}
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.setSessionCookie(w, signup.Session)
	h.jsonResponse(w, signup)
}

// apiLogout handles POST /api/auth/logout.
func (h *Handler) apiLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		if err := h.config.Identity.Logout(r.Context(), cookie.Value); err != nil {
			h.config.Logger.Warn("logout failed", "error", err)
		}
	}
	h.clearSessionCookie(w)
	h.jsonResponse(w, nil)
}

// apiMe handles GET and PATCH /api/auth/me.
func (h *Handler) apiMe(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.jsonResponse(w, map[string]any{"user": user})
	case http.MethodPatch:
		var req struct {
			Name          *string `json:"name"`
			DiscordUserID *string `json:"discordUserId"`
			Locale        *string `json:"locale"`
			Timezone      *string `json:"timezone"`
		}
		if !h.decode(w, r, &req) {
			return
		}
		updated, err := h.config.Identity.UpdateProfile(r.Context(), user.ID, store.UserPatch{
			Name:          req.Name,
			DiscordUserID: req.DiscordUserID,
			Locale:        req.Locale,
			Timezone:      req.Timezone,
		})
		if err != nil {
			h.jsonDomainError(w, err)
			return
		}
		h.jsonResponse(w, map[string]any{"user": updated})
	default:
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// apiAcceptInvitation handles POST /api/invitations/accept.
func (h *Handler) apiAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		h.jsonFailure(w, "invitation code is required")
		return
	}

	group, err := h.config.Identity.AcceptInvitation(r.Context(), req.Code, user.ID)
	switch {
	case errors.Is(err, identity.ErrInvitationInvalid):
		h.jsonFailure(w, "invitation not found")
	case errors.Is(err, identity.ErrInvitationUsed):
		h.jsonFailure(w, "invitation already used")
	case errors.Is(err, identity.ErrInvitationExpired):
		h.jsonFailure(w, "invitation expired")
	case err != nil:
		h.jsonDomainError(w, err)
	default:
		h.jsonResponse(w, map[string]any{"group": group})
	}
}

// apiEnv handles GET /api/env. It is reachable without a session so
// clients can discover the environment before login.
func (h *Handler) apiEnv(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg := h.config.Runtime
	if cfg == nil {
		cfg = &config.Config{Env: config.EnvDevelopment}
	}
	h.jsonResponse(w, map[string]any{
		"env":           cfg.Env,
		"isDevelopment": cfg.IsDevelopment(),
		"isTest":        cfg.IsTest(),
		"isProduction":  cfg.IsProduction(),
		"host":          cfg.Server.Host,
		"port":          cfg.Server.Port,
	})
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, session *models.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.config.Runtime != nil && h.config.Runtime.IsProduction(),
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
