package web

import (
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/haasonsaas/troupe/internal/oauth"
)

// oauthResultPage closes the consent popup and reports the outcome to
// the window that opened it. In a <script> context html/template
// renders .Result as JSON, so the payload needs no manual escaping.
var oauthResultPage = template.Must(template.New("oauth-result").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Troupe</title></head>
<body>
<p>{{if .Failed}}Connection failed. You can close this window.{{else}}Account connected. You can close this window.{{end}}</p>
<script>
if (window.opener) {
	window.opener.postMessage({{.Result}}, "*");
}
window.close();
</script>
</body>
</html>
`))

// oauthResult is the postMessage payload for the consent popup opener.
type oauthResult struct {
	Type         string `json:"type"`
	Provider     string `json:"provider"`
	AccountEmail string `json:"accountEmail,omitempty"`
	Message      string `json:"message,omitempty"`
}

// apiOAuthFlow handles GET /api/auth/{provider}/start and
// GET /api/auth/{provider}/callback. The fixed /api/auth/* routes are
// registered separately and never reach this handler.
func (h *Handler) apiOAuthFlow(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/auth/"), "/")
	if len(parts) != 2 {
		h.jsonError(w, "Not found", http.StatusNotFound)
		return
	}
	provider, action := parts[0], parts[1]

	switch action {
	case "start":
		h.oauthStart(w, r, provider)
	case "callback":
		h.oauthCallback(w, r, provider)
	default:
		h.jsonError(w, "Not found", http.StatusNotFound)
	}
}

func (h *Handler) oauthStart(w http.ResponseWriter, r *http.Request, provider string) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	url, err := h.config.OAuth.Start(r.Context(), user.ID, provider)
	if errors.Is(err, oauth.ErrUnknownProvider) {
		h.jsonFailure(w, "unknown oauth provider")
		return
	}
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.jsonResponse(w, map[string]string{"authUrl": url})
}

func (h *Handler) oauthCallback(w http.ResponseWriter, r *http.Request, provider string) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	if msg := q.Get("error"); msg != "" {
		h.renderOAuthResult(w, oauthResult{Type: "oauth_error", Provider: provider, Message: msg})
		return
	}

	email, err := h.config.OAuth.HandleCallback(r.Context(), provider, q.Get("code"), q.Get("state"))
	if err != nil {
		h.config.Logger.Warn("oauth callback failed", "provider", provider, "error", err)
		h.renderOAuthResult(w, oauthResult{Type: "oauth_error", Provider: provider, Message: "connection failed"})
		return
	}
	h.renderOAuthResult(w, oauthResult{Type: "oauth_success", Provider: provider, AccountEmail: email})
}

func (h *Handler) renderOAuthResult(w http.ResponseWriter, result oauthResult) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := oauthResultPage.Execute(w, struct {
		Failed bool
		Result oauthResult
	}{Failed: result.Type != "oauth_success", Result: result})
	if err != nil {
		h.config.Logger.Error("oauth result render failed", "error", err)
	}
}

// apiOAuthToken handles GET /api/auth/oauth/token/{provider}. It hands
// a live access token to browser-side integrations; the refresh token
// never leaves the server.
func (h *Handler) apiOAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	provider := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/auth/oauth/token/"), "/")
	if provider == "" {
		h.jsonFailure(w, "provider is required")
		return
	}

	tok, err := h.config.OAuth.Token(r.Context(), user.ID, provider, r.URL.Query().Get("accountEmail"))
	var authErr *oauth.AuthRequiredError
	if errors.As(err, &authErr) {
		h.jsonFailure(w, authErr.Error())
		return
	}
	if errors.Is(err, oauth.ErrUnknownProvider) {
		h.jsonFailure(w, "unknown oauth provider")
		return
	}
	if err != nil {
		h.jsonDomainError(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"accessToken":  tok.AccessToken,
		"accountEmail": tok.AccountEmail,
		"expiryDate":   tok.ExpiryDate,
	})
}

// apiOAuthConnections handles GET and DELETE /api/mcp/oauth/connections.
func (h *Handler) apiOAuthConnections(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		conns, err := h.config.OAuth.Connections(r.Context(), user.ID)
		if err != nil {
			h.jsonDomainError(w, err)
			return
		}
		h.jsonResponse(w, map[string]any{"connections": conns})
	case http.MethodDelete:
		provider := r.URL.Query().Get("provider")
		if provider == "" {
			h.jsonFailure(w, "provider is required")
			return
		}
		err := h.config.OAuth.Disconnect(r.Context(), user.ID, provider, r.URL.Query().Get("accountEmail"))
		if err != nil {
			h.jsonDomainError(w, err)
			return
		}
		h.jsonResponse(w, nil)
	default:
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
