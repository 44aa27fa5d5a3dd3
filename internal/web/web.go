// Package web exposes the JSON API consumed by the Troupe clients:
// authentication and sessions, role management, conversation history,
// the streaming chat endpoint, tool server configuration, viewer
// attachments, and scheduled jobs.
package web

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/troupe/internal/chat"
	"github.com/haasonsaas/troupe/internal/config"
	"github.com/haasonsaas/troupe/internal/identity"
	"github.com/haasonsaas/troupe/internal/mcp"
	"github.com/haasonsaas/troupe/internal/oauth"
	"github.com/haasonsaas/troupe/internal/observability"
	"github.com/haasonsaas/troupe/internal/schedule"
	"github.com/haasonsaas/troupe/internal/store"
	"github.com/haasonsaas/troupe/internal/viewer"
)

// sessionCookie is the login cookie carrying the opaque session id.
const sessionCookie = "troupe_session"

// TurnStreamer runs one conversational turn, writing SSE frames to w.
type TurnStreamer interface {
	StreamTurn(ctx context.Context, w http.ResponseWriter, turn *chat.Turn) error
}

// MemoryService exposes the per-role memory review operations.
type MemoryService interface {
	Overview(ctx context.Context, roleID string) (string, error)
	Remove(ctx context.Context, roleID, selection string) ([]string, error)
	Edit(ctx context.Context, roleID, selection, instruction string) ([]string, error)
	SaveToMemory(ctx context.Context, roleID, text string) (bool, error)
}

// Config wires the API handler. Store and Identity are required; the
// rest may be nil, in which case the endpoints they back report an
// internal error instead of panicking.
type Config struct {
	// Store is the SQLite repository.
	Store *store.Store
	// Identity authenticates sessions and resolves role ownership.
	Identity *identity.Service
	// OAuth runs third-party consent flows and serves live tokens.
	OAuth *oauth.Broker
	// MCP manages the user's tool server installs.
	MCP *mcp.Registry
	// Memory backs the memory review endpoints.
	Memory MemoryService
	// Chat streams conversational turns.
	Chat TurnStreamer
	// Jobs cancels scheduled jobs.
	Jobs *schedule.Runner
	// Viewer downloads and serves transient attachments.
	Viewer *viewer.Service
	// Runtime is the active configuration, reported by /api/env.
	Runtime *config.Config
	// Metrics and Tracer instrument requests (optional).
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	// Logger for request logging.
	Logger *slog.Logger
}

// Handler is the API HTTP handler.
type Handler struct {
	config *Config
	mux    *http.ServeMux
}

// NewHandler creates the API handler with all routes registered.
func NewHandler(cfg *Config) *Handler {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h := &Handler{
		config: cfg,
		mux:    http.NewServeMux(),
	}
	h.setupRoutes()
	return h
}

// setupRoutes configures all HTTP routes. Fixed paths are registered
// alongside their prefix siblings; the mux prefers the longer pattern,
// so "/api/auth/login" never reaches the "/api/auth/" flow handler.
func (h *Handler) setupRoutes() {
	// Accounts and sessions
	h.mux.HandleFunc("/api/auth/check-email", h.apiCheckEmail)
	h.mux.HandleFunc("/api/auth/login", h.apiLogin)
	h.mux.HandleFunc("/api/auth/signup/individual", h.apiSignupIndividual)
	h.mux.HandleFunc("/api/auth/signup/group", h.apiSignupGroup)
	h.mux.HandleFunc("/api/auth/logout", h.apiLogout)
	h.mux.HandleFunc("/api/auth/me", h.apiMe)
	h.mux.HandleFunc("/api/auth/oauth/token/", h.apiOAuthToken)
	h.mux.HandleFunc("/api/auth/", h.apiOAuthFlow)
	h.mux.HandleFunc("/api/invitations/accept", h.apiAcceptInvitation)
	h.mux.HandleFunc("/api/env", h.apiEnv)

	// Roles and memory
	h.mux.HandleFunc("/api/roles", h.apiRoles)
	h.mux.HandleFunc("/api/roles/", h.apiRole)

	// Conversation history
	h.mux.HandleFunc("/api/messages", h.apiMessages)
	h.mux.HandleFunc("/api/messages/migrate", h.apiMessagesMigrate)
	h.mux.HandleFunc("/api/messages/search", h.apiMessagesSearch)

	// Chat
	h.mux.HandleFunc("/api/chat/stream", h.apiChatStream)

	// Tool servers
	h.mux.HandleFunc("/api/mcp/servers", h.apiMCPServers)
	h.mux.HandleFunc("/api/mcp/servers/add-predefined", h.apiMCPAddPredefined)
	h.mux.HandleFunc("/api/mcp/servers/", h.apiMCPServer)
	h.mux.HandleFunc("/api/mcp/available-servers", h.apiMCPAvailable)
	h.mux.HandleFunc("/api/mcp/oauth/connections", h.apiOAuthConnections)

	// Viewer attachments
	h.mux.HandleFunc("/api/viewer/download", h.apiViewerDownload)
	h.mux.HandleFunc("/api/viewer/files/", h.apiViewerFile)

	// Scheduled jobs
	h.mux.HandleFunc("/api/scheduled-jobs", h.apiScheduledJobs)
	h.mux.HandleFunc("/api/scheduled-jobs/", h.apiScheduledJob)

	// Operational endpoints
	h.mux.Handle("/metrics", promhttp.Handler())
	h.mux.HandleFunc("/healthz", h.handleHealthz)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Mount returns the handler with middleware applied: request
// observability outermost, then session auth, then role resolution.
func (h *Handler) Mount() http.Handler {
	var handler http.Handler = h
	handler = RoleMiddleware(h.config.Identity)(handler)
	handler = SessionMiddleware(h.config.Identity, h.config.Logger)(handler)
	handler = ObservabilityMiddleware(h.config.Metrics, h.config.Tracer, h.config.Logger)(handler)
	return handler
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]string{"status": "ok"})
}
