package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/troupe/internal/oauth"
	"github.com/haasonsaas/troupe/internal/store"
	"github.com/haasonsaas/troupe/pkg/models"
)

const (
	defaultIdleTimeout = 10 * time.Minute
	defaultCallLimit   = 120 * time.Second
	defaultStartupWait = 30 * time.Second
)

// TokenSource hands out live OAuth tokens for server instances. The
// oauth broker implements it.
type TokenSource interface {
	Token(ctx context.Context, userID, provider, accountEmail string) (*models.OAuthToken, error)
	ForceRefresh(ctx context.Context, userID, provider, accountEmail string) (*models.OAuthToken, error)
}

// CatalogTool is one entry of the merged tool catalog. Name is globally
// unique within the catalog; WireName is what the owning server expects.
type CatalogTool struct {
	Name        string
	DisplayName string
	Description string
	InputSchema []byte
	ServerID    string
	WireName    string
}

// Invocation is the outcome of dispatching one tool call.
type Invocation struct {
	ServerID string
	ToolName string
	Display  string
	Result   string
	IsError  bool
	Accounts []string
}

// Registry owns the live tool server sessions of all users. Servers
// spawn lazily on first use and are evicted after sitting idle.
type Registry struct {
	store  *store.Store
	broker TokenSource
	log    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession

	idleTimeout  time.Duration
	callTimeout  time.Duration
	startupWait  time.Duration
	now          func() time.Time
	newTransport func(cfg *ServerConfig) Transport
}

type liveSession struct {
	session  *Session
	userID   string
	serverID string
	config   models.MCPServerConfig
	lastUsed time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIdleTimeout overrides how long an unused session stays alive.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithCallTimeout bounds a single tools/call round trip.
func WithCallTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.callTimeout = d }
}

// WithStartupWait bounds the spawn-and-initialize handshake for a new
// server session.
func WithStartupWait(d time.Duration) RegistryOption {
	return func(r *Registry) { r.startupWait = d }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithTransportFactory overrides how transports are built, for tests.
func WithTransportFactory(f func(cfg *ServerConfig) Transport) RegistryOption {
	return func(r *Registry) { r.newTransport = f }
}

// NewRegistry constructs a registry over the store and token broker.
func NewRegistry(st *store.Store, broker TokenSource, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:       st,
		broker:      broker,
		log:         slog.Default().With("component", "mcp"),
		sessions:    map[string]*liveSession{},
		idleTimeout: defaultIdleTimeout,
		callTimeout: defaultCallLimit,
		startupWait: defaultStartupWait,
		now:         time.Now,
		newTransport: func(cfg *ServerConfig) Transport {
			return NewStdioTransport(cfg)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the idle eviction janitor until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	if r.idleTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.idleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.EvictIdle()
			}
		}
	}()
}

// Close tears down every live session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = map[string]*liveSession{}
	r.mu.Unlock()

	for _, ls := range sessions {
		ls.session.Close()
	}
}

// AvailableServers lists the predefined entries users may install.
func (r *Registry) AvailableServers() []PredefinedServer {
	var out []PredefinedServer
	for _, p := range Predefined() {
		if !p.Hidden {
			out = append(out, p)
		}
	}
	return out
}

// AddPredefined clones a catalog entry into the user's installed set.
// accountEmail stamps an OAuth instance id; apiKey feeds key-based
// backends through their declared environment variable.
func (r *Registry) AddPredefined(ctx context.Context, userID, baseID, accountEmail, apiKey string) (*models.MCPServer, error) {
	entry, ok := FindPredefined(baseID)
	if !ok {
		return nil, fmt.Errorf("unknown predefined server %q", baseID)
	}

	cfg := models.MCPServerConfig{
		Name:        entry.Name,
		Description: entry.Description,
		Command:     entry.Command,
		Args:        append([]string(nil), entry.Args...),
		Enabled:     true,
		Auth:        entry.Auth,
	}
	id := baseID
	if entry.Auth != nil && entry.Auth.Provider != "" && accountEmail != "" {
		id = MakeServerID(baseID, accountEmail)
		cfg.AccountEmail = accountEmail
	}
	if apiKey != "" {
		if entry.Auth == nil || entry.Auth.APIKeyEnv == "" {
			return nil, fmt.Errorf("server %q does not take an api key", baseID)
		}
		cfg.Env = map[string]string{entry.Auth.APIKeyEnv: apiKey}
	}

	srv := &models.MCPServer{ID: id, Config: cfg}
	if err := r.store.UpsertMCPServer(ctx, userID, srv); err != nil {
		return nil, err
	}
	return srv, nil
}

// Servers lists the user's installed servers.
func (r *Registry) Servers(ctx context.Context, userID string) ([]models.MCPServer, error) {
	return r.store.ListMCPServers(ctx, userID)
}

// SetEnabled toggles a server. Disabling also tears down its session.
func (r *Registry) SetEnabled(ctx context.Context, userID, serverID string, enabled bool) (*models.MCPServer, error) {
	srv, err := r.store.GetMCPServer(ctx, userID, serverID)
	if err != nil {
		return nil, err
	}
	srv.Config.Enabled = enabled
	if err := r.store.UpsertMCPServer(ctx, userID, srv); err != nil {
		return nil, err
	}
	if !enabled {
		r.evict(userID, serverID)
	}
	return srv, nil
}

// Remove uninstalls a server and tears down its session.
func (r *Registry) Remove(ctx context.Context, userID, serverID string) error {
	if err := r.store.DeleteMCPServer(ctx, userID, serverID); err != nil {
		return err
	}
	r.evict(userID, serverID)
	return nil
}

// Catalog returns the merged tool catalog over the user's enabled
// servers. Servers that fail to spawn are skipped so one broken backend
// cannot take down a whole turn.
func (r *Registry) Catalog(ctx context.Context, userID string) ([]CatalogTool, error) {
	servers, err := r.store.ListMCPServers(ctx, userID)
	if err != nil {
		return nil, err
	}

	type serverTools struct {
		serverID string
		tools    []*Tool
	}
	var all []serverTools
	nameCount := map[string]int{}
	for _, srv := range servers {
		if !srv.Config.Enabled {
			continue
		}
		sess, err := r.session(ctx, userID, &srv)
		if err != nil {
			r.log.Warn("tool server unavailable, skipping",
				"serverId", srv.ID, "error", err)
			continue
		}
		tools := sess.Tools(ctx)
		all = append(all, serverTools{serverID: srv.ID, tools: tools})
		for _, t := range tools {
			nameCount[t.Name]++
		}
	}

	var out []CatalogTool
	for _, st := range all {
		for _, t := range st.tools {
			name := t.Name
			if nameCount[t.Name] > 1 {
				name = sanitizeToolName(st.serverID) + "__" + t.Name
			}
			out = append(out, CatalogTool{
				Name:        name,
				DisplayName: FormatToolName(t.Name),
				Description: t.Description,
				InputSchema: t.InputSchema,
				ServerID:    st.serverID,
				WireName:    t.Name,
			})
		}
	}
	return out, nil
}

// InvokeTool dispatches one tool call by its catalog name. OAuth-backed
// servers get one transparent token refresh and retry before the
// failure surfaces.
func (r *Registry) InvokeTool(ctx context.Context, userID, toolName string, args map[string]any) (*Invocation, error) {
	catalog, err := r.Catalog(ctx, userID)
	if err != nil {
		return nil, err
	}
	var target *CatalogTool
	for i := range catalog {
		if catalog[i].Name == toolName {
			target = &catalog[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("unknown tool %q", toolName)
	}

	srv, err := r.store.GetMCPServer(ctx, userID, target.ServerID)
	if err != nil {
		return nil, err
	}

	if err := ValidateArgs(target.InputSchema, args); err != nil {
		return &Invocation{
			ServerID: target.ServerID,
			ToolName: target.WireName,
			Display:  target.DisplayName,
			Result:   err.Error(),
			IsError:  true,
			Accounts: accountsOf(srv),
		}, nil
	}

	result, err := r.callOnce(ctx, userID, srv, target.WireName, args)
	if authExpired(result, err) && srv.Config.Auth != nil && srv.Config.Auth.Provider != "" {
		result, err = r.retryWithFreshToken(ctx, userID, srv, target.WireName, args)
	}
	if err != nil {
		return nil, err
	}

	return &Invocation{
		ServerID: target.ServerID,
		ToolName: target.WireName,
		Display:  target.DisplayName,
		Result:   result.Text(),
		IsError:  result.IsError,
		Accounts: accountsOf(srv),
	}, nil
}

// EvictIdle closes sessions that have been unused past the idle window.
func (r *Registry) EvictIdle() {
	cutoff := r.now().Add(-r.idleTimeout)

	r.mu.Lock()
	var victims []*liveSession
	for key, ls := range r.sessions {
		if ls.lastUsed.Before(cutoff) {
			victims = append(victims, ls)
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()

	for _, ls := range victims {
		r.log.Info("evicting idle tool server", "serverId", ls.serverID)
		ls.session.Close()
	}
}

func (r *Registry) callOnce(ctx context.Context, userID string, srv *models.MCPServer, wireName string, args map[string]any) (*ToolCallResult, error) {
	sess, err := r.session(ctx, userID, srv)
	if err != nil {
		return nil, err
	}
	return sess.CallTool(ctx, wireName, args)
}

func (r *Registry) retryWithFreshToken(ctx context.Context, userID string, srv *models.MCPServer, wireName string, args map[string]any) (*ToolCallResult, error) {
	provider := srv.Config.Auth.Provider
	email := accountEmailOf(srv)
	r.log.Info("tool call hit expired credentials, refreshing",
		"serverId", srv.ID, "provider", provider)

	if _, err := r.broker.ForceRefresh(ctx, userID, provider, email); err != nil {
		return nil, err
	}
	// Respawn so the child picks up the fresh token.
	r.evict(userID, srv.ID)

	result, err := r.callOnce(ctx, userID, srv, wireName, args)
	if authExpired(result, err) {
		return nil, &oauth.AuthRequiredError{Provider: provider, AccountEmail: email}
	}
	return result, err
}

// session returns the live session for a server, spawning it when
// needed. Crashed sessions are dropped and respawned here.
func (r *Registry) session(ctx context.Context, userID string, srv *models.MCPServer) (*Session, error) {
	key := userID + "\x00" + srv.ID

	r.mu.Lock()
	ls, ok := r.sessions[key]
	if ok && ls.session.Connected() {
		ls.lastUsed = r.now()
		r.mu.Unlock()
		return ls.session, nil
	}
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	if ok {
		ls.session.Close()
	}

	cfg, err := r.buildConfig(ctx, userID, srv)
	if err != nil {
		return nil, err
	}
	connectCtx := ctx
	if r.startupWait > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, r.startupWait)
		defer cancel()
	}
	sess := NewSession(cfg, r.newTransport(cfg))
	if err := sess.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", srv.ID, err)
	}

	r.mu.Lock()
	if existing, ok := r.sessions[key]; ok && existing.session.Connected() {
		// Lost a spawn race; keep the winner.
		r.mu.Unlock()
		sess.Close()
		return existing.session, nil
	}
	r.sessions[key] = &liveSession{
		session:  sess,
		userID:   userID,
		serverID: srv.ID,
		config:   srv.Config,
		lastUsed: r.now(),
	}
	r.mu.Unlock()
	return sess, nil
}

// buildConfig assembles the child environment, injecting a live OAuth
// token for broker-backed servers.
func (r *Registry) buildConfig(ctx context.Context, userID string, srv *models.MCPServer) (*ServerConfig, error) {
	env := map[string]string{}
	for k, v := range srv.Config.Env {
		env[k] = v
	}

	if srv.Config.Auth != nil && srv.Config.Auth.Provider != "" {
		token, err := r.broker.Token(ctx, userID, srv.Config.Auth.Provider, accountEmailOf(srv))
		if err != nil {
			return nil, err
		}
		env["OAUTH_ACCESS_TOKEN"] = token.AccessToken
		if token.RefreshToken != "" {
			env["OAUTH_REFRESH_TOKEN"] = token.RefreshToken
		}
		if token.AccountEmail != "" {
			env["OAUTH_ACCOUNT_EMAIL"] = token.AccountEmail
		}
	}

	return &ServerConfig{
		ID:      srv.ID,
		Command: srv.Config.Command,
		Args:    srv.Config.Args,
		Env:     env,
		Timeout: r.callTimeout,
	}, nil
}

func (r *Registry) evict(userID, serverID string) {
	key := userID + "\x00" + serverID
	r.mu.Lock()
	ls, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	if ok {
		ls.session.Close()
	}
}

func accountsOf(srv *models.MCPServer) []string {
	if email := accountEmailOf(srv); email != "" {
		return []string{email}
	}
	return nil
}

func accountEmailOf(srv *models.MCPServer) string {
	if srv.Config.AccountEmail != "" {
		return srv.Config.AccountEmail
	}
	_, email := ParseServerID(srv.ID)
	return email
}

// authExpired sniffs expired-credential failures out of a tool result
// or transport error.
func authExpired(result *ToolCallResult, err error) bool {
	var text string
	switch {
	case err != nil:
		text = err.Error()
	case result != nil && result.IsError:
		text = result.Text()
	default:
		return false
	}
	text = strings.ToLower(text)
	for _, marker := range []string{
		"unauthorized",
		"invalid_grant",
		"invalid credentials",
		"token expired",
		"401",
	} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func sanitizeToolName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
