package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Session is a live connection to one tool server. The registry is its
// only caller, so concurrent use stays serialized per session.
type Session struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu    sync.RWMutex
	tools []*Tool
	stale bool

	serverInfo ServerInfo
}

// NewSession wraps a transport for the given server.
func NewSession(cfg *ServerConfig, transport Transport) *Session {
	return &Session{
		config:    cfg,
		transport: transport,
		logger:    slog.Default().With("mcp_server", cfg.ID),
	}
}

// Connect runs the initialize handshake and primes the tool cache.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := s.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "troupe",
			"version": "1.0.0",
		},
	})
	if err != nil {
		s.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		s.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	s.serverInfo = initResult.ServerInfo
	s.logger.Info("connected to tool server",
		"name", s.serverInfo.Name,
		"version", s.serverInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := s.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		s.logger.Warn("initialized notification failed", "error", err)
	}

	go s.watchEvents()

	return s.RefreshTools(ctx)
}

// Close tears the session down.
func (s *Session) Close() error {
	return s.transport.Close()
}

// Connected reports whether the underlying transport is live.
func (s *Session) Connected() bool {
	return s.transport.Connected()
}

// ServerInfo returns the handshake identity of the server.
func (s *Session) ServerInfo() ServerInfo {
	return s.serverInfo
}

// RefreshTools reloads the tool declarations.
func (s *Session) RefreshTools(ctx context.Context) error {
	result, err := s.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list: %w", err)
	}

	s.mu.Lock()
	s.tools = resp.Tools
	s.stale = false
	s.mu.Unlock()
	s.logger.Debug("refreshed tools", "count", len(resp.Tools))
	return nil
}

// Tools returns the cached declarations, refreshing first when the
// server signalled a list change.
func (s *Session) Tools(ctx context.Context) []*Tool {
	s.mu.RLock()
	stale := s.stale
	s.mu.RUnlock()
	if stale {
		if err := s.RefreshTools(ctx); err != nil {
			s.logger.Warn("tool refresh failed", "error", err)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tools
}

// CallTool invokes a tool and returns its result.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	params := CallToolParams{Name: name}
	if args != nil {
		argsJSON, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = argsJSON
	}

	result, err := s.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &callResult, nil
}

// watchEvents marks the tool cache stale when the server announces a
// list change. The channel closes with the transport.
func (s *Session) watchEvents() {
	for notif := range s.transport.Events() {
		if notif.Method == "notifications/tools/list_changed" {
			s.mu.Lock()
			s.stale = true
			s.mu.Unlock()
		}
	}
}
