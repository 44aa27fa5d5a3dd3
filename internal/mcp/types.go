// Package mcp runs tool servers as stdio child processes speaking the
// Model Context Protocol and exposes their merged tool catalog.
package mcp

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// protocolVersion is the MCP revision spoken during the handshake.
const protocolVersion = "2024-11-05"

// ServerConfig is the runtime shape a child process is spawned from.
type ServerConfig struct {
	ID      string
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// Validate rejects configurations that smell like command injection.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server id is required")
	}
	if c.Command == "" {
		return fmt.Errorf("command is required for %s", c.ID)
	}
	if err := validatePath(c.Command, "command"); err != nil {
		return fmt.Errorf("config for %s: %w", c.ID, err)
	}
	for i, arg := range c.Args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("config for %s: arg[%d] contains shell metacharacters: %q", c.ID, i, arg)
		}
	}
	return nil
}

func validatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("%s contains path traversal: %q", fieldName, path)
	}
	return nil
}

// containsShellMetachars flags patterns that suggest command chaining.
// Spaces and quotes stay allowed since they are common in legitimate args.
func containsShellMetachars(s string) bool {
	dangerous := []string{
		"$(", "${",
		"`",
		"&&", "||",
		";",
		"|",
		">", "<",
		"\n", "\r",
	}
	for _, pattern := range dangerous {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// Tool is a tool declaration published by a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolCallResult holds the result of tools/call.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// Text concatenates the textual content blocks of the result.
func (r *ToolCallResult) Text() string {
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" && c.Text != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// ToolResultContent is one content block of a tool result.
type ToolResultContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// JSON-RPC 2.0 framing.

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ServerInfo identifies a connected server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertises what a server supports.
type Capabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability describes tool list behavior.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeResult holds the result of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// ListToolsResult holds the result of tools/list.
type ListToolsResult struct {
	Tools []*Tool `json:"tools"`
}

// CallToolParams holds parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
