// Package builtin provides the in-process tools that are always present
// in the chat catalog alongside MCP server tools.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Call carries the identity scope of a tool invocation.
type Call struct {
	UserID string
	RoleID string
	Args   json.RawMessage
}

// Result is what a tool hands back to the orchestrator. Metadata rides
// along on the tool_result frame without being shown to the model.
type Result struct {
	Content  string
	IsError  bool
	Metadata map[string]any
}

// Tool is an in-process tool surfaced in the chat catalog.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, call Call) (*Result, error)
}

// Registry holds the built-in tools in catalog order.
type Registry struct {
	tools  []Tool
	byName map[string]Tool
}

// NewRegistry builds a registry from the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools = append(r.tools, t)
		r.byName[t.Name()] = t
	}
	return r
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []Tool { return r.tools }

// Lookup finds a tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

func toolError(message string) *Result {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &Result{Content: message, IsError: true}
	}
	return &Result{Content: string(payload), IsError: true}
}

func jsonResult(payload any) *Result {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err))
	}
	return &Result{Content: string(encoded)}
}

// reflectSchema derives a tool's input schema from its args struct.
func reflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := r.Reflect(v)
	schema.Version = ""
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
