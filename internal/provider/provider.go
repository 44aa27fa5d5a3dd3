// Package provider streams chat completions from the configured LLM
// backends. Each backend converts the shared transcript types to its own
// wire format, retries transient failures, and delivers output as a
// channel of chunks so the caller can forward deltas as they arrive.
package provider

import (
	"context"
	"encoding/json"
)

// Provider is one LLM backend. Implementations must be safe for
// concurrent use; every Complete call gets its own stream.
type Provider interface {
	// Name returns the stable lowercase backend identifier.
	Name() string

	// Complete sends the request and streams the response. The returned
	// channel is closed when the stream ends. Errors that occur after
	// streaming begins arrive as a chunk with Err set.
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Request carries everything one completion needs.
type Request struct {
	// Model is the backend model identifier. Empty selects the
	// provider's default.
	Model string

	// System is the system prompt, delivered however the backend
	// expects (separate field or leading message).
	System string

	// Messages is the conversation so far, oldest first.
	Messages []Message

	// Tools the model may call this turn.
	Tools []ToolDef

	// MaxTokens caps the response length. Zero uses the provider default.
	MaxTokens int

	// Temperature overrides the backend sampling default when positive.
	// Values near zero make output close to deterministic.
	Temperature float64
}

// Message is one transcript entry. Role is "user", "assistant",
// "system", or "tool"; tool results ride on a "tool" message.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolCall is a model request to execute a tool.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolResult is the outcome of an executed tool call, keyed back to the
// call by ID.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolDef declares a callable tool to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Chunk is one unit of streamed output. Text chunks arrive continuously;
// a ToolCall chunk carries a complete call once its arguments finish
// streaming; the final chunk has Done set with token usage when the
// backend reports it.
type Chunk struct {
	Text         string
	ToolCall     *ToolCall
	Done         bool
	Err          error
	InputTokens  int
	OutputTokens int
}

// defaultMaxTokens bounds responses when the request does not say.
const defaultMaxTokens = 4096

func maxTokensOr(reqMax int) int {
	if reqMax <= 0 {
		return defaultMaxTokens
	}
	return reqMax
}
