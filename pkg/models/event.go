package models

// StreamEventType identifies the kind of SSE frame emitted during a turn.
// Content frames carry no type field at all, so the zero value is valid.
type StreamEventType string

const (
	StreamContent    StreamEventType = ""
	StreamToolCall   StreamEventType = "tool_call"
	StreamToolResult StreamEventType = "tool_result"
	StreamInfo       StreamEventType = "info"
	StreamMemoryTask StreamEventType = "memory_task"
	StreamError      StreamEventType = "error"
)

// StreamEvent is one SSE frame of a chat turn. Exactly the fields for the
// frame's type are set; everything else stays omitted on the wire.
//
//	{content}
//	{type:"tool_call", toolCall:{name,args}}
//	{type:"tool_result", toolName, result, serverId?, accounts?, metadata?}
//	{type:"info", message}
//	{type:"memory_task", status:"started"|"completed", count?}
//	{type:"error", message}
type StreamEvent struct {
	Type     StreamEventType `json:"type,omitempty"`
	Content  string          `json:"content,omitempty"`
	ToolCall *ToolCallEvent  `json:"toolCall,omitempty"`
	ToolName string          `json:"toolName,omitempty"`
	Result   string          `json:"result,omitempty"`
	ServerID string          `json:"serverId,omitempty"`
	Accounts []string        `json:"accounts,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Message  string          `json:"message,omitempty"`
	Status   string          `json:"status,omitempty"`
	Count    *int            `json:"count,omitempty"`
}

// ToolCallEvent announces a provider tool call before it executes.
type ToolCallEvent struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Critical reports whether dropping this frame under backpressure would
// corrupt the client's view of the turn. Content frames are the only
// droppable kind.
func (e StreamEvent) Critical() bool {
	return e.Type != StreamContent
}
