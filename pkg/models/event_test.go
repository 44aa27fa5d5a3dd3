package models

import (
	"encoding/json"
	"testing"
)

func TestStreamEvent_ContentFrameShape(t *testing.T) {
	data, err := json.Marshal(StreamEvent{Content: "hello"})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if raw["content"] != "hello" {
		t.Errorf("content = %v, want %q", raw["content"], "hello")
	}
	if _, ok := raw["type"]; ok {
		t.Error("content frames must not carry a type field")
	}
}

func TestStreamEvent_ToolResultFrameShape(t *testing.T) {
	ev := StreamEvent{
		Type:     StreamToolResult,
		ToolName: "search_messages",
		Result:   "3 messages found",
		ServerID: "gmail-mcp~u@x.com",
		Accounts: []string{"u@x.com"},
		Metadata: map[string]any{"roleSwitch": "role-2"},
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if raw["type"] != "tool_result" {
		t.Errorf("type = %v, want tool_result", raw["type"])
	}
	if raw["serverId"] != "gmail-mcp~u@x.com" {
		t.Errorf("serverId = %v, want gmail-mcp~u@x.com", raw["serverId"])
	}
	meta, ok := raw["metadata"].(map[string]any)
	if !ok || meta["roleSwitch"] != "role-2" {
		t.Errorf("metadata = %v, want roleSwitch passthrough", raw["metadata"])
	}
}

func TestStreamEvent_MemoryTaskCountZero(t *testing.T) {
	count := 0
	data, err := json.Marshal(StreamEvent{Type: StreamMemoryTask, Status: "completed", Count: &count})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if v, ok := raw["count"]; !ok || v != float64(0) {
		t.Errorf("count = %v, want 0 present", raw["count"])
	}
}

func TestStreamEvent_Critical(t *testing.T) {
	tests := []struct {
		name string
		ev   StreamEvent
		want bool
	}{
		{"content", StreamEvent{Content: "x"}, false},
		{"tool_call", StreamEvent{Type: StreamToolCall}, true},
		{"tool_result", StreamEvent{Type: StreamToolResult}, true},
		{"error", StreamEvent{Type: StreamError}, true},
		{"memory_task", StreamEvent{Type: StreamMemoryTask}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Critical(); got != tt.want {
				t.Errorf("Critical() = %v, want %v", got, tt.want)
			}
		})
	}
}
