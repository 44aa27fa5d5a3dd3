package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type memorySaver interface {
	SaveToMemory(ctx context.Context, roleID, text string) (bool, error)
}

// SaveToMemory stores a single fact in the active role's long-term memory.
type SaveToMemory struct {
	memory memorySaver
}

// NewSaveToMemory creates the save_to_memory tool.
func NewSaveToMemory(memory memorySaver) *SaveToMemory {
	return &SaveToMemory{memory: memory}
}

func (t *SaveToMemory) Name() string { return "save_to_memory" }

func (t *SaveToMemory) Description() string {
	return "Save a fact or preference to this role's long-term memory so later conversations can use it."
}

type saveToMemoryArgs struct {
	Text string `json:"text" jsonschema:"description=The fact to remember in one or two sentences"`
}

func (t *SaveToMemory) Schema() json.RawMessage { return reflectSchema(&saveToMemoryArgs{}) }

func (t *SaveToMemory) Execute(ctx context.Context, call Call) (*Result, error) {
	var args saveToMemoryArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	text := strings.TrimSpace(args.Text)
	if text == "" {
		return toolError("text is required"), nil
	}

	inserted, err := t.memory.SaveToMemory(ctx, call.RoleID, text)
	if err != nil {
		return toolError(fmt.Sprintf("save memory: %v", err)), nil
	}
	if !inserted {
		return jsonResult(map[string]string{
			"status": "duplicate",
			"note":   "an equivalent memory already exists",
		}), nil
	}
	return jsonResult(map[string]string{"status": "saved"}), nil
}
