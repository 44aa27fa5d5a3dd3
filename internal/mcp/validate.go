package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache holds compiled schemas keyed by their raw JSON text.
var schemaCache sync.Map

// ValidateArgs checks tool arguments against the tool's declared input
// schema. An empty schema accepts everything.
func ValidateArgs(schema json.RawMessage, args map[string]any) error {
	if len(schema) == 0 || bytes.Equal(bytes.TrimSpace(schema), []byte("null")) {
		return nil
	}

	compiled, err := compileSchema(schema)
	if err != nil {
		// A malformed schema is the server's bug, not the caller's.
		return nil
	}

	if args == nil {
		args = map[string]any{}
	}
	// Round trip through JSON so nested values carry the types the
	// validator expects.
	normalized, err := normalizeArgs(args)
	if err != nil {
		return fmt.Errorf("normalize arguments: %w", err)
	}
	if err := compiled.Validate(normalized); err != nil {
		return fmt.Errorf("arguments do not match tool schema: %w", err)
	}
	return nil
}

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", bytes.NewReader(schema)); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile("tool.json")
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

func normalizeArgs(args map[string]any) (any, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
