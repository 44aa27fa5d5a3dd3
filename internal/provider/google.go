package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/troupe/internal/backoff"
)

const googleDefaultModel = "gemini-2.0-flash"

// Google streams completions from the Gemini API. Function calls arrive
// whole, without ids, so ids are synthesized for transcript bookkeeping.
type Google struct {
	client       *genai.Client
	maxRetries   int
	retryPolicy  backoff.Policy
	defaultModel string
	now          func() time.Time
}

// GoogleConfig configures the Gemini backend. Only APIKey is required.
type GoogleConfig struct {
	APIKey       string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewGoogle builds the Gemini backend.
func NewGoogle(cfg GoogleConfig) (*Google, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: api key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = googleDefaultModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}

	return &Google{
		client:       client,
		maxRetries:   cfg.MaxRetries,
		retryPolicy:  backoff.Policy{Initial: cfg.RetryDelay, Factor: 2, Jitter: 0.2},
		defaultModel: cfg.DefaultModel,
		now:          time.Now,
	}, nil
}

func (p *Google) Name() string {
	return "google"
}

// Complete opens a streaming request with exponential-backoff retries.
func (p *Google) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	out := make(chan *Chunk)

	go func() {
		defer close(out)

		model := p.model(req.Model)
		contents := p.convertMessages(req.Messages)
		config := p.buildConfig(req)

		var lastErr error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream := p.client.Models.GenerateContentStream(ctx, model, contents, config)
			emitted, err := p.processStream(ctx, stream, out)
			if err == nil {
				out <- &Chunk{Done: true}
				return
			}

			lastErr = p.wrapError(err, model)
			if ctx.Err() != nil {
				out <- &Chunk{Err: ctx.Err()}
				return
			}
			// A retry after partial output would replay chunks the
			// caller already consumed.
			if emitted || !Retryable(lastErr) {
				out <- &Chunk{Err: lastErr}
				return
			}
			if attempt < p.maxRetries {
				if err := backoff.SleepWithContext(ctx, p.retryPolicy.Delay(attempt+1)); err != nil {
					out <- &Chunk{Err: err}
					return
				}
			}
		}

		out <- &Chunk{Err: fmt.Errorf("google: max retries exceeded: %w", lastErr)}
	}()

	return out, nil
}

func (p *Google) processStream(ctx context.Context, stream iter.Seq2[*genai.GenerateContentResponse, error], out chan<- *Chunk) (emitted bool, err error) {
	for resp, streamErr := range stream {
		select {
		case <-ctx.Done():
			return emitted, ctx.Err()
		default:
		}

		if streamErr != nil {
			return emitted, streamErr
		}
		if resp == nil {
			continue
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					out <- &Chunk{Text: part.Text}
					emitted = true
				}
				if part.FunctionCall != nil {
					args, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						args = []byte("{}")
					}
					out <- &Chunk{ToolCall: &ToolCall{
						ID:   p.newCallID(part.FunctionCall.Name),
						Name: part.FunctionCall.Name,
						Args: args,
					}}
					emitted = true
				}
			}
		}
	}
	return emitted, nil
}

// convertMessages maps transcript entries to Gemini contents. Tool calls
// become function_call parts on model turns; tool results become
// function_response parts on user turns.
func (p *Google) convertMessages(messages []Message) []*genai.Content {
	var result []*genai.Content

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == "assistant" {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Args, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}
		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{"result": tr.Content, "error": tr.IsError}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     callNameFromID(tr.ToolCallID, messages),
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result
}

func (p *Google) buildConfig(req *Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		config.MaxOutputTokens = int32(maxTokens)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		config.Temperature = &temp
	}
	if len(req.Tools) > 0 {
		config.Tools = googleTools(req.Tools)
	}

	return config
}

func googleTools(tools []ToolDef) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  googleSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// googleSchema converts a JSON Schema object to Gemini's schema type,
// recursing through properties and array items.
func googleSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = googleSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = googleSchema(items)
	}

	return schema
}

func (p *Google) newCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, p.now().UnixNano())
}

// callNameFromID recovers the function name a result answers, first from
// the transcript, then from the synthesized id format.
func callNameFromID(toolCallID string, messages []Message) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	parts := strings.Split(toolCallID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

// wrapError classifies Gemini failures. The SDK surfaces most API
// errors as text, so status is recovered from the message.
func (p *Google) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	pe := NewError("google", model, err)

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthenticated"):
		pe = pe.WithStatus(http.StatusUnauthorized)
	case strings.Contains(msg, "403"), strings.Contains(msg, "permission denied"):
		pe = pe.WithStatus(http.StatusForbidden)
	case strings.Contains(msg, "404"), strings.Contains(msg, "not found"):
		pe = pe.WithStatus(http.StatusNotFound)
	case strings.Contains(msg, "429"), strings.Contains(msg, "resource exhausted"):
		pe = pe.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(msg, "500"):
		pe = pe.WithStatus(http.StatusInternalServerError)
	case strings.Contains(msg, "503"):
		pe = pe.WithStatus(http.StatusServiceUnavailable)
	}

	return pe
}

func (p *Google) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
