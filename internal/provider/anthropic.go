package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/troupe/internal/backoff"
)

const anthropicDefaultModel = "claude-sonnet-4-20250514"

// Anthropic streams completions from the Claude Messages API.
type Anthropic struct {
	client       anthropic.Client
	maxRetries   int
	retryPolicy  backoff.Policy
	defaultModel string
}

// AnthropicConfig configures the Anthropic backend. Only APIKey is
// required.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewAnthropic builds the Anthropic backend.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = anthropicDefaultModel
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		retryPolicy:  backoff.Policy{Initial: cfg.RetryDelay, Factor: 2, Jitter: 0.2},
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Anthropic) Name() string {
	return "anthropic"
}

// Complete opens a streaming request, retrying stream creation with
// exponential backoff on transient failures.
func (p *Anthropic) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	out := make(chan *Chunk)

	go func() {
		defer close(out)

		model := p.model(req.Model)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req, model)
			if err == nil {
				break
			}

			wrapped := p.wrapError(err, model)
			if !Retryable(wrapped) {
				out <- &Chunk{Err: wrapped}
				return
			}
			if attempt < p.maxRetries {
				if err := backoff.SleepWithContext(ctx, p.retryPolicy.Delay(attempt+1)); err != nil {
					out <- &Chunk{Err: err}
					return
				}
			}
		}
		if err != nil {
			out <- &Chunk{Err: fmt.Errorf("anthropic: max retries exceeded: %w", p.wrapError(err, model))}
			return
		}

		p.processStream(stream, out, model)
	}()

	return out, nil
}

func (p *Anthropic) createStream(ctx context.Context, req *Request, model string) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokensOr(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// maxQuietStreamEvents bounds consecutive events that produce no output
// before the stream is treated as malformed.
const maxQuietStreamEvents = 300

func (p *Anthropic) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- *Chunk, model string) {
	var currentCall *ToolCall
	var callInput strings.Builder
	quiet := 0

	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		handled := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			handled = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				currentCall = &ToolCall{ID: use.ID, Name: use.Name}
				callInput.Reset()
			}
			handled = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- &Chunk{Text: delta.Text}
					handled = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					callInput.WriteString(delta.PartialJSON)
					handled = true
				}
			default:
				// Thinking and future delta kinds stream through silently.
				handled = true
			}

		case "content_block_stop":
			if currentCall != nil {
				currentCall.Args = json.RawMessage(callInput.String())
				out <- &Chunk{ToolCall: currentCall}
				currentCall = nil
			}
			handled = true

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			handled = true

		case "message_stop":
			out <- &Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			out <- &Chunk{Err: p.wrapError(errors.New("anthropic stream error"), model)}
			return
		}

		if handled {
			quiet = 0
		} else {
			quiet++
			if quiet >= maxQuietStreamEvents {
				out <- &Chunk{Err: p.wrapError(fmt.Errorf("malformed stream: %d consecutive empty events", quiet), model)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		out <- &Chunk{Err: p.wrapError(err, model)}
	}
}

// anthropicMessages maps transcript entries to the Messages API shape.
// System entries are dropped here; the system prompt travels separately.
// Tool results become user-role tool_result blocks.
func anthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Args, &args); err != nil {
				return nil, fmt.Errorf("invalid tool call args for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func anthropicTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for tool %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *Anthropic) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe := (&Error{
			Provider: "anthropic",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}).WithStatus(apiErr.StatusCode)

		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					pe = pe.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					pe = pe.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}
		if pe.Message == "" {
			pe.Message = "anthropic request failed"
		}
		if requestID != "" {
			pe = pe.WithRequestID(requestID)
		}
		return pe
	}

	return NewError("anthropic", model, err)
}

func (p *Anthropic) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
