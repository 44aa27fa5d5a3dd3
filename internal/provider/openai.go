package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/troupe/internal/backoff"
)

const openaiDefaultModel = "gpt-4o"

// OpenAI streams completions from the Chat Completions API. Tool calls
// arrive in fragments and are reassembled by index before emission.
type OpenAI struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// OpenAIConfig configures the OpenAI backend. Only APIKey is required.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewOpenAI builds the OpenAI backend.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openaiDefaultModel
	}

	var client *openai.Client
	if cfg.BaseURL != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = cfg.BaseURL
		client = openai.NewClientWithConfig(clientCfg)
	} else {
		client = openai.NewClient(cfg.APIKey)
	}

	return &OpenAI{
		client:       client,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *OpenAI) Name() string {
	return "openai"
}

// Complete opens a streaming request with linear-backoff retries on
// stream creation.
func (p *OpenAI) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := p.model(req.Model)

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: openaiMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openaiTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.SleepWithContext(ctx, p.retryDelay*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !Retryable(lastErr) {
			return nil, p.wrapError(lastErr, model)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", p.wrapError(lastErr, model))
	}

	out := make(chan *Chunk)
	go p.processStream(ctx, stream, out, model)
	return out, nil
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- *Chunk, model string) {
	defer close(out)
	defer stream.Close()

	// Calls are assembled across deltas, keyed by the index field.
	calls := make(map[int]*ToolCall)
	argBuf := make(map[int]string)

	flushCalls := func() {
		if len(calls) == 0 {
			return
		}
		maxIndex := 0
		for i := range calls {
			if i > maxIndex {
				maxIndex = i
			}
		}
		for i := 0; i <= maxIndex; i++ {
			tc, ok := calls[i]
			if !ok || tc.ID == "" || tc.Name == "" {
				continue
			}
			args := argBuf[i]
			if args == "" {
				args = "{}"
			}
			tc.Args = json.RawMessage(args)
			out <- &Chunk{ToolCall: tc}
		}
		calls = make(map[int]*ToolCall)
		argBuf = make(map[int]string)
	}

	for {
		select {
		case <-ctx.Done():
			out <- &Chunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushCalls()
				out <- &Chunk{Done: true}
				return
			}
			out <- &Chunk{Err: p.wrapError(err, model), Done: true}
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			out <- &Chunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if calls[index] == nil {
				calls[index] = &ToolCall{}
			}
			if tc.ID != "" {
				calls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				calls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				argBuf[index] += tc.Function.Arguments
			}
		}

		if choice.FinishReason == "tool_calls" {
			flushCalls()
		}
	}
}

// openaiMessages maps transcript entries to the Chat Completions shape.
// The system prompt becomes the leading system message; each tool result
// becomes its own tool-role message keyed by tool_call_id.
func openaiMessages(messages []Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			result = append(result, m)

		case "tool":
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}

	return result
}

func openaiTools(tools []ToolDef) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		var params map[string]any
		if err := json.Unmarshal(tool.Schema, &params); err != nil || params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return result
}

func (p *OpenAI) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := (&Error{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}).WithStatus(apiErr.HTTPStatusCode).WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			pe = pe.WithCode(code)
		}
		return pe
	}

	return NewError("openai", model, err)
}

func (p *OpenAI) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
