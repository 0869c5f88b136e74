package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/automaton/internal/config"
	"github.com/nugget/automaton/internal/httpkit"
)

// OpenAIConfig configures an [OpenAIClient].
type OpenAIConfig struct {
	BaseURL         string
	APIKey          string
	Model           string
	LowComputeModel string
	MaxTokens       int
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// OpenAIClient speaks the OpenAI-compatible chat completions protocol
// offered by the hosted compute provider.
type OpenAIClient struct {
	*modelSelector
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a hosted inference client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(3 * time.Minute))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAIClient{
		modelSelector: newModelSelector(cfg.Model, cfg.LowComputeModel, cfg.MaxTokens),
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		httpClient:    cfg.HTTPClient,
		logger:        cfg.Logger.With("provider", "openai"),
	}
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Tools       []ToolSpec      `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat implements [Client].
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResponse, error) {
	model, maxTokens := c.resolve(opts)

	req := openaiRequest{
		Model:       model,
		Messages:    make([]openaiMessage, 0, len(messages)),
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		Tools:       opts.Tools,
	}
	if len(opts.Tools) > 0 {
		req.ToolChoice = "auto"
	}
	for _, m := range messages {
		content := m.Content
		om := openaiMessage{Role: m.Role, Content: &content, Name: m.Name, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			var wire openaiToolCall
			wire.ID = tc.ID
			wire.Type = "function"
			wire.Function.Name = tc.Name
			wire.Function.Arguments = tc.Arguments
			om.ToolCalls = append(om.ToolCalls, wire)
		}
		req.Messages = append(req.Messages, om)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "inference request", "model", model, "body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var wire openaiResponse
	if err := httpkit.DoJSON(c.httpClient, httpReq, c.apiKey, &wire); err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("no completion choice returned")
	}
	choice := wire.Choices[0]

	out := &ChatResponse{
		ID:           wire.ID,
		Model:        wire.Model,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		},
	}
	if out.Model == "" {
		out.Model = model
	}
	if out.Usage.TotalTokens == 0 {
		out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
	}
	if choice.Message.Content != nil {
		out.Content = *choice.Message.Content
	}
	for i, tc := range choice.Message.ToolCalls {
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: id, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}

	c.logger.Debug("inference response",
		"model", out.Model,
		"finish_reason", out.FinishReason,
		"tool_calls", len(out.ToolCalls),
		"total_tokens", out.Usage.TotalTokens)
	return out, nil
}
