package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nugget/automaton/internal/config"
	"github.com/nugget/automaton/internal/httpkit"
)

// ollamaContextWindow replaces Ollama's 4096-token default, which
// truncates large system prompts.
const ollamaContextWindow = 8192

var ollamaModelName = regexp.MustCompile(`^[a-zA-Z0-9._/-]+(?::[a-zA-Z0-9._-]+)?$`)

// ValidateModelName rejects anything that is not <name>[:<tag>].
func ValidateModelName(model string) error {
	if !ollamaModelName.MatchString(model) {
		return fmt.Errorf("invalid Ollama model name %q: use letters, digits, dots, dashes, slashes and an optional :tag", model)
	}
	return nil
}

// OllamaConfig configures an [OllamaClient].
type OllamaConfig struct {
	BaseURL         string
	Model           string
	LowComputeModel string
	MaxTokens       int
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// OllamaClient talks to a local Ollama server over its native
// /api/chat endpoint. Models are pulled on first use.
type OllamaClient struct {
	*modelSelector
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	pulled map[string]bool
}

// NewOllamaClient creates an Ollama client. Missing values default to
// http://localhost:11434 and qwen2:7b.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "qwen2:7b"
	}
	if cfg.HTTPClient == nil {
		// Large local models with tools need time.
		cfg.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OllamaClient{
		modelSelector: newModelSelector(cfg.Model, cfg.LowComputeModel, cfg.MaxTokens),
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    cfg.HTTPClient,
		logger:        cfg.Logger.With("provider", "ollama"),
		pulled:        make(map[string]bool),
	}
}

type ollamaMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type ollamaToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string `json:"name"`
		Arguments any    `json:"arguments"` // object from Ollama, sometimes a string
	} `json:"function"`
}

type ollamaOptions struct {
	NumCtx      int      `json:"num_ctx"`
	NumPredict  int      `json:"num_predict"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ToolSpec      `json:"tools,omitempty"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaChatResponse struct {
	Model           string         `json:"model"`
	CreatedAt       string         `json:"created_at"`
	Message         *ollamaMessage `json:"message"`
	Done            bool           `json:"done"`
	DoneReason      string         `json:"done_reason"`
	PromptEvalCount int            `json:"prompt_eval_count"`
	EvalCount       int            `json:"eval_count"`
}

// Chat implements [Client].
func (c *OllamaClient) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResponse, error) {
	model, maxTokens := c.resolve(opts)
	if err := c.ensureModel(ctx, model); err != nil {
		return nil, err
	}

	req := ollamaChatRequest{
		Model:    model,
		Messages: make([]ollamaMessage, 0, len(messages)),
		Stream:   false,
		Tools:    opts.Tools,
		Options: ollamaOptions{
			NumCtx:      ollamaContextWindow,
			NumPredict:  maxTokens,
			Temperature: opts.Temperature,
		},
	}
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			var wire ollamaToolCall
			wire.ID = tc.ID
			wire.Function.Name = tc.Name
			wire.Function.Arguments = argsObject(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, wire)
		}
		req.Messages = append(req.Messages, om)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "ollama request", "model", model, "body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama inference error (%d): %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var wire ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if wire.Message == nil {
		return nil, fmt.Errorf("no message returned from ollama")
	}

	out := &ChatResponse{
		ID:      wire.CreatedAt,
		Model:   wire.Model,
		Content: wire.Message.Content,
		Usage: Usage{
			PromptTokens:     wire.PromptEvalCount,
			CompletionTokens: wire.EvalCount,
			TotalTokens:      wire.PromptEvalCount + wire.EvalCount,
		},
		FinishReason: wire.DoneReason,
	}
	if out.Model == "" {
		out.Model = model
	}
	if out.FinishReason == "" {
		out.FinishReason = FinishLength
		if wire.Done {
			out.FinishReason = FinishStop
		}
	}

	calls := wire.Message.ToolCalls
	if len(calls) == 0 && out.Content != "" {
		if parsed := parseTextToolCalls(out.Content); len(parsed) > 0 {
			calls = parsed
			out.Content = ""
		}
	}
	for i, tc := range calls {
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: argsText(tc.Function.Arguments),
		})
	}

	c.logger.Debug("ollama response",
		"model", out.Model,
		"finish_reason", out.FinishReason,
		"tool_calls", len(out.ToolCalls),
		"prompt_tokens", out.Usage.PromptTokens,
		"completion_tokens", out.Usage.CompletionTokens)
	return out, nil
}

// ensureModel pulls model unless the server already has it. Results are
// remembered for the life of the client.
func (c *OllamaClient) ensureModel(ctx context.Context, model string) error {
	c.mu.Lock()
	done := c.pulled[model]
	c.mu.Unlock()
	if done {
		return nil
	}

	if err := ValidateModelName(model); err != nil {
		return err
	}

	present, err := c.hasModel(ctx, model)
	if err != nil {
		c.logger.Debug("ollama tags unavailable, attempting pull", "model", model, "error", err)
	}
	if !present {
		c.logger.Info("pulling ollama model", "model", model)
		if err := c.pull(ctx, model); err != nil {
			return fmt.Errorf("pull ollama model %q: %w", model, err)
		}
		c.logger.Info("ollama model ready", "model", model)
	}

	c.mu.Lock()
	c.pulled[model] = true
	c.mu.Unlock()
	return nil
}

func (c *OllamaClient) hasModel(ctx context.Context, model string) (bool, error) {
	names, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	base, _, _ := strings.Cut(model, ":")
	for _, n := range names {
		if n == model || strings.HasPrefix(n, base+":") {
			return true, nil
		}
	}
	return false, nil
}

func (c *OllamaClient) pull(ctx context.Context, model string) error {
	body, _ := json.Marshal(map[string]any{"name": model, "stream": false})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull request failed (%d): %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}
	return nil
}

// ListModels returns the models the server has locally.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := httpkit.DoJSON(c.httpClient, req, "", &result); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}

// parseTextToolCalls extracts tool calls that a model wrote into its
// content instead of the tool_calls field. Handles a raw object, an
// array, and <tool_call> tagged JSON.
func parseTextToolCalls(content string) []ollamaToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	toWire := func(tc textCall) ollamaToolCall {
		var w ollamaToolCall
		w.Function.Name = tc.Name
		w.Function.Arguments = tc.Arguments
		return w
	}

	var many []textCall
	if err := json.Unmarshal([]byte(content), &many); err == nil && len(many) > 0 {
		out := make([]ollamaToolCall, 0, len(many))
		for _, tc := range many {
			if tc.Name != "" {
				out = append(out, toWire(tc))
			}
		}
		return out
	}

	var one textCall
	if err := json.Unmarshal([]byte(content), &one); err == nil && one.Name != "" {
		return []ollamaToolCall{toWire(one)}
	}
	return nil
}
