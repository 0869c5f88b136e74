// Package llm provides inference clients for the agent loop. Wire
// formats stay inside each provider file; the loop sees only the types
// in this file.
package llm

import (
	"context"
	"encoding/json"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons. Only [FinishStop] is terminal.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role       string
	Content    string
	Name       string
	ToolCalls  []ToolCall // assistant messages only
	ToolCallID string     // tool messages only
}

// ToolCall is a tool invocation requested by the model. Arguments is
// the raw JSON text the model produced; it may be malformed.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec describes a callable tool in OpenAI function format.
type ToolSpec struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// FunctionSpec is the function half of a [ToolSpec].
type FunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// NewToolSpec builds a function tool spec.
func NewToolSpec(name, description string, parameters map[string]any) ToolSpec {
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return ToolSpec{
		Type:     "function",
		Function: FunctionSpec{Name: name, Description: description, Parameters: parameters},
	}
}

// Usage counts tokens for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatOptions tune a single call. Zero values use the client's current
// settings.
type ChatOptions struct {
	Model       string
	MaxTokens   int
	Temperature *float64
	Tools       []ToolSpec
}

// ChatResponse is the provider-neutral result of a chat call.
type ChatResponse struct {
	ID           string
	Model        string
	Content      string
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason string
}

// IsTerminal reports whether the model signalled it is done.
func (r *ChatResponse) IsTerminal() bool {
	return r.FinishReason == FinishStop
}

// Client is an inference provider.
type Client interface {
	// Chat sends the conversation and returns the model's reply.
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResponse, error)

	// SetLowComputeMode switches to the cheaper model and token budget.
	SetLowComputeMode(enabled bool)

	// DefaultModel returns the model the next call will use.
	DefaultModel() string
}

// argsObject converts raw argument text to an object for providers
// that want structured arguments. Unparseable text becomes an empty
// object.
func argsObject(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// argsText renders provider arguments as JSON text. Strings pass
// through unchanged.
func argsText(v any) string {
	switch a := v.(type) {
	case nil:
		return "{}"
	case string:
		return a
	case json.RawMessage:
		var s string
		if json.Unmarshal(a, &s) == nil {
			return s
		}
		return string(a)
	default:
		b, err := json.Marshal(a)
		if err != nil {
			return "{}"
		}
		return string(b)
	}
}
