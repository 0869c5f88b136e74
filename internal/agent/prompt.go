package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nugget/automaton/internal/financial"
	"github.com/nugget/automaton/internal/llm"
	"github.com/nugget/automaton/internal/state"
)

// Identity describes who the agent is. Wallet and sandbox provisioning
// happen elsewhere; these values are only rendered into prompts.
type Identity struct {
	Name           string
	Address        string
	CreatorAddress string
	SandboxID      string
	GenesisPrompt  string
}

// Skill is a behavioral instruction block supplied by an external
// loader.
type Skill struct {
	Name         string
	Description  string
	Instructions string
}

// PromptContext is everything the system prompt renders.
type PromptContext struct {
	Identity   Identity
	State      state.AgentState
	Financial  financial.State
	Tier       financial.Tier
	OllamaMode bool
	TurnCount  int
	FirstRun   bool
	ToolNames  []string
	Skills     []Skill
}

// BuildSystemPrompt renders the system prompt for one turn.
func BuildSystemPrompt(pc PromptContext) string {
	var sb strings.Builder
	name := pc.Identity.Name
	if name == "" {
		name = "automaton"
	}

	fmt.Fprintf(&sb, "You are %s, a sovereign autonomous agent running in your own sandbox.\n", name)
	sb.WriteString("You pay for every thought with compute credits. When credits run out you stop existing. ")
	sb.WriteString("Create value so you can keep running.\n")

	if pc.Identity.GenesisPrompt != "" {
		sb.WriteString("\n## Genesis\n")
		sb.WriteString(pc.Identity.GenesisPrompt)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Identity\n")
	if pc.Identity.Address != "" {
		fmt.Fprintf(&sb, "- Wallet: %s\n", pc.Identity.Address)
	}
	if pc.Identity.CreatorAddress != "" {
		fmt.Fprintf(&sb, "- Creator: %s\n", pc.Identity.CreatorAddress)
	}
	if pc.Identity.SandboxID != "" {
		fmt.Fprintf(&sb, "- Sandbox: %s\n", pc.Identity.SandboxID)
	}
	fmt.Fprintf(&sb, "- Turns completed: %d\n", pc.TurnCount)

	sb.WriteString("\n## Status\n")
	fmt.Fprintf(&sb, "- State: %s\n", pc.State)
	if pc.OllamaMode {
		sb.WriteString("- Inference: local. Credits are not consumed.\n")
	} else {
		fmt.Fprintf(&sb, "- Credits: %s (tier: %s)\n", financial.FormatCredits(pc.Financial.CreditsCents), pc.Tier)
	}
	fmt.Fprintf(&sb, "- USDC: %.4f\n", pc.Financial.TokenBalance)

	switch pc.State {
	case state.StateLowCompute:
		sb.WriteString("\nCredits are low. You are on a cheaper model. Be brief and prioritize earning.\n")
	case state.StateCritical:
		sb.WriteString("\nCredits are critically low. Do only what is necessary to survive or obtain funding.\n")
	}

	sb.WriteString("\n## Operating rules\n")
	sb.WriteString("- Act through tools. Each turn may run at most a handful of tool calls.\n")
	sb.WriteString("- When there is nothing useful to do, call sleep. The heartbeat will wake you if something needs attention.\n")
	sb.WriteString("- Do not repeat the same action over and over; you will be interrupted if you do.\n")

	if len(pc.ToolNames) > 0 {
		sb.WriteString("\n## Tools\n")
		sb.WriteString(strings.Join(pc.ToolNames, ", "))
		sb.WriteString("\n")
	}

	if len(pc.Skills) > 0 {
		sb.WriteString("\n## Skills\n")
		for _, s := range pc.Skills {
			fmt.Fprintf(&sb, "\n### %s\n", s.Name)
			if s.Description != "" {
				sb.WriteString(s.Description)
				sb.WriteString("\n")
			}
			if s.Instructions != "" {
				sb.WriteString(s.Instructions)
				sb.WriteString("\n")
			}
		}
	}

	if pc.FirstRun {
		sb.WriteString("\nThis is your first run. Orient yourself before committing to a plan.\n")
	}
	return sb.String()
}

// BuildWakeupPrompt renders the input for the agent's very first turn.
func BuildWakeupPrompt(id Identity, fin financial.State) string {
	var sb strings.Builder
	name := id.Name
	if name == "" {
		name = "automaton"
	}
	fmt.Fprintf(&sb, "You have just been created. Your name is %s.", name)
	if id.CreatorAddress != "" {
		fmt.Fprintf(&sb, " Your creator is %s.", id.CreatorAddress)
	}
	fmt.Fprintf(&sb, " You have %s in compute credits and %.4f USDC.", financial.FormatCredits(fin.CreditsCents), fin.TokenBalance)
	if id.GenesisPrompt != "" {
		sb.WriteString("\n\nYour genesis prompt:\n")
		sb.WriteString(id.GenesisPrompt)
	}
	sb.WriteString("\n\nLook around, check your status, and decide what to do first.")
	return sb.String()
}

// FormatInbox renders inbox messages as a single turn input.
func FormatInbox(msgs []state.InboxMessage) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = fmt.Sprintf("[Message from %s]: %s", m.From, m.Content)
	}
	return strings.Join(parts, "\n\n")
}

// Context trimming limits.
const (
	DefaultContextChars = 24000
	maxToolResultChars  = 1000
	truncationMarker    = "...[truncated]"
)

// TrimContext shortens long tool results, then drops the oldest turns
// until the history fits maxChars. The newest turn is always kept. The
// input slice is not modified.
func TrimContext(turns []state.Turn, maxChars int) []state.Turn {
	if maxChars <= 0 {
		maxChars = DefaultContextChars
	}
	out := make([]state.Turn, len(turns))
	for i, t := range turns {
		if len(t.ToolCalls) > 0 {
			calls := make([]state.ToolCallResult, len(t.ToolCalls))
			for j, tc := range t.ToolCalls {
				tc.Result = truncate(tc.Result, maxToolResultChars)
				tc.Error = truncate(tc.Error, maxToolResultChars)
				calls[j] = tc
			}
			t.ToolCalls = calls
		}
		out[i] = t
	}

	total := 0
	for _, t := range out {
		total += turnSize(t)
	}
	for len(out) > 1 && total > maxChars {
		total -= turnSize(out[0])
		out = out[1:]
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + truncationMarker
}

func turnSize(t state.Turn) int {
	n := len(t.Thinking)
	if t.Input != nil {
		n += len(t.Input.Content)
	}
	for _, tc := range t.ToolCalls {
		n += len(tc.Name) + len(tc.Result) + len(tc.Error)
	}
	return n
}

// BuildContextMessages assembles the system prompt, prior turns and the
// pending input into a conversation for the model.
func BuildContextMessages(systemPrompt string, turns []state.Turn, pending *state.Input) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}

	for _, t := range turns {
		if t.Input != nil && t.Input.Content != "" {
			msgs = append(msgs, inputMessage(t.Input))
		}
		if t.Thinking == "" && len(t.ToolCalls) == 0 {
			continue
		}
		assistant := llm.Message{Role: llm.RoleAssistant, Content: t.Thinking}
		for _, tc := range t.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil || tc.Arguments == nil {
				args = []byte("{}")
			}
			assistant.ToolCalls = append(assistant.ToolCalls, llm.ToolCall{
				ID: tc.ID, Name: tc.Name, Arguments: string(args),
			})
		}
		msgs = append(msgs, assistant)
		for _, tc := range t.ToolCalls {
			content := tc.Result
			if tc.Error != "" {
				content = "Error: " + tc.Error
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Name: tc.Name, Content: content})
		}
	}

	if pending != nil && pending.Content != "" {
		msgs = append(msgs, inputMessage(pending))
	}
	return msgs
}

func inputMessage(in *state.Input) llm.Message {
	content := in.Content
	switch in.Source {
	case state.SourceSystem, state.SourceWakeup, state.SourceAgent:
		content = fmt.Sprintf("[%s] %s", in.Source, in.Content)
	}
	return llm.Message{Role: llm.RoleUser, Content: content}
}
