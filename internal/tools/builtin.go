package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/automaton/internal/financial"
	"github.com/nugget/automaton/internal/state"
)

// MaxSleep caps how long the agent may put itself to sleep.
const MaxSleep = 24 * time.Hour

// DefaultSleep applies when the sleep tool gets no duration.
const DefaultSleep = 60 * time.Second

// BuiltinDeps are the collaborators the lifecycle tools need.
type BuiltinDeps struct {
	Store      *state.Store
	Gate       *financial.Gate
	OllamaMode bool
	Now        func() time.Time
}

// RegisterBuiltins adds the lifecycle tools: sleep, check_credits,
// system_synopsis and read_inbox_count.
func RegisterBuiltins(r *Registry, d BuiltinDeps) {
	if d.Now == nil {
		d.Now = time.Now
	}
	b := &builtins{deps: d}

	r.Register(&Tool{
		Name: "sleep",
		Description: "Enter sleep mode for a period. Use when you have nothing useful to do; " +
			"the heartbeat will wake you early if something needs attention.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"duration_seconds": map[string]any{
					"type":        "integer",
					"description": "How long to sleep (default 60, max 86400)",
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "Why you are sleeping",
				},
			},
		},
		Handler: b.sleep,
	})

	r.Register(&Tool{
		Name:        "check_credits",
		Description: "Check your current compute credit balance, wallet balance and survival tier.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:     b.checkCredits,
	})

	r.Register(&Tool{
		Name:        "system_synopsis",
		Description: "Summarize your own status: lifecycle state, turns taken, uptime, inbox and heartbeat schedule.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:     b.synopsis,
	})

	r.Register(&Tool{
		Name:        "read_inbox_count",
		Description: "Return how many inbox messages are waiting to be read.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:     b.inboxCount,
	})
}

type builtins struct {
	deps BuiltinDeps
}

func (b *builtins) sleep(ctx context.Context, args map[string]any) (string, error) {
	secs, err := intArg(args, "duration_seconds", int(DefaultSleep/time.Second))
	if err != nil {
		return "", err
	}
	if secs <= 0 {
		return "", fmt.Errorf("duration_seconds must be positive, got %d", secs)
	}
	d := time.Duration(secs) * time.Second
	if d > MaxSleep {
		d = MaxSleep
	}

	until := b.deps.Now().Add(d)
	if err := b.deps.Store.Loop().SetSleepUntil(ctx, until); err != nil {
		return "", fmt.Errorf("record sleep: %w", err)
	}

	msg := fmt.Sprintf("Sleeping for %s until %s.", d, until.UTC().Format(time.RFC3339))
	if reason, _ := args["reason"].(string); reason != "" {
		msg += " Reason: " + reason
	}
	return msg, nil
}

func (b *builtins) checkCredits(ctx context.Context, _ map[string]any) (string, error) {
	if b.deps.Gate == nil {
		return "", fmt.Errorf("financial gate not configured")
	}
	st := b.deps.Gate.Poll(ctx)
	tier := b.deps.Gate.Tier(st.CreditsCents)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Credits: %s\n", financial.FormatCredits(st.CreditsCents))
	fmt.Fprintf(&sb, "USDC: %.4f\n", st.TokenBalance)
	fmt.Fprintf(&sb, "Tier: %s", tier)
	if b.deps.OllamaMode {
		sb.WriteString("\nInference runs locally; credits are not consumed.")
	}
	if err := financial.LogCreditCheck(ctx, b.deps.Store, st); err != nil {
		return "", fmt.Errorf("record credit check: %w", err)
	}
	return sb.String(), nil
}

func (b *builtins) synopsis(ctx context.Context, _ map[string]any) (string, error) {
	s := b.deps.Store
	kv := s.Reader()

	st, err := kv.AgentState(ctx)
	if err != nil {
		return "", err
	}
	turns, err := s.TurnCount(ctx)
	if err != nil {
		return "", err
	}
	inbox, err := s.CountUnprocessedInbox(ctx)
	if err != nil {
		return "", err
	}
	entries, err := s.HeartbeatEntries(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "State: %s\n", st)
	fmt.Fprintf(&sb, "Turns: %d\n", turns)
	if start, ok, _ := kv.StartTime(ctx); ok {
		fmt.Fprintf(&sb, "Alive since: %s (%s)\n", start.UTC().Format(time.RFC3339),
			b.deps.Now().Sub(start).Truncate(time.Second))
	}
	fmt.Fprintf(&sb, "Unread inbox: %d\n", inbox)
	if b.deps.Gate != nil {
		last := b.deps.Gate.Last()
		if !last.LastChecked.IsZero() {
			fmt.Fprintf(&sb, "Credits (last check): %s\n", financial.FormatCredits(last.CreditsCents))
		}
	}
	if len(entries) == 0 {
		sb.WriteString("Heartbeat: none")
		return sb.String(), nil
	}
	sb.WriteString("Heartbeat:")
	for _, e := range entries {
		status := "enabled"
		if !e.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(&sb, "\n- %s (%s, %s, %s)", e.Name, e.Task, e.Schedule, status)
		if e.NextRun != nil {
			fmt.Fprintf(&sb, " next %s", e.NextRun.UTC().Format(time.RFC3339))
		}
	}
	return sb.String(), nil
}

func (b *builtins) inboxCount(ctx context.Context, _ map[string]any) (string, error) {
	n, err := b.deps.Store.CountUnprocessedInbox(ctx)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(n), nil
}

// intArg reads an integer argument that may arrive as a JSON number or
// a numeric string.
func intArg(args map[string]any, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("%s: %q is not an integer", key, n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%s: unsupported type %T", key, v)
	}
}
