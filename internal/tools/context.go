package tools

import (
	"context"

	"github.com/nugget/automaton/internal/state"
)

type contextKey string

const (
	turnIDKey     contextKey = "turn_id"
	agentStateKey contextKey = "agent_state"
)

// WithTurnID adds the executing turn's id to the context.
func WithTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, turnIDKey, id)
}

// TurnIDFromContext returns the executing turn's id, or "".
func TurnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(turnIDKey).(string)
	return id
}

// WithAgentState adds the lifecycle state at execution time.
func WithAgentState(ctx context.Context, st state.AgentState) context.Context {
	return context.WithValue(ctx, agentStateKey, st)
}

// AgentStateFromContext returns the lifecycle state, or
// [state.StateRunning] when unset.
func AgentStateFromContext(ctx context.Context) state.AgentState {
	if st, ok := ctx.Value(agentStateKey).(state.AgentState); ok && st != "" {
		return st
	}
	return state.StateRunning
}
