package agent

import (
	"github.com/nugget/automaton/internal/events"
	"github.com/nugget/automaton/internal/state"
)

// Observer receives lifecycle notifications. Observers are purely
// informational; nothing they do changes what the loop does next.
type Observer interface {
	OnStateChange(current, previous state.AgentState)
	OnTurnComplete(turn *state.Turn)
}

// BusObserver republishes loop notifications on an event bus.
type BusObserver struct {
	Bus *events.Bus
}

// OnStateChange implements [Observer].
func (o BusObserver) OnStateChange(current, previous state.AgentState) {
	o.Bus.Emit(events.SourceAgent, events.KindStateChange, map[string]any{
		"state":    string(current),
		"previous": string(previous),
	})
}

// OnTurnComplete implements [Observer].
func (o BusObserver) OnTurnComplete(turn *state.Turn) {
	names := make([]string, len(turn.ToolCalls))
	for i, tc := range turn.ToolCalls {
		names[i] = tc.Name
	}
	o.Bus.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"turn_id":      turn.ID,
		"state":        string(turn.State),
		"tool_calls":   names,
		"total_tokens": turn.Usage.TotalTokens,
		"cost_cents":   turn.CostCents,
	})
}

// LoopObserver is an optional extension of [Observer] notified when the
// repetition guard fires.
type LoopObserver interface {
	OnLoopDetected(pattern string, turns int)
}

// OnLoopDetected implements [LoopObserver].
func (o BusObserver) OnLoopDetected(pattern string, turns int) {
	o.Bus.Emit(events.SourceAgent, events.KindLoopDetected, map[string]any{
		"pattern": pattern,
		"turns":   turns,
	})
}
