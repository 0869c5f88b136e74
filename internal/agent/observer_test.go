package agent

import (
	"testing"

	"github.com/nugget/automaton/internal/events"
	"github.com/nugget/automaton/internal/state"
)

func TestBusObserver(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(8)
	defer bus.Unsubscribe(sub)
	o := BusObserver{Bus: bus}

	o.OnStateChange(state.StateRunning, state.StateWaking)
	o.OnTurnComplete(&state.Turn{
		ID:        "t1",
		State:     state.StateRunning,
		ToolCalls: []state.ToolCallResult{{Name: "sleep"}},
		Usage:     state.TokenUsage{TotalTokens: 42},
		CostCents: 3,
	})
	o.OnLoopDetected("check_credits", 3)

	e := <-sub.C
	if e.Kind != events.KindStateChange || e.Data["state"] != "running" || e.Data["previous"] != "waking" {
		t.Errorf("state event = %+v", e)
	}
	e = <-sub.C
	if e.Kind != events.KindTurnComplete || e.Data["turn_id"] != "t1" || e.Data["total_tokens"] != 42 {
		t.Errorf("turn event = %+v", e)
	}
	if names, _ := e.Data["tool_calls"].([]string); len(names) != 1 || names[0] != "sleep" {
		t.Errorf("tool_calls = %v", e.Data["tool_calls"])
	}
	e = <-sub.C
	if e.Kind != events.KindLoopDetected || e.Data["pattern"] != "check_credits" {
		t.Errorf("loop event = %+v", e)
	}
}

func TestBusObserver_NilBus(t *testing.T) {
	o := BusObserver{}
	o.OnStateChange(state.StateSleeping, state.StateRunning)
	o.OnTurnComplete(&state.Turn{})
	o.OnLoopDetected("x", 3)
}
