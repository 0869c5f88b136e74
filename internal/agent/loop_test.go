package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/automaton/internal/financial"
	"github.com/nugget/automaton/internal/llm"
	"github.com/nugget/automaton/internal/state"
	"github.com/nugget/automaton/internal/tools"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedLLM replays canned responses. Once the script is exhausted it
// answers with a terminal reply and no tool calls.
type scriptedLLM struct {
	mu         sync.Mutex
	script     []*llm.ChatResponse
	err        error
	calls      [][]llm.Message
	lowCompute bool
	// modes records every SetLowComputeMode argument in order.
	modes []bool
	// onChat runs before each reply is returned.
	onChat func()
}

func (m *scriptedLLM) Chat(_ context.Context, msgs []llm.Message, _ llm.ChatOptions) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, msgs)
	if m.onChat != nil {
		m.onChat()
	}
	if m.err != nil {
		return nil, m.err
	}
	if len(m.script) == 0 {
		return &llm.ChatResponse{Content: "nothing to do", FinishReason: llm.FinishStop}, nil
	}
	r := m.script[0]
	m.script = m.script[1:]
	return r, nil
}

func (m *scriptedLLM) SetLowComputeMode(enabled bool) {
	m.mu.Lock()
	m.lowCompute = enabled
	m.modes = append(m.modes, enabled)
	m.mu.Unlock()
}

func (m *scriptedLLM) DefaultModel() string { return "gpt-4o" }

func (m *scriptedLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *scriptedLLM) lastUserMessage(call int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.calls[call]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

type recorder struct {
	mu     sync.Mutex
	states []state.AgentState
	turns  []*state.Turn
}

func (r *recorder) OnStateChange(current, _ state.AgentState) {
	r.mu.Lock()
	r.states = append(r.states, current)
	r.mu.Unlock()
}

func (r *recorder) OnTurnComplete(t *state.Turn) {
	r.mu.Lock()
	r.turns = append(r.turns, t)
	r.mu.Unlock()
}

func (r *recorder) sawState(st state.AgentState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == st {
			return true
		}
	}
	return false
}

type panicObserver struct{}

func (panicObserver) OnStateChange(state.AgentState, state.AgentState) { panic("boom") }
func (panicObserver) OnTurnComplete(*state.Turn)                       { panic("boom") }

type fixedCredits int64

func (f fixedCredits) CreditsBalance(context.Context) (int64, error) { return int64(f), nil }

// creditSequence returns each balance in turn, then repeats the last.
type creditSequence struct {
	mu       sync.Mutex
	balances []int64
}

func (c *creditSequence) CreditsBalance(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.balances[0]
	if len(c.balances) > 1 {
		c.balances = c.balances[1:]
	}
	return b, nil
}

type harness struct {
	store *state.Store
	llm   *scriptedLLM
	rec   *recorder
	loop  *Loop
	// seen records the arguments each call to the "probe" tool received.
	seen []map[string]any
}

func newHarness(t *testing.T, credits int64, ollama bool, script ...*llm.ChatResponse) *harness {
	t.Helper()
	return newHarnessWithCredits(t, fixedCredits(credits), ollama, script...)
}

func newHarnessWithCredits(t *testing.T, credits financial.CreditSource, ollama bool, script ...*llm.ChatResponse) *harness {
	t.Helper()
	s, err := state.NewStore(filepath.Join(t.TempDir(), "agent_test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := &harness{store: s, llm: &scriptedLLM{script: script}, rec: &recorder{}}
	now := func() time.Time { return testNow }
	gate := financial.NewGate(financial.GateConfig{Credits: credits, Now: now})

	reg := tools.NewRegistry(nil)
	tools.RegisterBuiltins(reg, tools.BuiltinDeps{Store: s, Gate: gate, Now: now})
	var mu sync.Mutex
	reg.Register(&tools.Tool{
		Name:       "probe",
		Parameters: map[string]any{"type": "object"},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			mu.Lock()
			h.seen = append(h.seen, args)
			mu.Unlock()
			return "probed", nil
		},
	})

	h.loop, err = NewLoop(Config{
		Store:      s,
		Gate:       gate,
		Inference:  h.llm,
		Tools:      reg,
		Identity:   Identity{Name: "test-agent"},
		Observers:  []Observer{h.rec},
		OllamaMode: ollama,
		Now:        now,
	})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	return h
}

func (h *harness) agentState(t *testing.T) state.AgentState {
	t.Helper()
	st, err := h.store.Reader().AgentState(context.Background())
	if err != nil {
		t.Fatalf("AgentState: %v", err)
	}
	return st
}

func (h *harness) sleepUntil(t *testing.T) time.Time {
	t.Helper()
	until, ok, err := h.store.Reader().SleepUntil(context.Background())
	if err != nil || !ok {
		t.Fatalf("SleepUntil = %v, %v, %v", until, ok, err)
	}
	return until
}

// seedTurn stores a prior turn so the next run is not a first run.
func (h *harness) seedTurn(t *testing.T) {
	t.Helper()
	err := h.store.InsertTurn(context.Background(), &state.Turn{
		Timestamp: testNow.Add(-time.Hour),
		State:     state.StateRunning,
		Thinking:  "earlier",
	})
	if err != nil {
		t.Fatalf("InsertTurn: %v", err)
	}
}

func toolCalls(name, args string, n int) []llm.ToolCall {
	calls := make([]llm.ToolCall, n)
	for i := range calls {
		calls[i] = llm.ToolCall{ID: fmt.Sprintf("call_%d", i), Name: name, Arguments: args}
	}
	return calls
}

func TestNewLoop_RequiresCollaborators(t *testing.T) {
	if _, err := NewLoop(Config{}); err == nil {
		t.Fatal("NewLoop with empty config should fail")
	}
}

func TestRun_FirstRunIdlesToSleep(t *testing.T) {
	h := newHarness(t, 10_000, false)
	if err := h.loop.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := h.agentState(t); got != state.StateSleeping {
		t.Errorf("state = %s, want sleeping", got)
	}
	if got := h.sleepUntil(t); !got.Equal(testNow.Add(60 * time.Second)) {
		t.Errorf("sleep_until = %v, want now+60s", got)
	}
	if !strings.HasPrefix(h.llm.lastUserMessage(0), "[wakeup] ") {
		t.Errorf("first input = %q, want wakeup prompt", h.llm.lastUserMessage(0))
	}

	turns, err := h.store.RecentTurns(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(turns))
	}
	if turns[0].Input == nil || turns[0].Input.Source != state.SourceWakeup {
		t.Errorf("turn input = %+v, want wakeup", turns[0].Input)
	}
	if turns[0].State != state.StateRunning {
		t.Errorf("turn state = %s, want running", turns[0].State)
	}

	for _, st := range []state.AgentState{state.StateWaking, state.StateRunning, state.StateSleeping} {
		if !h.rec.sawState(st) {
			t.Errorf("observer never saw %s (saw %v)", st, h.rec.states)
		}
	}
	if _, ok, _ := h.store.Reader().StartTime(context.Background()); !ok {
		t.Error("start_time not recorded")
	}
}

func TestRun_InitialInputAfterFirstRun(t *testing.T) {
	h := newHarness(t, 10_000, false)
	h.seedTurn(t)

	in := &state.Input{Content: "check the queue", Source: state.SourceUser}
	if err := h.loop.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.llm.lastUserMessage(0); got != "check the queue" {
		t.Errorf("input = %q, want user text unprefixed", got)
	}
}

func TestRun_LowCreditTiers(t *testing.T) {
	tests := []struct {
		name    string
		credits int64
		want    state.AgentState
	}{
		{"critical", 50, state.StateCritical},
		{"low compute", 300, state.StateLowCompute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.credits, false)
			if err := h.loop.Run(context.Background(), nil); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !h.rec.sawState(tt.want) {
				t.Errorf("never entered %s (saw %v)", tt.want, h.rec.states)
			}
			if !h.llm.lowCompute {
				t.Error("low-compute mode not enabled")
			}
			turns, _ := h.store.RecentTurns(context.Background(), 1)
			if len(turns) != 1 || turns[0].State != tt.want {
				t.Errorf("turn state = %v, want %s", turns, tt.want)
			}
		})
	}
}

func TestRun_RecoversFromCriticalWhenFunded(t *testing.T) {
	// One poll on waking, one per iteration.
	credits := &creditSequence{balances: []int64{50, 50, 10_000}}
	h := newHarnessWithCredits(t, credits, false, &llm.ChatResponse{
		ToolCalls:    toolCalls("read_inbox_count", "{}", 1),
		FinishReason: llm.FinishToolCalls,
	})
	if err := h.loop.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []state.AgentState{state.StateWaking, state.StateRunning, state.StateCritical, state.StateRunning, state.StateSleeping}
	if fmt.Sprint(h.rec.states) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", h.rec.states, want)
	}
	if n := len(h.llm.modes); n == 0 || h.llm.modes[n-1] {
		t.Errorf("low-compute calls = %v, want last call false", h.llm.modes)
	}
	if !slices.Contains(h.llm.modes, true) {
		t.Errorf("low-compute calls = %v, never enabled while critical", h.llm.modes)
	}

	turns, err := h.store.RecentTurns(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 2 || turns[0].State != state.StateCritical || turns[1].State != state.StateRunning {
		var got []state.AgentState
		for _, tr := range turns {
			got = append(got, tr.State)
		}
		t.Errorf("turn states = %v, want [critical running]", got)
	}
}

func TestRun_DeadTierSkipsInference(t *testing.T) {
	h := newHarness(t, 0, false)
	if err := h.loop.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.agentState(t); got != state.StateDead {
		t.Errorf("state = %s, want dead", got)
	}
	if n := h.llm.callCount(); n != 0 {
		t.Errorf("inference calls = %d, want 0", n)
	}
	if n := h.loop.ConsecutiveErrors(); n != 0 {
		t.Errorf("consecutive errors = %d, want 0", n)
	}
}

func TestRun_OllamaModeBypassesTiers(t *testing.T) {
	h := newHarness(t, 0, true)
	if err := h.loop.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := h.llm.callCount(); n != 1 {
		t.Errorf("inference calls = %d, want 1", n)
	}
	if h.rec.sawState(state.StateDead) {
		t.Error("entered dead state in ollama mode")
	}
	if h.llm.lowCompute {
		t.Error("low-compute mode enabled in ollama mode")
	}
}

func TestRun_ConsecutiveErrorsCoolDown(t *testing.T) {
	h := newHarness(t, 10_000, false)
	h.llm.err = errors.New("upstream unavailable")

	if err := h.loop.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := h.llm.callCount(); n != 5 {
		t.Errorf("inference calls = %d, want 5", n)
	}
	if got := h.agentState(t); got != state.StateSleeping {
		t.Errorf("state = %s, want sleeping", got)
	}
	if got := h.sleepUntil(t); !got.Equal(testNow.Add(300 * time.Second)) {
		t.Errorf("sleep_until = %v, want now+300s", got)
	}
	if n := h.loop.ConsecutiveErrors(); n != 5 {
		t.Errorf("consecutive errors = %d, want 5", n)
	}
}

func TestRun_ErrorStreakResetsAfterTurn(t *testing.T) {
	h := newHarness(t, 10_000, false)
	h.llm.err = errors.New("flaky")
	h.loop.limits.MaxConsecutiveErrors = 2
	if err := h.loop.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := h.loop.ConsecutiveErrors(); n != 2 {
		t.Fatalf("consecutive errors = %d, want 2", n)
	}

	h.llm.err = nil
	if err := h.store.Runner().ClearSleep(context.Background()); err != nil {
		t.Fatalf("ClearSleep: %v", err)
	}
	if err := h.loop.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := h.loop.ConsecutiveErrors(); n != 0 {
		t.Errorf("consecutive errors after good turn = %d, want 0", n)
	}
}

func TestRun_ToolCallCap(t *testing.T) {
	h := newHarness(t, 10_000, false, &llm.ChatResponse{
		ToolCalls:    toolCalls("probe", `{}`, 13),
		FinishReason: llm.FinishToolCalls,
	})
	if err := h.loop.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.seen) != 10 {
		t.Errorf("executed = %d, want 10", len(h.seen))
	}
	if len(h.rec.turns) < 1 || len(h.rec.turns[0].ToolCalls) != 10 {
		t.Fatalf("first turn tool calls = %d, want 10", len(h.rec.turns[0].ToolCalls))
	}
}

func TestRun_SleepToolSuspends(t *testing.T) {
	h := newHarness(t, 10_000, false, &llm.ChatResponse{
		ToolCalls:    []llm.ToolCall{{ID: "call_0", Name: "sleep", Arguments: `{"duration_seconds": 120}`}},
		FinishReason: llm.FinishToolCalls,
	})
	if err := h.loop.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := h.llm.callCount(); n != 1 {
		t.Errorf("inference calls = %d, want 1", n)
	}
	if got := h.agentState(t); got != state.StateSleeping {
		t.Errorf("state = %s, want sleeping", got)
	}
	if got := h.sleepUntil(t); !got.Equal(testNow.Add(120 * time.Second)) {
		t.Errorf("sleep_until = %v, want now+120s", got)
	}
}

func TestRun_FailedSleepToolKeepsRunning(t *testing.T) {
	h := newHarness(t, 10_000, false, &llm.ChatResponse{
		ToolCalls:    []llm.ToolCall{{ID: "call_0", Name: "sleep", Arguments: `{"duration_seconds": -1}`}},
		FinishReason: llm.FinishToolCalls,
	})
	if err := h.loop.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := h.llm.callCount(); n != 2 {
		t.Errorf("inference calls = %d, want 2", n)
	}
}

func TestRun_RepetitionInjectsCorrection(t *testing.T) {
	resp := func() *llm.ChatResponse {
		return &llm.ChatResponse{ToolCalls: toolCalls("probe", `{}`, 1), FinishReason: llm.FinishToolCalls}
	}
	h := newHarness(t, 10_000, false, resp(), resp(), resp())
	if err := h.loop.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := h.llm.callCount(); n != 4 {
		t.Fatalf("inference calls = %d, want 4", n)
	}
	got := h.llm.lastUserMessage(3)
	if !strings.HasPrefix(got, "[system] LOOP DETECTED") || !strings.Contains(got, `"probe"`) {
		t.Errorf("fourth input = %q, want loop correction", got)
	}
	if strings.Contains(h.llm.lastUserMessage(2), "LOOP DETECTED") {
		t.Error("correction injected before the window filled")
	}
}

func TestRun_DrainsInboxInBatches(t *testing.T) {
	h := newHarness(t, 10_000, false)
	h.seedTurn(t)
	ctx := context.Background()
	for i := range 7 {
		err := h.store.InsertInboxMessage(ctx, &state.InboxMessage{
			ID:         fmt.Sprintf("m%d", i),
			From:       fmt.Sprintf("0xsender%d", i),
			Content:    fmt.Sprintf("hello %d", i),
			ReceivedAt: testNow.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("InsertInboxMessage: %v", err)
		}
	}

	if err := h.loop.Run(ctx, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := h.llm.lastUserMessage(0)
	if !strings.HasPrefix(got, "[agent] [Message from 0xsender0]: hello 0\n\n[Message from 0xsender1]") {
		t.Errorf("inbox input = %q", got)
	}
	if strings.Contains(got, "hello 5") {
		t.Error("batch exceeded five messages")
	}
	left, err := h.store.CountUnprocessedInbox(ctx)
	if err != nil {
		t.Fatalf("CountUnprocessedInbox: %v", err)
	}
	if left != 2 {
		t.Errorf("unprocessed = %d, want 2", left)
	}
}

func TestRun_SleepDeadlineSuspendsBeforeInference(t *testing.T) {
	h := newHarness(t, 10_000, false)
	if err := h.store.Loop().SetSleepUntil(context.Background(), testNow.Add(time.Hour)); err != nil {
		t.Fatalf("SetSleepUntil: %v", err)
	}
	if err := h.loop.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := h.llm.callCount(); n != 0 {
		t.Errorf("inference calls = %d, want 0", n)
	}
	if got := h.agentState(t); got != state.StateSleeping {
		t.Errorf("state = %s, want sleeping", got)
	}
}

func TestRun_ToolCallIDsAndMalformedArguments(t *testing.T) {
	h := newHarness(t, 10_000, false, &llm.ChatResponse{
		ToolCalls: []llm.ToolCall{
			{ID: "call_abc", Name: "probe", Arguments: `{"x": 1`},
			{ID: "call_def", Name: "missing_tool", Arguments: `{}`},
		},
		FinishReason: llm.FinishToolCalls,
	})
	if err := h.loop.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(h.seen) != 1 || len(h.seen[0]) != 0 {
		t.Errorf("probe args = %v, want one call with empty args", h.seen)
	}

	turn := h.rec.turns[0]
	calls, err := h.store.ToolCallsForTurn(context.Background(), turn.ID)
	if err != nil {
		t.Fatalf("ToolCallsForTurn: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("persisted calls = %d, want 2", len(calls))
	}
	if calls[0].ID != "call_abc" || calls[1].ID != "call_def" {
		t.Errorf("ids = %s, %s", calls[0].ID, calls[1].ID)
	}
	if calls[1].Error == "" {
		t.Error("unknown tool should record an error")
	}

	// The follow-up turn sees the tool results keyed by the same ids.
	msgs := h.llm.calls[1]
	var found bool
	for _, m := range msgs {
		if m.Role == llm.RoleTool && m.ToolCallID == "call_abc" && m.Content == "probed" {
			found = true
		}
	}
	if !found {
		t.Error("tool result for call_abc missing from next context")
	}
}

func TestRun_CostEstimated(t *testing.T) {
	h := newHarness(t, 10_000, false, &llm.ChatResponse{
		Content:      "done",
		FinishReason: llm.FinishStop,
		Usage:        llm.Usage{PromptTokens: 1_000_000, CompletionTokens: 0, TotalTokens: 1_000_000},
	})
	if err := h.loop.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	c := h.rec.turns[0].CostCents
	if c <= 0 {
		t.Fatalf("cost = %d, want > 0", c)
	}
	txs, err := h.store.RecentTransactions(context.Background(), 5)
	if err != nil {
		t.Fatalf("RecentTransactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Type != state.TxInference || txs[0].AmountCents != -c {
		t.Errorf("ledger = %+v, want one inference row of -%d", txs, c)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	h := newHarness(t, 10_000, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.loop.Run(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if n := h.llm.callCount(); n != 0 {
		t.Errorf("inference calls = %d, want 0", n)
	}
}

func TestRun_ShutdownDuringTurnNotCounted(t *testing.T) {
	h := newHarness(t, 10_000, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.llm.err = errors.New("connection closed")
	h.llm.onChat = cancel

	if err := h.loop.Run(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if n := h.loop.ConsecutiveErrors(); n != 0 {
		t.Errorf("consecutive errors = %d, want 0", n)
	}
}

func TestRun_ObserverPanicContained(t *testing.T) {
	h := newHarness(t, 10_000, false)
	h.loop.observers = append([]Observer{panicObserver{}}, h.loop.observers...)
	if err := h.loop.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !h.rec.sawState(state.StateSleeping) {
		t.Error("later observer not notified after panic")
	}
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, 10_000, false)
	h.loop.Shutdown(context.Background())
	if got := h.agentState(t); got != state.StateSleeping {
		t.Errorf("state = %s, want sleeping", got)
	}
}
