package state

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "state_test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fixedClock returns a clock that advances by step on every call.
func fixedClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(step)
		return t
	}
}

func TestOpen_Drivers(t *testing.T) {
	for _, driver := range []string{DriverCGO, DriverPureGo} {
		t.Run(driver, func(t *testing.T) {
			s, err := Open(driver, filepath.Join(t.TempDir(), "state.db"))
			if err != nil {
				t.Fatalf("Open(%s): %v", driver, err)
			}
			defer s.Close()

			ctx := context.Background()
			if err := s.SetKV(ctx, "probe", "1"); err != nil {
				t.Fatalf("SetKV: %v", err)
			}
			v, ok, err := s.GetKV(ctx, "probe")
			if err != nil || !ok || v != "1" {
				t.Errorf("GetKV = %q, %v, %v; want 1, true, nil", v, ok, err)
			}
			ver, err := s.SchemaVersion(ctx)
			if err != nil || ver != schemaVersion {
				t.Errorf("SchemaVersion = %d, %v; want %d", ver, err, schemaVersion)
			}
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open("postgres", filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Fatal("Open with unknown driver should error")
	}
}

func TestRecentTurns_AscendingOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Insert out of chronological order.
	offsets := []time.Duration{3 * time.Second, time.Second, 5 * time.Second, 2 * time.Second, 4 * time.Second}
	for _, off := range offsets {
		turn := &Turn{Timestamp: base.Add(off), State: StateRunning, Thinking: off.String()}
		if err := s.InsertTurn(ctx, turn); err != nil {
			t.Fatalf("InsertTurn: %v", err)
		}
	}

	turns, err := s.RecentTurns(ctx, 3)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	want := []string{"3s", "4s", "5s"}
	if len(turns) != len(want) {
		t.Fatalf("got %d turns, want %d", len(turns), len(want))
	}
	for i, w := range want {
		if turns[i].Thinking != w {
			t.Errorf("turns[%d].Thinking = %q, want %q", i, turns[i].Thinking, w)
		}
	}

	n, err := s.TurnCount(ctx)
	if err != nil || n != 5 {
		t.Errorf("TurnCount = %d, %v; want 5", n, err)
	}
}

func TestInsertTurn_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	turn := &Turn{
		State:    StateLowCompute,
		Input:    &Input{Content: "hello", Source: SourceUser},
		Thinking: "considering",
		ToolCalls: []ToolCallResult{
			{ID: "call_0", Name: "check_credits", Arguments: map[string]any{}, Result: "$5.00", DurationMs: 12},
		},
		Usage:     TokenUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
		CostCents: 1,
	}
	if err := s.InsertTurn(ctx, turn); err != nil {
		t.Fatalf("InsertTurn: %v", err)
	}
	if turn.ID == "" {
		t.Fatal("InsertTurn should assign an id")
	}

	got, err := s.TurnByID(ctx, turn.ID)
	if err != nil {
		t.Fatalf("TurnByID: %v", err)
	}
	if got.State != StateLowCompute || got.Input == nil || got.Input.Source != SourceUser {
		t.Errorf("got %+v", got)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Result != "$5.00" {
		t.Errorf("tool calls = %+v", got.ToolCalls)
	}
	if got.Usage.TotalTokens != 120 {
		t.Errorf("TotalTokens = %d, want 120", got.Usage.TotalTokens)
	}

	if _, err := s.TurnByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("TurnByID(missing) err = %v, want ErrNotFound", err)
	}
}

func TestToolCalls_InsertionOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	turn := &Turn{State: StateRunning}
	if err := s.InsertTurn(ctx, turn); err != nil {
		t.Fatalf("InsertTurn: %v", err)
	}
	calls := []ToolCallResult{
		{ID: "b", Name: "second_alpha", Result: "ok"},
		{ID: "a", Name: "first_alpha", Error: "boom"},
		{ID: "c", Name: "third", Arguments: map[string]any{"n": float64(3)}, Result: "done"},
	}
	for _, c := range calls {
		if err := s.InsertToolCall(ctx, turn.ID, c); err != nil {
			t.Fatalf("InsertToolCall: %v", err)
		}
	}

	got, err := s.ToolCallsForTurn(ctx, turn.ID)
	if err != nil {
		t.Fatalf("ToolCallsForTurn: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d calls, want 3", len(got))
	}
	for i, c := range calls {
		if got[i].ID != c.ID {
			t.Errorf("got[%d].ID = %q, want %q", i, got[i].ID, c.ID)
		}
	}
	if got[1].Error != "boom" || got[1].Succeeded() {
		t.Errorf("errored call = %+v", got[1])
	}
	if got[2].Arguments["n"] != float64(3) {
		t.Errorf("arguments = %v", got[2].Arguments)
	}
}

func TestInsertToolCall_RequiresTurn(t *testing.T) {
	s := testStore(t)
	err := s.InsertToolCall(context.Background(), "no-such-turn", ToolCallResult{ID: "x", Name: "y", Result: "z"})
	if err == nil {
		t.Fatal("InsertToolCall for a missing turn should violate the foreign key")
	}
}

func TestInbox_MarkProcessedIdempotent(t *testing.T) {
	s := testStore(t)
	s.now = fixedClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Second)
	ctx := context.Background()

	for _, from := range []string{"alice", "bob", "carol"} {
		if err := s.InsertInboxMessage(ctx, &InboxMessage{From: from, Content: "hi from " + from}); err != nil {
			t.Fatalf("InsertInboxMessage: %v", err)
		}
	}

	msgs, err := s.UnprocessedInboxMessages(ctx, 2)
	if err != nil {
		t.Fatalf("UnprocessedInboxMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].From != "alice" || msgs[1].From != "bob" {
		t.Fatalf("got %+v, want alice then bob", msgs)
	}

	for range 2 {
		if err := s.MarkInboxMessageProcessed(ctx, msgs[0].ID); err != nil {
			t.Fatalf("MarkInboxMessageProcessed: %v", err)
		}
	}

	msgs, err = s.UnprocessedInboxMessages(ctx, 10)
	if err != nil {
		t.Fatalf("UnprocessedInboxMessages: %v", err)
	}
	for _, m := range msgs {
		if m.From == "alice" {
			t.Errorf("processed message redelivered: %+v", m)
		}
	}
	if n, _ := s.CountUnprocessedInbox(ctx); n != 2 {
		t.Errorf("CountUnprocessedInbox = %d, want 2", n)
	}
}

func TestInbox_DuplicateIDIgnored(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := &InboxMessage{ID: "msg-1", From: "alice", Content: "first"}
	if err := s.InsertInboxMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertInboxMessage(ctx, &InboxMessage{ID: "msg-1", From: "mallory", Content: "second"}); err != nil {
		t.Fatal(err)
	}
	msgs, _ := s.UnprocessedInboxMessages(ctx, 10)
	if len(msgs) != 1 || msgs[0].Content != "first" {
		t.Errorf("got %+v, want only the first message", msgs)
	}
}

func TestHeartbeatEntries_UpsertPreservesRuns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	e := HeartbeatEntry{Name: "ping", Schedule: "@every 5m", Task: "heartbeat_ping", Enabled: true}
	if err := s.UpsertHeartbeatEntry(ctx, e); err != nil {
		t.Fatal(err)
	}
	last := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	next := last.Add(5 * time.Minute)
	if err := s.UpdateHeartbeatRun(ctx, "ping", last, next); err != nil {
		t.Fatal(err)
	}

	e.Schedule = "@every 10m"
	e.Params = map[string]any{"note": "slower"}
	if err := s.UpsertHeartbeatEntry(ctx, e); err != nil {
		t.Fatal(err)
	}

	entries, err := s.HeartbeatEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	got := entries[0]
	if got.Schedule != "@every 10m" || got.Params["note"] != "slower" {
		t.Errorf("definition not updated: %+v", got)
	}
	if got.LastRun == nil || !got.LastRun.Equal(last) {
		t.Errorf("LastRun = %v, want %v", got.LastRun, last)
	}
	if got.NextRun == nil || !got.NextRun.Equal(next) {
		t.Errorf("NextRun = %v, want %v", got.NextRun, next)
	}

	if err := s.UpdateHeartbeatRun(ctx, "missing", last, next); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateHeartbeatRun(missing) = %v, want ErrNotFound", err)
	}
}

func TestScheduleHeartbeatEntry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.UpsertHeartbeatEntry(ctx, HeartbeatEntry{Name: "inbox", Schedule: "@every 1h", Task: "check_inbox", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	next := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	if err := s.ScheduleHeartbeatEntry(ctx, "inbox", next); err != nil {
		t.Fatalf("ScheduleHeartbeatEntry: %v", err)
	}

	entries, err := s.HeartbeatEntries(ctx)
	if err != nil || len(entries) != 1 {
		t.Fatalf("HeartbeatEntries = %v, %v", entries, err)
	}
	if entries[0].LastRun != nil {
		t.Errorf("LastRun = %v, want unset", entries[0].LastRun)
	}
	if entries[0].NextRun == nil || !entries[0].NextRun.Equal(next) {
		t.Errorf("NextRun = %v, want %v", entries[0].NextRun, next)
	}

	if err := s.ScheduleHeartbeatEntry(ctx, "missing", next); !errors.Is(err, ErrNotFound) {
		t.Errorf("ScheduleHeartbeatEntry(missing) = %v, want ErrNotFound", err)
	}
}

func TestTransactions_NewestFirst(t *testing.T) {
	s := testStore(t)
	s.now = fixedClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Minute)
	ctx := context.Background()

	for _, bal := range []int64{300, 200, 100} {
		if err := s.InsertTransaction(ctx, &Transaction{Type: TxCreditCheck, BalanceAfterCents: bal}); err != nil {
			t.Fatal(err)
		}
	}
	txs, err := s.RecentTransactions(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 2 || txs[0].BalanceAfterCents != 100 || txs[1].BalanceAfterCents != 200 {
		t.Errorf("got %+v", txs)
	}
}

func TestAgentStateSeverity(t *testing.T) {
	order := []AgentState{StateSetup, StateWaking, StateRunning, StateLowCompute, StateCritical, StateSleeping, StateDead}
	for i := 1; i < len(order); i++ {
		if order[i-1].Severity() >= order[i].Severity() {
			t.Errorf("%s should be less severe than %s", order[i-1], order[i])
		}
	}
	if AgentState("bogus").Valid() {
		t.Error("bogus state should be invalid")
	}
	if !StateDead.Suspended() || !StateSleeping.Suspended() || StateCritical.Suspended() {
		t.Error("Suspended() wrong")
	}
}
