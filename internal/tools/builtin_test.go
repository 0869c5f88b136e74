package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/automaton/internal/financial"
	"github.com/nugget/automaton/internal/state"
)

func testStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.NewStore(filepath.Join(t.TempDir(), "tools_test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fixedCredits int64

func (f fixedCredits) CreditsBalance(context.Context) (int64, error) { return int64(f), nil }

func builtinRegistry(t *testing.T, credits int64, now time.Time) (*Registry, *state.Store) {
	t.Helper()
	s := testStore(t)
	r := NewRegistry(nil)
	RegisterBuiltins(r, BuiltinDeps{
		Store: s,
		Gate:  financial.NewGate(financial.GateConfig{Credits: fixedCredits(credits)}),
		Now:   func() time.Time { return now },
	})
	return r, s
}

func TestSleepTool(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		args      map[string]any
		wantDelta time.Duration
		wantErr   bool
	}{
		{"default", nil, 60 * time.Second, false},
		{"number", map[string]any{"duration_seconds": float64(300)}, 300 * time.Second, false},
		{"string", map[string]any{"duration_seconds": "120"}, 120 * time.Second, false},
		{"capped", map[string]any{"duration_seconds": float64(1_000_000)}, MaxSleep, false},
		{"negative", map[string]any{"duration_seconds": float64(-5)}, 0, true},
		{"garbage", map[string]any{"duration_seconds": "soon"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, s := builtinRegistry(t, 1000, now)
			res := r.Execute(context.Background(), "sleep", tt.args)
			if tt.wantErr {
				if res.Error == "" {
					t.Fatalf("expected error, got %+v", res)
				}
				if _, ok, _ := s.Reader().SleepUntil(context.Background()); ok {
					t.Error("failed sleep must not set sleep_until")
				}
				return
			}
			if !res.Succeeded() {
				t.Fatalf("sleep failed: %+v", res)
			}
			until, ok, err := s.Reader().SleepUntil(context.Background())
			if err != nil || !ok {
				t.Fatalf("SleepUntil = %v, %v", ok, err)
			}
			if got := until.Sub(now); got != tt.wantDelta {
				t.Errorf("slept %v, want %v", got, tt.wantDelta)
			}
		})
	}
}

func TestCheckCreditsTool(t *testing.T) {
	r, s := builtinRegistry(t, 50, time.Now())
	res := r.Execute(context.Background(), "check_credits", nil)
	if !res.Succeeded() {
		t.Fatalf("check_credits failed: %+v", res)
	}
	for _, want := range []string{"Credits: $0.50", "Tier: critical"} {
		if !strings.Contains(res.Result, want) {
			t.Errorf("result missing %q:\n%s", want, res.Result)
		}
	}
	txs, _ := s.RecentTransactions(context.Background(), 5)
	if len(txs) != 1 {
		t.Errorf("credit check not logged: %d transactions", len(txs))
	}
}

func TestSystemSynopsisTool(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r, s := builtinRegistry(t, 1000, now)
	ctx := context.Background()

	s.Loop().SetAgentState(ctx, state.StateRunning)
	s.Loop().SetStartTime(ctx, now.Add(-2*time.Hour))
	s.InsertTurn(ctx, &state.Turn{State: state.StateRunning})
	s.InsertInboxMessage(ctx, &state.InboxMessage{From: "alice", Content: "hi"})
	s.UpsertHeartbeatEntry(ctx, state.HeartbeatEntry{Name: "ping", Schedule: "@every 5m", Task: "heartbeat_ping", Enabled: true})

	res := r.Execute(ctx, "system_synopsis", nil)
	if !res.Succeeded() {
		t.Fatalf("system_synopsis failed: %+v", res)
	}
	for _, want := range []string{"State: running", "Turns: 1", "2h0m0s", "Unread inbox: 1", "- ping (heartbeat_ping, @every 5m, enabled)"} {
		if !strings.Contains(res.Result, want) {
			t.Errorf("synopsis missing %q:\n%s", want, res.Result)
		}
	}

	if got := r.Execute(ctx, "read_inbox_count", nil); got.Result != "1" {
		t.Errorf("read_inbox_count = %+v", got)
	}
}
