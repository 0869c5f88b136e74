package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nugget/automaton/internal/financial"
	"github.com/nugget/automaton/internal/state"
)

// Builtin task names.
const (
	TaskPing         = "heartbeat_ping"
	TaskCheckCredits = "check_credits"
	TaskCheckInbox   = "check_inbox"
)

// Free-form KV keys the builtin tasks maintain.
const (
	KeyLastPing    = "heartbeat.last_ping"
	KeyLastCredits = "heartbeat.last_credits_cents"
)

// TaskDeps are the collaborators the builtin tasks need.
type TaskDeps struct {
	Store  *state.Store
	Gate   *financial.Gate
	Now    func() time.Time
	Logger *slog.Logger
}

// BuiltinTasks returns the builtin task implementations keyed by name.
func BuiltinTasks(d TaskDeps) map[string]TaskFunc {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	t := &builtinTasks{deps: d}
	tasks := map[string]TaskFunc{
		TaskPing:       t.ping,
		TaskCheckInbox: t.checkInbox,
	}
	if d.Gate != nil {
		tasks[TaskCheckCredits] = t.checkCredits
	}
	return tasks
}

type builtinTasks struct {
	deps TaskDeps
}

func (t *builtinTasks) ping(ctx context.Context, _ state.HeartbeatEntry) (string, error) {
	now := t.deps.Now().UTC().Format(time.RFC3339)
	if err := t.deps.Store.SetKV(ctx, KeyLastPing, now); err != nil {
		return "", err
	}
	st, err := t.deps.Store.Reader().AgentState(ctx)
	if err != nil {
		return "", err
	}
	t.deps.Logger.Debug("heartbeat ping", "state", st)
	return "", nil
}

// checkCredits polls balances, logs the check in the ledger, and wakes
// a suspended agent when its balance has grown since the last check.
func (t *builtinTasks) checkCredits(ctx context.Context, _ state.HeartbeatEntry) (string, error) {
	st := t.deps.Gate.Poll(ctx)
	if err := financial.LogCreditCheck(ctx, t.deps.Store, st); err != nil {
		t.deps.Logger.Warn("log credit check failed", "error", err)
	}

	// A failed poll reports the cached balance, so a rise it hides shows
	// up on the next successful check; the dead-agent recheck covers the
	// gap in between.
	raw, seen, err := t.deps.Store.GetKV(ctx, KeyLastCredits)
	if err != nil {
		return "", err
	}
	if err := t.deps.Store.SetKV(ctx, KeyLastCredits, strconv.FormatInt(st.CreditsCents, 10)); err != nil {
		return "", err
	}
	prev, perr := strconv.ParseInt(raw, 10, 64)
	if !seen || perr != nil || st.CreditsCents <= prev {
		return "", nil
	}

	agentState, err := t.deps.Store.Reader().AgentState(ctx)
	if err != nil {
		return "", err
	}
	if !agentState.Suspended() {
		return "", nil
	}
	return fmt.Sprintf("credits increased from %s to %s",
		financial.FormatCredits(prev), financial.FormatCredits(st.CreditsCents)), nil
}

// checkInbox wakes a sleeping agent when messages are waiting.
func (t *builtinTasks) checkInbox(ctx context.Context, _ state.HeartbeatEntry) (string, error) {
	n, err := t.deps.Store.CountUnprocessedInbox(ctx)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	agentState, err := t.deps.Store.Reader().AgentState(ctx)
	if err != nil {
		return "", err
	}
	if agentState != state.StateSleeping {
		return "", nil
	}
	if n == 1 {
		return "1 unread inbox message", nil
	}
	return fmt.Sprintf("%d unread inbox messages", n), nil
}
