package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/automaton/internal/state"
)

// DailySpend accumulates per-turn token usage and estimated cost,
// resetting at local midnight. It implements agent.Observer so it can
// be registered with the loop directly.
type DailySpend struct {
	mu        sync.Mutex
	prompt    int64
	output    int64
	costCents int64
	turns     int64
	resetDay  int
	loc       *time.Location
	now       func() time.Time
}

// NewDailySpend creates an accumulator that rolls over at midnight in
// loc. A nil loc uses [time.Local].
func NewDailySpend(loc *time.Location) *DailySpend {
	if loc == nil {
		loc = time.Local
	}
	d := &DailySpend{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// OnStateChange satisfies agent.Observer.
func (d *DailySpend) OnStateChange(_, _ state.AgentState) {}

// OnTurnComplete adds the turn's usage to today's totals.
func (d *DailySpend) OnTurnComplete(turn *state.Turn) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.prompt += int64(turn.Usage.PromptTokens)
	d.output += int64(turn.Usage.CompletionTokens)
	d.costCents += turn.CostCents
	d.turns++
}

// Snapshot returns today's prompt tokens, completion tokens, estimated
// cost in cents and turn count.
func (d *DailySpend) Snapshot() (prompt, output, costCents, turns int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.prompt, d.output, d.costCents, d.turns
}

// maybeReset must be called with d.mu held.
func (d *DailySpend) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.prompt, d.output, d.costCents, d.turns = 0, 0, 0, 0
		d.resetDay = today
	}
}
