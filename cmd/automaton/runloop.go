package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/automaton/internal/agent"
	"github.com/nugget/automaton/internal/config"
	"github.com/nugget/automaton/internal/events"
	"github.com/nugget/automaton/internal/state"
)

// agentRunner is the subset of [agent.Loop] the host run loop drives.
type agentRunner interface {
	Run(ctx context.Context, initial *state.Input) error
	SetSkills(skills []agent.Skill)
	Shutdown(ctx context.Context)
}

// SkillSource supplies the skills rendered into the system prompt. It
// is consulted before every wake so edits on disk take effect without
// a restart. skills.Loader satisfies this interface.
type SkillSource interface {
	Skills() ([]agent.Skill, error)
}

// hostRunner re-enters the agent loop each time it suspends itself. It
// owns the wait between runs: sleeping until the deadline or a wake
// request, and rechecking periodically while the agent is dead.
type hostRunner struct {
	loop   agentRunner
	kv     state.RunnerKV
	skills SkillSource // optional
	bus    *events.Bus
	cfg    config.RunnerConfig
	now    func() time.Time
	logger *slog.Logger

	// wait blocks for d or until ctx ends. Replaced in tests.
	wait func(ctx context.Context, d time.Duration) error
}

func newHostRunner(loop agentRunner, kv state.RunnerKV, cfg config.RunnerConfig, logger *slog.Logger) *hostRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &hostRunner{
		loop:   loop,
		kv:     kv,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "runner"),
		wait:   sleepContext,
	}
}

// run drives the agent until ctx is cancelled. It returns nil on a
// clean shutdown.
func (r *hostRunner) run(ctx context.Context) error {
	var input *state.Input
	for {
		if ctx.Err() != nil {
			return nil
		}
		r.reloadSkills()

		err := r.loop.Run(ctx, input)
		input = nil
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logger.Error("agent run failed", "error", err, "backoff", r.cfg.ErrorBackoff)
			if r.wait(ctx, r.cfg.ErrorBackoff) != nil {
				return nil
			}
			continue
		}

		st, err := r.kv.AgentState(ctx)
		if err != nil {
			r.logger.Error("read agent state failed", "error", err)
			if r.wait(ctx, r.cfg.ErrorBackoff) != nil {
				return nil
			}
			continue
		}

		var limit time.Duration
		switch st {
		case state.StateDead:
			limit = r.cfg.DeadRecheck
		case state.StateSleeping:
			limit = r.sleepDuration(ctx)
		default:
			// Run only returns in a suspended state; anything else means
			// the state write failed. Back off rather than spin.
			r.logger.Warn("agent returned without suspending", "state", st)
			limit = r.cfg.ErrorBackoff
		}

		r.bus.Emit(events.SourceRunner, events.KindSleep, map[string]any{
			"state":    string(st),
			"duration": limit.String(),
		})
		r.logger.Info("agent suspended", "state", st, "duration", limit)

		reason, err := r.waitForWake(ctx, limit)
		if err != nil {
			return nil
		}
		if reason != "" {
			input = &state.Input{
				Content: "Woken by request: " + reason,
				Source:  state.SourceSystem,
			}
		}

		r.bus.Emit(events.SourceRunner, events.KindWake, map[string]any{
			"reason": wakeLabel(reason),
		})
		r.logger.Info("waking agent", "reason", wakeLabel(reason))
	}
}

// sleepDuration is the time left until sleep_until, never shorter than
// MinSleep. DefaultSleep applies when no deadline is set.
func (r *hostRunner) sleepDuration(ctx context.Context) time.Duration {
	until, ok, err := r.kv.SleepUntil(ctx)
	if err != nil {
		r.logger.Warn("read sleep deadline failed", "error", err)
		return r.cfg.DefaultSleep
	}
	if !ok {
		return r.cfg.DefaultSleep
	}
	return max(until.Sub(r.now()), r.cfg.MinSleep)
}

// waitForWake polls for a wake request every WakePollInterval until
// limit elapses. It returns the consumed wake reason, or "" when the
// limit elapsed first, in which case an expired sleep deadline is
// cleared. The error is non-nil only when ctx ends.
func (r *hostRunner) waitForWake(ctx context.Context, limit time.Duration) (string, error) {
	poll := min(limit, r.cfg.WakePollInterval)
	if poll <= 0 {
		poll = limit
	}

	for waited := time.Duration(0); waited < limit; waited += poll {
		step := min(poll, limit-waited)
		if err := r.wait(ctx, step); err != nil {
			return "", err
		}
		reason, ok, err := r.kv.ConsumeWake(ctx)
		if err != nil {
			r.logger.Warn("consume wake failed", "error", err)
			continue
		}
		if ok {
			return reason, nil
		}
	}

	if err := r.kv.ClearSleep(ctx); err != nil {
		r.logger.Warn("clear sleep deadline failed", "error", err)
	}
	return "", nil
}

func (r *hostRunner) reloadSkills() {
	if r.skills == nil {
		return
	}
	sk, err := r.skills.Skills()
	if err != nil {
		r.logger.Warn("reload skills failed", "error", err)
		return
	}
	r.loop.SetSkills(sk)
}

// shutdown marks the agent sleeping so the next process start resumes
// cleanly.
func (r *hostRunner) shutdown(ctx context.Context) {
	r.loop.Shutdown(ctx)
}

func wakeLabel(reason string) string {
	if reason == "" {
		return "sleep elapsed"
	}
	return reason
}

// sleepContext blocks for d or until ctx ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
