// Package agent implements the agent's turn loop: the lifecycle state
// machine that ties credit tiers, repetition detection and error
// accounting into one resumable process.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/automaton/internal/config"
	"github.com/nugget/automaton/internal/financial"
	"github.com/nugget/automaton/internal/llm"
	"github.com/nugget/automaton/internal/loopdetect"
	"github.com/nugget/automaton/internal/state"
	"github.com/nugget/automaton/internal/tools"
	"github.com/nugget/automaton/internal/usage"
)

// Limits bound the work a turn may do and how the loop backs off.
type Limits struct {
	MaxToolCallsPerTurn  int
	MaxConsecutiveErrors int
	InboxBatch           int
	ContextTurns         int
	ContextChars         int
	IdleSleep            time.Duration
	ErrorCooldown        time.Duration
}

// DefaultLimits returns the built-in limits.
func DefaultLimits() Limits {
	return Limits{
		MaxToolCallsPerTurn:  10,
		MaxConsecutiveErrors: 5,
		InboxBatch:           5,
		ContextTurns:         20,
		ContextChars:         DefaultContextChars,
		IdleSleep:            60 * time.Second,
		ErrorCooldown:        300 * time.Second,
	}
}

// LimitsFromConfig converts loop configuration, keeping defaults for
// zero values.
func LimitsFromConfig(c config.LoopConfig) Limits {
	l := DefaultLimits()
	if c.MaxToolCallsPerTurn > 0 {
		l.MaxToolCallsPerTurn = c.MaxToolCallsPerTurn
	}
	if c.MaxConsecutiveErrors > 0 {
		l.MaxConsecutiveErrors = c.MaxConsecutiveErrors
	}
	if c.InboxBatch > 0 {
		l.InboxBatch = c.InboxBatch
	}
	if c.ContextTurns > 0 {
		l.ContextTurns = c.ContextTurns
	}
	if c.IdleSleep > 0 {
		l.IdleSleep = c.IdleSleep
	}
	if c.ErrorCooldown > 0 {
		l.ErrorCooldown = c.ErrorCooldown
	}
	return l
}

// Config holds the collaborators for a [Loop].
type Config struct {
	Store     *state.Store
	Gate      *financial.Gate
	Inference llm.Client
	Tools     tools.Executor
	Detector  *loopdetect.Detector // nil gets a window of 3
	Pricing   usage.Pricing        // nil gets the default table
	Identity  Identity
	Skills    []Skill
	Observers []Observer
	Limits    Limits

	// OllamaMode runs on local compute: credits are not consumed and
	// tier gating is skipped.
	OllamaMode bool

	Now    func() time.Time
	Logger *slog.Logger
}

// Loop drives the agent one turn at a time. It is the only writer of
// the agent_state key and of turn records. Run must not be called
// concurrently.
type Loop struct {
	store      *state.Store
	kv         state.LoopKV
	gate       *financial.Gate
	inference  llm.Client
	tools      tools.Executor
	detector   *loopdetect.Detector
	pricing    usage.Pricing
	identity   Identity
	observers  []Observer
	limits     Limits
	ollamaMode bool
	now        func() time.Time
	logger     *slog.Logger

	mu                sync.Mutex
	skills            []Skill
	consecutiveErrors int
}

// NewLoop creates a loop. Store, Gate, Inference and Tools are required.
func NewLoop(cfg Config) (*Loop, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("agent: store is required")
	case cfg.Gate == nil:
		return nil, errors.New("agent: financial gate is required")
	case cfg.Inference == nil:
		return nil, errors.New("agent: inference client is required")
	case cfg.Tools == nil:
		return nil, errors.New("agent: tool executor is required")
	}

	l := &Loop{
		store:      cfg.Store,
		kv:         cfg.Store.Loop(),
		gate:       cfg.Gate,
		inference:  cfg.Inference,
		tools:      cfg.Tools,
		detector:   cfg.Detector,
		pricing:    cfg.Pricing,
		identity:   cfg.Identity,
		skills:     cfg.Skills,
		observers:  cfg.Observers,
		limits:     cfg.Limits,
		ollamaMode: cfg.OllamaMode,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}
	if l.detector == nil {
		l.detector = loopdetect.New(loopdetect.DefaultWindow)
	}
	if l.pricing == nil {
		l.pricing = usage.DefaultPricing()
	}
	if l.limits == (Limits{}) {
		l.limits = DefaultLimits()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l, nil
}

// SetSkills replaces the skills rendered into subsequent prompts.
func (l *Loop) SetSkills(skills []Skill) {
	l.mu.Lock()
	l.skills = skills
	l.mu.Unlock()
}

// ConsecutiveErrors returns the current failed-iteration streak.
func (l *Loop) ConsecutiveErrors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consecutiveErrors
}

// Run wakes the agent and executes turns until it suspends (sleeping or
// dead). initial, when non-nil, is the input for the first turn after
// waking; it is replaced by the wakeup prompt when no turn has ever
// run. Iteration failures never escape: after too many in a row the
// loop puts itself to sleep for a cooldown. Run returns ctx.Err() if
// the context ends between turns and nil otherwise.
func (l *Loop) Run(ctx context.Context, initial *state.Input) error {
	if _, ok, err := l.kv.StartTime(ctx); err != nil {
		l.logger.Warn("read start time failed", "error", err)
	} else if !ok {
		if err := l.kv.SetStartTime(ctx, l.now()); err != nil {
			l.logger.Warn("record start time failed", "error", err)
		}
	}

	l.setState(ctx, state.StateWaking)
	fin := l.gate.Poll(ctx)

	pending := initial
	count, err := l.store.TurnCount(ctx)
	if err != nil {
		l.logger.Warn("count turns failed", "error", err)
	}
	firstRun := err == nil && count == 0
	if firstRun {
		pending = &state.Input{Content: BuildWakeupPrompt(l.identity, fin), Source: state.SourceWakeup}
	}

	l.setState(ctx, state.StateRunning)
	l.logger.Info("agent awake",
		"name", l.identity.Name,
		"credits", financial.FormatCredits(fin.CreditsCents),
		"first_run", firstRun)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		stop, err := l.iterate(ctx, &pending, firstRun)
		if err != nil {
			// A failure during shutdown is not part of the error streak.
			if ctxErr := ctx.Err(); ctxErr != nil {
				l.logger.Debug("turn interrupted by shutdown", "error", err)
				return ctxErr
			}
			n := l.recordError()
			l.logger.Error("turn failed", "error", err, "consecutive_errors", n)
			if n >= l.limits.MaxConsecutiveErrors {
				l.coolDown(ctx, n)
				return nil
			}
			continue
		}
		if stop {
			st, _ := l.kv.AgentState(ctx)
			l.logger.Info("agent loop finished", "state", st)
			return nil
		}
	}
}

// iterate runs one pass of the loop. It reports stop when the agent has
// suspended itself.
func (l *Loop) iterate(ctx context.Context, pending **state.Input, firstRun bool) (bool, error) {
	now := l.now()
	until, ok, err := l.kv.SleepUntil(ctx)
	if err != nil {
		return false, fmt.Errorf("read sleep_until: %w", err)
	}
	if ok && until.After(now) {
		l.logger.Info("sleep deadline in the future, suspending", "until", until)
		l.setState(ctx, state.StateSleeping)
		return true, nil
	}

	if *pending == nil {
		in, err := l.drainInbox(ctx)
		if err != nil {
			return false, err
		}
		*pending = in
	}

	// Once gating passes, the turn runs to completion even if ctx ends.
	fin := l.gate.Poll(ctx)
	tier := l.gate.Tier(fin.CreditsCents)
	if stop := l.applyTier(ctx, tier); stop {
		return true, nil
	}
	turnCtx := context.WithoutCancel(ctx)

	current, err := l.kv.AgentState(turnCtx)
	if err != nil {
		return false, fmt.Errorf("read agent state: %w", err)
	}
	recent, err := l.store.RecentTurns(turnCtx, l.limits.ContextTurns)
	if err != nil {
		return false, fmt.Errorf("load recent turns: %w", err)
	}
	count, err := l.store.TurnCount(turnCtx)
	if err != nil {
		return false, fmt.Errorf("count turns: %w", err)
	}

	specs := l.tools.Specs()
	toolNames := make([]string, len(specs))
	for i, s := range specs {
		toolNames[i] = s.Function.Name
	}
	l.mu.Lock()
	skills := l.skills
	l.mu.Unlock()

	system := BuildSystemPrompt(PromptContext{
		Identity:   l.identity,
		State:      current,
		Financial:  fin,
		Tier:       tier,
		OllamaMode: l.ollamaMode,
		TurnCount:  count,
		FirstRun:   firstRun,
		ToolNames:  toolNames,
		Skills:     skills,
	})
	input := *pending
	messages := BuildContextMessages(system, TrimContext(recent, l.limits.ContextChars), input)
	*pending = nil

	model := l.inference.DefaultModel()
	l.logger.Debug("calling inference", "model", model, "messages", len(messages))
	resp, err := l.inference.Chat(turnCtx, messages, llm.ChatOptions{Tools: specs})
	if err != nil {
		return false, fmt.Errorf("inference: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return false, fmt.Errorf("generate turn id: %w", err)
	}
	tokens := state.TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	turn := &state.Turn{
		ID:        id.String(),
		Timestamp: l.now(),
		State:     current,
		Input:     input,
		Thinking:  resp.Content,
		ToolCalls: []state.ToolCallResult{},
		Usage:     tokens,
		CostCents: l.pricing.EstimateCostCents(tokens, model),
	}

	l.executeTools(turnCtx, turn, resp.ToolCalls)

	if err := l.store.InsertTurn(turnCtx, turn); err != nil {
		return false, fmt.Errorf("persist turn: %w", err)
	}
	for _, tc := range turn.ToolCalls {
		if err := l.store.InsertToolCall(turnCtx, turn.ID, tc); err != nil {
			return false, fmt.Errorf("persist tool call: %w", err)
		}
	}
	if !l.ollamaMode && turn.CostCents > 0 {
		err := l.store.InsertTransaction(turnCtx, &state.Transaction{
			Type:              state.TxInference,
			AmountCents:       -turn.CostCents,
			BalanceAfterCents: fin.CreditsCents - turn.CostCents,
			Description:       fmt.Sprintf("Inference: %s, %d tokens", model, tokens.TotalTokens),
			CreatedAt:         turn.Timestamp,
		})
		if err != nil {
			l.logger.Warn("record inference cost failed", "turn_id", turn.ID, "error", err)
		}
	}
	l.notifyTurn(turn)

	names := make([]string, len(turn.ToolCalls))
	for i, tc := range turn.ToolCalls {
		names[i] = tc.Name
	}
	if pattern, fired := l.detector.Observe(names); fired {
		l.logger.Warn("repetitive tool pattern detected", "pattern", pattern, "turns", l.detector.Window())
		*pending = &state.Input{
			Content: loopdetect.CorrectiveInput(pattern, l.detector.Window()),
			Source:  state.SourceSystem,
		}
		for _, o := range l.observers {
			if lo, ok := o.(LoopObserver); ok {
				l.safeNotify(func() { lo.OnLoopDetected(pattern, l.detector.Window()) })
			}
		}
	}

	if turn.Thinking != "" {
		l.logger.Debug("turn thought", "turn_id", turn.ID, "thinking", truncate(turn.Thinking, 300))
	}
	l.resetErrors()

	for _, tc := range turn.ToolCalls {
		if tc.Name == "sleep" && tc.Succeeded() {
			l.logger.Info("agent chose to sleep", "turn_id", turn.ID)
			l.setState(turnCtx, state.StateSleeping)
			return true, nil
		}
	}

	if len(resp.ToolCalls) == 0 && resp.IsTerminal() {
		wake := l.now().Add(l.limits.IdleSleep)
		l.logger.Info("no pending work, entering brief sleep", "until", wake)
		if err := l.kv.SetSleepUntil(turnCtx, wake); err != nil {
			return false, fmt.Errorf("record idle sleep: %w", err)
		}
		l.setState(turnCtx, state.StateSleeping)
		return true, nil
	}
	return false, nil
}

// drainInbox turns up to one batch of unprocessed messages into a
// single input. Each message is marked processed as soon as it has been
// read into the input.
func (l *Loop) drainInbox(ctx context.Context) (*state.Input, error) {
	msgs, err := l.store.UnprocessedInboxMessages(ctx, l.limits.InboxBatch)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	for _, m := range msgs {
		if err := l.store.MarkInboxMessageProcessed(ctx, m.ID); err != nil {
			return nil, fmt.Errorf("mark inbox message: %w", err)
		}
	}
	l.logger.Info("inbox messages received", "count", len(msgs))
	return &state.Input{Content: FormatInbox(msgs), Source: state.SourceAgent}, nil
}

// applyTier moves the state machine to match the credit tier. It
// reports stop when the agent is out of credits.
func (l *Loop) applyTier(ctx context.Context, tier financial.Tier) bool {
	if l.ollamaMode {
		tier = financial.TierNormal
	}
	switch tier {
	case financial.TierDead:
		l.logger.Warn("no credits remaining, entering dead state")
		l.setState(ctx, state.StateDead)
		return true
	case financial.TierCritical:
		l.setState(ctx, state.StateCritical)
		l.inference.SetLowComputeMode(true)
	case financial.TierLowCompute:
		l.setState(ctx, state.StateLowCompute)
		l.inference.SetLowComputeMode(true)
	default:
		l.setState(ctx, state.StateRunning)
		l.inference.SetLowComputeMode(false)
	}
	return false
}

func (l *Loop) executeTools(ctx context.Context, turn *state.Turn, calls []llm.ToolCall) {
	if len(calls) > l.limits.MaxToolCallsPerTurn {
		l.logger.Warn("tool call cap reached",
			"requested", len(calls), "executing", l.limits.MaxToolCallsPerTurn, "turn_id", turn.ID)
		calls = calls[:l.limits.MaxToolCallsPerTurn]
	}

	toolCtx := tools.WithAgentState(tools.WithTurnID(ctx, turn.ID), turn.State)
	for _, tc := range calls {
		parsed := tools.ParseArguments(tc.Arguments)
		if !parsed.OK() {
			l.logger.Warn("tool arguments unparseable, using empty arguments",
				"tool", tc.Name, "call_id", tc.ID, "error", parsed.Err)
		}
		l.logger.Debug("tool call", "tool", tc.Name, "call_id", tc.ID)

		res := l.tools.Execute(toolCtx, tc.Name, parsed.Args)
		res.ID = tc.ID
		if res.Error != "" {
			l.logger.Info("tool error", "tool", tc.Name, "error", truncate(res.Error, 200))
		}
		turn.ToolCalls = append(turn.ToolCalls, res)
	}
}

// setState persists st and notifies observers when it differs from the
// stored state. Write failures are logged; the next iteration retries.
func (l *Loop) setState(ctx context.Context, st state.AgentState) {
	prev, err := l.kv.AgentState(ctx)
	if err != nil {
		l.logger.Warn("read agent state failed", "error", err)
	}
	if err := l.kv.SetAgentState(ctx, st); err != nil {
		l.logger.Error("persist agent state failed", "state", st, "error", err)
		return
	}
	if prev == st {
		return
	}
	l.logger.Info("agent state changed", "state", st, "previous", prev)
	for _, o := range l.observers {
		l.safeNotify(func() { o.OnStateChange(st, prev) })
	}
}

func (l *Loop) notifyTurn(turn *state.Turn) {
	for _, o := range l.observers {
		l.safeNotify(func() { o.OnTurnComplete(turn) })
	}
}

func (l *Loop) safeNotify(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			l.logger.Error("observer panicked", "panic", p)
		}
	}()
	fn()
}

func (l *Loop) recordError() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consecutiveErrors++
	return l.consecutiveErrors
}

func (l *Loop) resetErrors() {
	l.mu.Lock()
	l.consecutiveErrors = 0
	l.mu.Unlock()
}

// coolDown suspends the agent after repeated failures.
func (l *Loop) coolDown(ctx context.Context, n int) {
	ctx = context.WithoutCancel(ctx)
	until := l.now().Add(l.limits.ErrorCooldown)
	l.logger.Error("too many consecutive errors, sleeping", "errors", n, "until", until)
	l.setState(ctx, state.StateSleeping)
	if err := l.kv.SetSleepUntil(ctx, until); err != nil {
		l.logger.Error("record cooldown failed", "error", err)
	}
}

// Shutdown marks the agent sleeping. The host calls it when the process
// is stopping between turns.
func (l *Loop) Shutdown(ctx context.Context) {
	l.setState(context.WithoutCancel(ctx), state.StateSleeping)
}
