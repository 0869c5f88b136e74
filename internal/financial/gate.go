package financial

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/automaton/internal/state"
)

// State is a point-in-time view of the agent's finances. It is never
// persisted as a record; it is recomputed on every poll.
type State struct {
	CreditsCents int64     `json:"credits_cents"`
	TokenBalance float64   `json:"token_balance"`
	LastChecked  time.Time `json:"last_checked"`
}

// CreditSource reports the compute credit balance in cents.
type CreditSource interface {
	CreditsBalance(ctx context.Context) (int64, error)
}

// TokenSource reports the wallet's stablecoin balance.
type TokenSource interface {
	TokenBalance(ctx context.Context) (float64, error)
}

// BalanceCache remembers the last strictly positive value each source
// returned. Both fields start at zero.
type BalanceCache struct {
	mu      sync.Mutex
	credits int64
	tokens  float64
}

// Credits returns the last positive credit balance seen.
func (c *BalanceCache) Credits() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credits
}

// Tokens returns the last positive token balance seen.
func (c *BalanceCache) Tokens() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

// ObserveCredits records a fresh credit reading. Non-positive readings
// leave the cache untouched.
func (c *BalanceCache) ObserveCredits(v int64) {
	if v <= 0 {
		return
	}
	c.mu.Lock()
	c.credits = v
	c.mu.Unlock()
}

// ObserveTokens records a fresh token reading. Non-positive readings
// leave the cache untouched.
func (c *BalanceCache) ObserveTokens(v float64) {
	if v <= 0 {
		return
	}
	c.mu.Lock()
	c.tokens = v
	c.mu.Unlock()
}

// GateConfig configures a [Gate].
type GateConfig struct {
	Credits    CreditSource
	Tokens     TokenSource // optional
	Cache      *BalanceCache
	Thresholds Thresholds
	Logger     *slog.Logger
	Now        func() time.Time
}

// Gate polls balance sources and classifies the result. A failed
// source falls back to its cached value so a transient read error is
// never mistaken for an empty balance.
type Gate struct {
	credits    CreditSource
	tokens     TokenSource
	cache      *BalanceCache
	thresholds Thresholds
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.Mutex
	last State
}

// NewGate creates a gate. A nil Cache gets a fresh one.
func NewGate(cfg GateConfig) *Gate {
	g := &Gate{
		credits:    cfg.Credits,
		tokens:     cfg.Tokens,
		cache:      cfg.Cache,
		thresholds: cfg.Thresholds,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	if g.cache == nil {
		g.cache = &BalanceCache{}
	}
	if g.thresholds == (Thresholds{}) {
		g.thresholds = DefaultThresholds
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Poll queries each source independently. It never fails: an errored
// or missing source contributes its last positive value.
func (g *Gate) Poll(ctx context.Context) State {
	st := State{
		CreditsCents: g.cache.Credits(),
		TokenBalance: g.cache.Tokens(),
	}

	if g.credits != nil {
		v, err := g.credits.CreditsBalance(ctx)
		if err != nil {
			g.logger.Warn("credit balance check failed, using cached value",
				"error", err, "cached_cents", st.CreditsCents)
		} else {
			st.CreditsCents = v
			g.cache.ObserveCredits(v)
		}
	}

	if g.tokens != nil {
		v, err := g.tokens.TokenBalance(ctx)
		if err != nil {
			g.logger.Warn("token balance check failed, using cached value",
				"error", err, "cached_balance", st.TokenBalance)
		} else {
			st.TokenBalance = v
			g.cache.ObserveTokens(v)
		}
	}

	st.LastChecked = g.now()

	g.mu.Lock()
	g.last = st
	g.mu.Unlock()

	g.logger.Debug("financial state polled",
		"credits", FormatCredits(st.CreditsCents),
		"token_balance", st.TokenBalance,
		"tier", g.thresholds.DeriveTier(st.CreditsCents))
	return st
}

// Tier classifies a balance against the gate's thresholds.
func (g *Gate) Tier(creditsCents int64) Tier {
	return g.thresholds.DeriveTier(creditsCents)
}

// Thresholds returns the configured thresholds.
func (g *Gate) Thresholds() Thresholds {
	return g.thresholds
}

// Last returns the most recent poll result, or the zero State before
// the first poll.
func (g *Gate) Last() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// TransactionRecorder persists ledger rows.
type TransactionRecorder interface {
	InsertTransaction(ctx context.Context, tx *state.Transaction) error
}

// LogCreditCheck records a balance check in the ledger.
func LogCreditCheck(ctx context.Context, rec TransactionRecorder, st State) error {
	tx := &state.Transaction{
		Type:              state.TxCreditCheck,
		AmountCents:       st.CreditsCents,
		BalanceAfterCents: st.CreditsCents,
		Description: fmt.Sprintf("Balance check: %s credits, %.4f USDC",
			FormatCredits(st.CreditsCents), st.TokenBalance),
		CreatedAt: st.LastChecked,
	}
	return rec.InsertTransaction(ctx, tx)
}
