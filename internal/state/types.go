package state

import "time"

// AgentState is the lifecycle state of the agent loop.
type AgentState string

// Lifecycle states. Only sleeping and dead are suspended; every other
// state means the loop is executing or about to.
const (
	StateSetup      AgentState = "setup"
	StateWaking     AgentState = "waking"
	StateRunning    AgentState = "running"
	StateLowCompute AgentState = "low_compute"
	StateCritical   AgentState = "critical"
	StateSleeping   AgentState = "sleeping"
	StateDead       AgentState = "dead"
)

var severity = map[AgentState]int{
	StateSetup:      0,
	StateWaking:     1,
	StateRunning:    2,
	StateLowCompute: 3,
	StateCritical:   4,
	StateSleeping:   5,
	StateDead:       6,
}

// Severity orders states from setup (0) to dead (6). Unknown states
// sort below setup.
func (s AgentState) Severity() int {
	if v, ok := severity[s]; ok {
		return v
	}
	return -1
}

// Suspended reports whether the loop is not executing in this state.
func (s AgentState) Suspended() bool {
	return s == StateSleeping || s == StateDead
}

// Valid reports whether s is a known lifecycle state.
func (s AgentState) Valid() bool {
	_, ok := severity[s]
	return ok
}

// InputSource tags where a turn's input came from.
type InputSource string

const (
	SourceWakeup InputSource = "wakeup"
	SourceAgent  InputSource = "agent"
	SourceSystem InputSource = "system"
	SourceUser   InputSource = "user"
)

// Input is the optional prompt content that seeds a turn.
type Input struct {
	Content string      `json:"content"`
	Source  InputSource `json:"source"`
}

// TokenUsage counts the tokens one inference call consumed.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolCallResult records one tool invocation. ID equals the id of the
// inference tool call it answers.
type ToolCallResult struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
	Result     string         `json:"result,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

// Succeeded reports whether the call produced a result and no error.
func (r ToolCallResult) Succeeded() bool {
	return r.Error == "" && r.Result != ""
}

// Turn is one think, act, observe, persist cycle.
type Turn struct {
	ID        string           `json:"id"` // UUIDv7
	Timestamp time.Time        `json:"timestamp"`
	State     AgentState       `json:"state"`
	Input     *Input           `json:"input,omitempty"`
	Thinking  string           `json:"thinking"`
	ToolCalls []ToolCallResult `json:"tool_calls"`
	Usage     TokenUsage       `json:"token_usage"`
	CostCents int64            `json:"cost_cents"`
}

// InboxMessage is an externally delivered message waiting to become
// turn input.
type InboxMessage struct {
	ID          string     `json:"id"`
	From        string     `json:"from"`
	Content     string     `json:"content"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// HeartbeatEntry is a named periodic task owned by the heartbeat
// scheduler.
type HeartbeatEntry struct {
	Name     string         `json:"name" yaml:"name"`
	Schedule string         `json:"schedule" yaml:"schedule"`
	Task     string         `json:"task" yaml:"task"`
	Enabled  bool           `json:"enabled" yaml:"enabled"`
	LastRun  *time.Time     `json:"last_run,omitempty" yaml:"-"`
	NextRun  *time.Time     `json:"next_run,omitempty" yaml:"-"`
	Params   map[string]any `json:"params,omitempty" yaml:"params"`
}

// TransactionType classifies a ledger row.
type TransactionType string

const (
	TxCreditCheck TransactionType = "credit_check"
	TxInference   TransactionType = "inference"
	TxTopup       TransactionType = "topup"
)

// Transaction is a financial ledger row.
type Transaction struct {
	ID                string          `json:"id"`
	Type              TransactionType `json:"type"`
	AmountCents       int64           `json:"amount_cents"`
	BalanceAfterCents int64           `json:"balance_after_cents"`
	Description       string          `json:"description"`
	CreatedAt         time.Time       `json:"created_at"`
}
