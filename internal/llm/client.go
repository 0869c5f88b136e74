package llm

import "sync"

// modelSelector tracks the normal and low-compute model settings shared
// by every provider.
type modelSelector struct {
	mu           sync.Mutex
	model        string
	lowModel     string
	maxTokens    int
	lowMaxTokens int
	lowCompute   bool
}

func newModelSelector(model, lowModel string, maxTokens int) *modelSelector {
	if lowModel == "" {
		lowModel = model
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &modelSelector{
		model:        model,
		lowModel:     lowModel,
		maxTokens:    maxTokens,
		lowMaxTokens: 4096,
	}
}

// SetLowComputeMode implements [Client].
func (m *modelSelector) SetLowComputeMode(enabled bool) {
	m.mu.Lock()
	m.lowCompute = enabled
	m.mu.Unlock()
}

// DefaultModel implements [Client].
func (m *modelSelector) DefaultModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lowCompute {
		return m.lowModel
	}
	return m.model
}

// LowCompute reports whether low-compute mode is on.
func (m *modelSelector) LowCompute() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lowCompute
}

// resolve applies the current mode to per-call options.
func (m *modelSelector) resolve(opts ChatOptions) (model string, maxTokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	model, maxTokens = m.model, m.maxTokens
	if m.lowCompute {
		model, maxTokens = m.lowModel, m.lowMaxTokens
	}
	if opts.Model != "" {
		model = opts.Model
	}
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	return model, maxTokens
}
