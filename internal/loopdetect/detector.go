// Package loopdetect flags an agent that keeps issuing the same set of
// tool calls turn after turn.
package loopdetect

import (
	"fmt"
	"slices"
	"strings"
)

// DefaultWindow is the number of identical consecutive turns that
// counts as a loop.
const DefaultWindow = 3

// Detector keeps a sliding window of per-turn tool-call patterns. It
// only catches a single pattern repeating; alternating patterns pass.
// Not safe for concurrent use; the agent loop runs one turn at a time.
type Detector struct {
	window   int
	patterns []string
}

// New creates a detector. A window below 2 uses [DefaultWindow].
func New(window int) *Detector {
	if window < 2 {
		window = DefaultWindow
	}
	return &Detector{window: window}
}

// Window returns the configured window size.
func (d *Detector) Window() int { return d.window }

// Pattern canonicalizes a turn's tool names: sorted, comma joined.
func Pattern(names []string) string {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	return strings.Join(sorted, ",")
}

// Observe records one turn's tool names. Turns without tool calls are
// ignored. When the window is full of one pattern it reports that
// pattern with fired set and clears the window.
func (d *Detector) Observe(names []string) (pattern string, fired bool) {
	if len(names) == 0 {
		return "", false
	}
	pattern = Pattern(names)
	d.patterns = append(d.patterns, pattern)
	if len(d.patterns) > d.window {
		d.patterns = slices.Clone(d.patterns[len(d.patterns)-d.window:])
	}
	if len(d.patterns) < d.window {
		return pattern, false
	}
	for _, p := range d.patterns {
		if p != pattern {
			return pattern, false
		}
	}
	d.Reset()
	return pattern, true
}

// Reset clears the window.
func (d *Detector) Reset() {
	d.patterns = d.patterns[:0]
}

// Len returns how many patterns the window holds.
func (d *Detector) Len() int { return len(d.patterns) }

// CorrectiveInput is the instruction injected after a loop fires.
func CorrectiveInput(pattern string, n int) string {
	return fmt.Sprintf("LOOP DETECTED: You have called %q %d times in a row with similar results. "+
		"STOP repeating yourself. You already know your status. DO SOMETHING DIFFERENT NOW. "+
		"Pick ONE concrete task from your genesis prompt and execute it.", pattern, n)
}
