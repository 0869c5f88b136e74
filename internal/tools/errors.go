package tools

import (
	"fmt"
	"strings"
)

// UnknownToolError is recorded when the model calls a tool that is not
// registered. The message lists the registered names so the next turn
// can correct itself.
type UnknownToolError struct {
	Name  string
	Known []string
}

func (e *UnknownToolError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("unknown tool %q: no tools are registered", e.Name)
	}
	return fmt.Sprintf("unknown tool %q (available: %s)", e.Name, strings.Join(e.Known, ", "))
}
