package tools

import "fmt"

// ErrToolUnavailable is returned when a call targets a tool the
// registry cannot run: its capability server went away, a bridge
// filter excluded it, it never existed, or it was registered without a
// handler. Callers should not retry.
type ErrToolUnavailable struct {
	ToolName string

	// Reason is a short phrase such as "not registered".
	Reason string
}

func (e *ErrToolUnavailable) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "not registered"
	}
	return fmt.Sprintf("tool %q is unavailable: %s", e.ToolName, reason)
}
