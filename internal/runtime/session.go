// Package runtime implements the bounded agent runtime pool (spec.md §4.4,
// §4.10) and the small Session capability interface that stands in for the
// out-of-scope LLM/tool runtime (spec.md §1 "Out of scope" — SPEC_FULL.md §3
// gives it a concrete, minimal shape so the repo compiles end to end).
package runtime

import "context"

// EventKind tags a SessionEvent.
type EventKind string

const (
	EventToolExecutionEnd EventKind = "tool_execution_end"
	EventMessageEnd       EventKind = "message_end"
)

// SessionEvent is one item from a Session's event stream, consumed by the
// orchestrator's collector (spec.md §4.9 step 8) until WaitForIdle returns.
type SessionEvent struct {
	Kind       EventKind
	ToolCallID string
	ToolName   string
	Role       string // "assistant", for EventMessageEnd
	Content    string
}

// Session is the black-box conversational runtime the orchestrator drives.
// It is a capability interface per spec.md §9 ("small capability interfaces
// instead of a grab-bag options object"): callers depend on this, never on
// a concrete LLM loop.
type Session interface {
	ID() string
	SendUserMessage(ctx context.Context, prompt string) error
	WaitForIdle(ctx context.Context) error
	Events() <-chan SessionEvent
	Close(ctx context.Context) error
}

// Factory constructs a new Session for an agent, given its fully resolved,
// namespaced configuration. Supplied by the process wiring the pool (see
// internal/orchestrator), never imported by the pool itself.
type Factory interface {
	NewSession(ctx context.Context, agentID string, agentConfig map[string]any) (Session, error)
}
