// Package turn defines the canonical bidirectional message unit that flows
// between the ingress, the projector, the orchestrator, and the agent
// runtime pool.
package turn

// Kind is the turn's role in the conversation.
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindTool      Kind = "tool"
	KindApproval  Kind = "approval"
)

// PartType discriminates the union of part shapes a turn can carry.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartFile  PartType = "file"
)

// Part is one ordered element of a turn's body.
type Part struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`
	URI  string   `json:"uri,omitempty"`
	Mime string   `json:"mime,omitempty"`
	Name string   `json:"name,omitempty"` // file parts only
}

// ActionStyle constrains an approval action's visual style.
type ActionStyle string

const (
	StylePrimary ActionStyle = "primary"
	StyleNeutral ActionStyle = "neutral"
	StyleDanger  ActionStyle = "danger"
)

// Action is one button in an approval turn.
type Action struct {
	ID    string      `json:"id"`
	Label string      `json:"label"`
	Style ActionStyle `json:"style,omitempty"`
}

// Approval is the interactive-UI payload carried by a kind=approval turn,
// and by assistant turns that render an approval request.
type Approval struct {
	RequestID string   `json:"requestId"`
	Title     string   `json:"title"`
	Detail    string   `json:"detail,omitempty"`
	Actions   []Action `json:"actions"`
}

// Envelope is the canonical unit of flow — spec.md §3 "Turn envelope".
type Envelope struct {
	Schema         string         `json:"schema"`
	Kind           Kind           `json:"kind"`
	SessionID      string         `json:"sessionId"`
	TurnID         string         `json:"turnId"`
	Channel        string         `json:"channel"`
	ConversationID string         `json:"conversationId"`
	ThreadID       string         `json:"threadId,omitempty"`
	MessageID      string         `json:"messageId,omitempty"`
	TimestampMs    int64          `json:"timestamp"`
	Parts          []Part         `json:"parts"`
	Approval       *Approval      `json:"approval,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
}

// EnvelopeSchema is the fixed literal schema tag for envelopes produced by
// this version of the projector.
const EnvelopeSchema = "brewva.turn/v1"

// Text concatenates every text part, in order, newline-joined. Convenience for
// callers that only care about the textual content of a turn.
func (e *Envelope) Text() string {
	var out string
	for _, p := range e.Parts {
		if p.Type != PartText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// MetaString fetches a string-typed meta field, returning "" if absent or
// not a string.
func (e *Envelope) MetaString(key string) string {
	if e.Meta == nil {
		return ""
	}
	v, ok := e.Meta[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// SetMeta lazily initializes Meta and sets key.
func (e *Envelope) SetMeta(key string, value any) {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	e.Meta[key] = value
}

// ApprovalActionText renders the single text part required of an inbound
// approval turn per spec.md §3: "approval <requestId> -> <actionId>".
func ApprovalActionText(requestID, actionID string) string {
	return "approval " + requestID + " -> " + actionID
}
