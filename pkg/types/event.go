package types

import "encoding/json"

// EventType identifies the kind of a StreamEvent.
type EventType string

const (
	EventSessionInfo       EventType = "session_info"
	EventText              EventType = "text"
	EventThinking          EventType = "thinking"
	EventToolCalls         EventType = "tool_calls"
	EventToolResult        EventType = "tool_result"
	EventToolError         EventType = "tool_error"
	EventIsomorphicHandoff EventType = "isomorphic_handoff"
	EventElicitRequest     EventType = "elicit_request"
	EventConversationState EventType = "conversation_state"
	EventComplete          EventType = "complete"
	EventError             EventType = "error"
)

// StreamEvent is one element of a session's event stream. Exactly the
// fields relevant to Type are populated; everything else is omitted on
// the wire.
type StreamEvent struct {
	Type EventType `json:"type"`

	// session_info
	SessionInfo *SessionInfo `json:"sessionInfo,omitempty"`

	// text / thinking deltas; also the final text of complete.
	Text string `json:"text,omitempty"`

	// tool_calls
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`

	// tool_result / tool_error
	CallID   string `json:"callId,omitempty"`
	ToolName string `json:"toolName,omitempty"`
	Output   string `json:"output,omitempty"`
	Message  string `json:"message,omitempty"`

	// isomorphic_handoff
	Handoff *HandoffEvent `json:"handoff,omitempty"`

	// elicit_request
	Elicit *ElicitRequest `json:"elicit,omitempty"`

	// conversation_state
	Conversation *ConversationState `json:"conversation,omitempty"`

	// complete
	Usage *Usage `json:"usage,omitempty"`

	// error
	Error *ErrorInfo `json:"error,omitempty"`
}

// SessionInfo announces session identity and capabilities at stream start.
type SessionInfo struct {
	SessionID    string         `json:"sessionId"`
	Persona      string         `json:"persona,omitempty"`
	Tools        []string       `json:"tools,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

// HandoffEvent asks the client to execute (or finish) a tool call.
// ServerOutput is nil when the server never ran (client authority).
// UsesHandoff is true when a phase-1 payload must be replayed to the
// server for phase-2 completion.
type HandoffEvent struct {
	CallID       string          `json:"callId"`
	ToolName     string          `json:"toolName"`
	Params       json.RawMessage `json:"params,omitempty"`
	ServerOutput *string         `json:"serverOutput,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	UsesHandoff  bool            `json:"usesHandoff"`
}

// ElicitRequest is a structured mid-execution request for more input,
// correlated by ElicitID on a later request.
type ElicitRequest struct {
	ElicitID        string          `json:"elicitId"`
	PluginSessionID string          `json:"pluginSessionId"`
	CallID          string          `json:"callId"`
	ToolName        string          `json:"toolName"`
	Prompt          string          `json:"prompt"`
	Schema          json.RawMessage `json:"schema,omitempty"`
}

// ConversationState is the snapshot emitted when a turn suspends for a
// client handoff: the full transcript plus the calls still pending and
// any partial results already computed.
type ConversationState struct {
	Messages       []Message         `json:"messages"`
	PendingCalls   []ToolCall        `json:"pendingCalls,omitempty"`
	PartialResults map[string]string `json:"partialResults,omitempty"`
}

// ErrorInfo is the payload of a terminal error event.
type ErrorInfo struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}
