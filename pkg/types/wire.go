package types

import "encoding/json"

// Reconnection header/query names.
const (
	HeaderSessionID = "X-Session-Id"
	HeaderLastLSN   = "X-Last-LSN"
)

// ChatRequest is the POST body that starts (or resumes) a chat turn.
// Either Persona or Tools selects the tool surface; Model optionally
// overrides the configured "provider/model" pair.
type ChatRequest struct {
	Messages      []Message      `json:"messages"`
	Persona       string         `json:"persona,omitempty"`
	PersonaConfig map[string]any `json:"personaConfig,omitempty"`
	Tools         []string       `json:"tools,omitempty"`
	Model         string         `json:"model,omitempty"`

	// Phase-2 resumption of suspended handoff calls.
	IsomorphicClientOutputs []IsomorphicClientOutput `json:"isomorphicClientOutputs,omitempty"`

	// Responses to earlier elicit_request events.
	ElicitResponses []ElicitResponse `json:"elicitResponses,omitempty"`

	// Abort of a suspended plugin session.
	PluginAbort *PluginAbort `json:"pluginAbort,omitempty"`
}

// IsomorphicClientOutput resumes a suspended handoff tool call. When
// UsesHandoff is set, CachedHandoff carries the phase-1 payload back to
// the server for phase-2 completion; otherwise ClientOutput is final.
type IsomorphicClientOutput struct {
	CallID        string          `json:"callId"`
	ToolName      string          `json:"toolName"`
	Params        json.RawMessage `json:"params,omitempty"`
	ClientOutput  string          `json:"clientOutput"`
	CachedHandoff json.RawMessage `json:"cachedHandoff,omitempty"`
	UsesHandoff   bool            `json:"usesHandoff"`
}

// ElicitResponse answers an ElicitRequest from a previous turn.
type ElicitResponse struct {
	ElicitID        string          `json:"elicitId"`
	PluginSessionID string          `json:"pluginSessionId"`
	Action          string          `json:"action"` // "accept" | "decline" | "cancel"
	Content         json.RawMessage `json:"content,omitempty"`
}

// PluginAbort cancels a suspended plugin session.
type PluginAbort struct {
	PluginSessionID string `json:"pluginSessionId"`
	Reason          string `json:"reason,omitempty"`
}

// WireFrame is one NDJSON response line: a buffered frame's position
// and its event.
type WireFrame struct {
	LSN   uint64      `json:"lsn"`
	Event StreamEvent `json:"event"`
}
