// Package tool provides the tool model for the chat engine: server
// tools, client handoffs, two-phase isomorphic tools and plugin
// sessions that suspend for elicitation.
package tool

import (
	"context"
	"encoding/json"

	"github.com/chatrelay/chatrelay/pkg/types"
)

// Authority says where a tool is allowed to run.
type Authority string

const (
	// AuthorityServer (the default): the server attempts execution. The
	// call may still hand off when the tool explicitly requests it or
	// declares a client counterpart.
	AuthorityServer Authority = "server"

	// AuthorityClient: the server never runs the tool; every call is an
	// immediate handoff with no server output.
	AuthorityClient Authority = "client"
)

// Tool is the minimal surface every tool exposes.
type Tool interface {
	// Name returns the tool identifier.
	Name() string

	// Description returns the tool description shown to the model.
	Description() string

	// Schema returns the JSON Schema for tool parameters.
	Schema() json.RawMessage

	// Authority returns where the tool runs.
	Authority() Authority
}

// Context provides execution context to tools.
type Context struct {
	SessionID string
	CallID    string
	Persona   string
}

// Result is the phase-1 outcome of a server tool run. A non-nil Handoff
// means the tool is requesting suspension: the payload is serialized to
// the client and replayed on a later request for phase-2 completion.
// Handoff is a tagged value, never error control flow, precisely so it
// survives the HTTP boundary.
type Result struct {
	Output  string
	Handoff json.RawMessage
}

// ServerTool is a tool with a server-side function.
type ServerTool interface {
	Tool
	Run(ctx context.Context, input json.RawMessage, tc *Context) (*Result, error)
}

// ResumableTool completes a two-phase handoff: phase 2 receives the
// phase-1 payload (out.CachedHandoff) plus the client's output and
// computes the final result.
type ResumableTool interface {
	Tool
	Resume(ctx context.Context, out types.IsomorphicClientOutput) (string, error)
}

// ClientCapable marks a server-authority tool that declares a client
// counterpart; its calls hand off with the server output cached.
type ClientCapable interface {
	HasClientCounterpart() bool
}

// PluginTool runs as a plugin session that may suspend mid-execution to
// elicit more input from the user.
type PluginTool interface {
	Tool
	StartSession(ctx context.Context, input json.RawMessage, tc *Context) (PluginSession, error)
}

// PluginSession is one suspended (or running) plugin execution. Resume
// with nil advances to the first event; resume with a response delivers
// an elicitation answer. Each returned event is one of elicit (suspend
// again), result or error (final), or cancelled.
type PluginSession interface {
	ID() string
	Resume(ctx context.Context, resp *types.ElicitResponse) (*PluginEvent, error)
	Cancel(reason string)
}

// PluginEventKind tags a PluginEvent.
type PluginEventKind string

const (
	PluginElicit    PluginEventKind = "elicit"
	PluginResult    PluginEventKind = "result"
	PluginError     PluginEventKind = "error"
	PluginCancelled PluginEventKind = "cancelled"
)

// PluginEvent is the next state of a plugin session.
type PluginEvent struct {
	Kind   PluginEventKind
	Elicit *types.ElicitRequest
	Output string
	Err    string
}
