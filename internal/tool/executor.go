package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/pkg/types"
)

// OutcomeKind tags the result of one dispatched tool call.
type OutcomeKind string

const (
	// OutcomeResult: the server produced a final output.
	OutcomeResult OutcomeKind = "result"
	// OutcomeHandoff: the call suspends for client execution.
	OutcomeHandoff OutcomeKind = "handoff"
	// OutcomeAwaiting: a plugin session suspended on elicitation.
	OutcomeAwaiting OutcomeKind = "awaiting"
	// OutcomeError: validation or execution failed; non-fatal for the turn.
	OutcomeError OutcomeKind = "error"
)

// Outcome is the tagged result of executing one tool call.
type Outcome struct {
	Kind     OutcomeKind
	CallID   string
	ToolName string
	Params   json.RawMessage

	// OutcomeResult
	Output string

	// OutcomeHandoff
	ServerOutput *string         // nil when the server never ran
	Handoff      json.RawMessage // phase-1 payload, when two-phase
	UsesHandoff  bool

	// OutcomeAwaiting
	PluginSessionID string
	Elicit          *types.ElicitRequest

	// OutcomeError
	Err string
}

// Executor dispatches tool calls per the authority/handoff protocol.
type Executor struct {
	registry *Registry
	plugins  *PluginStore
}

// NewExecutor creates an executor over the given tool registry. Plugin
// sessions that suspend are parked in store.
func NewExecutor(registry *Registry, store *PluginStore) *Executor {
	return &Executor{registry: registry, plugins: store}
}

// ExecuteBatch dispatches every call of one model round. Calls run
// concurrently, but outcomes are returned in batch order so the caller
// can flush them as one deterministic burst.
func (x *Executor) ExecuteBatch(ctx context.Context, calls []types.ToolCall, tc *Context) []Outcome {
	outcomes := make([]Outcome, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			callCtx := *tc
			callCtx.CallID = call.ID
			outcomes[i] = x.executeOne(gctx, call, &callCtx)
			return nil
		})
	}
	_ = g.Wait() // executeOne never returns an error; failures are outcomes

	return outcomes
}

// executeOne classifies and runs a single call.
func (x *Executor) executeOne(ctx context.Context, call types.ToolCall, tc *Context) Outcome {
	out := Outcome{
		CallID:   call.ID,
		ToolName: call.Name,
		Params:   call.Arguments,
	}

	t, ok := x.registry.Get(call.Name)
	if !ok {
		out.Kind = OutcomeError
		out.Err = fmt.Sprintf("tool not found: %s", call.Name)
		return out
	}

	// Validation before dispatch; failures are rejected, raw params are
	// never passed through to the tool or the client.
	if err := ValidateInput(t.Schema(), call.Arguments); err != nil {
		out.Kind = OutcomeError
		out.Err = fmt.Sprintf("invalid arguments for %s: %v", call.Name, err)
		return out
	}

	if t.Authority() == AuthorityClient {
		// The server never runs: immediate handoff, no server output.
		out.Kind = OutcomeHandoff
		out.UsesHandoff = false
		return out
	}

	if pt, ok := t.(PluginTool); ok {
		return x.runPlugin(ctx, pt, call, tc, out)
	}

	st, ok := t.(ServerTool)
	if !ok {
		out.Kind = OutcomeError
		out.Err = fmt.Sprintf("tool %s has server authority but no server function", call.Name)
		return out
	}

	res, err := st.Run(ctx, call.Arguments, tc)
	if err != nil {
		out.Kind = OutcomeError
		out.Err = err.Error()
		return out
	}

	if res.Handoff != nil {
		// The tool explicitly requested suspension: phase-1 payload goes
		// to the client and comes back for phase-2 completion.
		out.Kind = OutcomeHandoff
		out.ServerOutput = &res.Output
		out.Handoff = res.Handoff
		out.UsesHandoff = true
		return out
	}

	if cc, ok := t.(ClientCapable); ok && cc.HasClientCounterpart() {
		// Declared client counterpart: hand off with the server output cached.
		out.Kind = OutcomeHandoff
		out.ServerOutput = &res.Output
		out.UsesHandoff = false
		return out
	}

	out.Kind = OutcomeResult
	out.Output = res.Output
	return out
}

// runPlugin starts a plugin session and advances it to its first event.
func (x *Executor) runPlugin(ctx context.Context, pt PluginTool, call types.ToolCall, tc *Context, out Outcome) Outcome {
	sess, err := pt.StartSession(ctx, call.Arguments, tc)
	if err != nil {
		out.Kind = OutcomeError
		out.Err = err.Error()
		return out
	}

	ev, err := sess.Resume(ctx, nil)
	if err != nil {
		out.Kind = OutcomeError
		out.Err = err.Error()
		return out
	}

	switch ev.Kind {
	case PluginElicit:
		x.plugins.Park(sess, call.ID, call.Name)
		out.Kind = OutcomeAwaiting
		out.PluginSessionID = sess.ID()
		elicit := *ev.Elicit
		elicit.PluginSessionID = sess.ID()
		elicit.CallID = call.ID
		elicit.ToolName = call.Name
		out.Elicit = &elicit
		return out
	case PluginResult:
		out.Kind = OutcomeResult
		out.Output = ev.Output
		return out
	case PluginCancelled:
		out.Kind = OutcomeError
		out.Err = "plugin session cancelled"
		return out
	default:
		out.Kind = OutcomeError
		out.Err = ev.Err
		return out
	}
}

// ResumeClientOutput completes a phase-2 client output: when the call
// used a two-phase handoff and the tool is resumable, phase 2 runs with
// the replayed payload; otherwise the client's output is already final.
func (x *Executor) ResumeClientOutput(ctx context.Context, out types.IsomorphicClientOutput) (string, error) {
	if !out.UsesHandoff {
		return out.ClientOutput, nil
	}

	t, ok := x.registry.Get(out.ToolName)
	if !ok {
		return "", fmt.Errorf("tool not found: %s", out.ToolName)
	}
	rt, ok := t.(ResumableTool)
	if !ok {
		logging.Warn().Str("tool", out.ToolName).Msg("client output claims handoff but tool is not resumable")
		return out.ClientOutput, nil
	}
	return rt.Resume(ctx, out)
}
