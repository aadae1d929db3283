// Package engine runs one chat turn: it drives the provider loop, tool
// dispatch and suspension protocol, and exposes the result as a pull
// stream of events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/persona"
	"github.com/chatrelay/chatrelay/internal/provider"
	"github.com/chatrelay/chatrelay/internal/tool"
	"github.com/chatrelay/chatrelay/pkg/types"
)

const (
	// DefaultMaxIterations bounds provider calls per turn.
	DefaultMaxIterations = 10
	// MaxRetries is the maximum number of retries for API errors.
	MaxRetries = 3
	// RetryInitialInterval is the initial interval for exponential backoff.
	RetryInitialInterval = time.Second
	// RetryMaxInterval is the maximum interval for exponential backoff.
	RetryMaxInterval = 30 * time.Second
	// RetryMaxElapsedTime is the maximum total time for retries.
	RetryMaxElapsedTime = 2 * time.Minute
)

// newRetryBackoff creates an exponential backoff with jitter for
// provider call retries.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// Params configures one turn.
type Params struct {
	SessionID string
	Request   *types.ChatRequest
	Persona   *persona.Persona
	Provider  provider.Provider

	// Tools is the persona-scoped tool surface; MissingTools lists
	// persona tool references that did not resolve.
	Tools        *tool.Registry
	MissingTools []string

	Executor *tool.Executor
	Plugins  *tool.PluginStore

	MaxIterations int
}

// Engine produces the event stream for one turn. Next pulls events in
// order; it is the single-consumer side of the turn and is not safe for
// concurrent use.
type Engine struct {
	sessionID string
	req       *types.ChatRequest
	persona   *persona.Persona
	prov      provider.Provider
	tools     *tool.Registry
	missing   []string
	executor  *tool.Executor
	plugins   *tool.PluginStore
	maxIter   int

	transcript []types.Message
	usage      types.Usage
	iteration  int

	events chan types.StreamEvent
	err    error

	start    sync.Once
	aborted  bool
	abortErr error
}

// New creates an engine for one turn.
func New(p Params) *Engine {
	maxIter := p.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	return &Engine{
		sessionID: p.SessionID,
		req:       p.Request,
		persona:   p.Persona,
		prov:      p.Provider,
		tools:     p.Tools,
		missing:   p.MissingTools,
		executor:  p.Executor,
		plugins:   p.Plugins,
		maxIter:   maxIter,
		events:    make(chan types.StreamEvent, 16),
	}
}

// Next returns the next event of the turn. The run starts lazily on the
// first call. ok=false ends the stream; the error, if any, is the
// turn's terminal failure. On context cancellation one final "Aborted"
// error event is delivered before the stream ends with the context
// error.
func (e *Engine) Next(ctx context.Context) (types.StreamEvent, bool, error) {
	e.start.Do(func() { go e.run(ctx) })

	if e.aborted {
		return types.StreamEvent{}, false, e.abortErr
	}

	select {
	case ev, ok := <-e.events:
		if !ok {
			return types.StreamEvent{}, false, e.err
		}
		return ev, true, nil
	case <-ctx.Done():
		e.aborted = true
		e.abortErr = ctx.Err()
		return errorEvent("Aborted"), true, nil
	}
}

// emit delivers an event to the consumer. Returns false when the run
// context is cancelled, which unblocks the producer after an abort.
func (e *Engine) emit(ctx context.Context, ev types.StreamEvent) bool {
	select {
	case e.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func errorEvent(msg string) types.StreamEvent {
	return types.StreamEvent{
		Type:  types.EventError,
		Error: &types.ErrorInfo{Message: msg, Recoverable: false},
	}
}

// fatal emits the turn's single terminal error event and records the
// error so the stream ends errored.
func (e *Engine) fatal(ctx context.Context, msg string) {
	e.emit(ctx, errorEvent(msg))
	e.err = errors.New(msg)
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.events)

	info := &types.SessionInfo{
		SessionID:    e.sessionID,
		Persona:      e.persona.Name,
		Tools:        e.tools.Names(),
		Capabilities: e.persona.Capabilities,
	}
	if !e.emit(ctx, types.StreamEvent{Type: types.EventSessionInfo, SessionInfo: info}) {
		return
	}

	if len(e.missing) > 0 {
		e.fatal(ctx, fmt.Sprintf("persona %q references unknown tools: %s",
			e.persona.Name, strings.Join(e.missing, ", ")))
		return
	}

	e.transcript = append([]types.Message(nil), e.req.Messages...)
	if e.persona.SystemPrompt != "" {
		if len(e.transcript) == 0 || e.transcript[0].Role != types.RoleSystem {
			e.transcript = append(
				[]types.Message{{Role: types.RoleSystem, Content: e.persona.SystemPrompt}},
				e.transcript...)
		}
	}

	// Resumption inputs settle before any new provider call: an abort
	// first, then plugin responses, then client outputs.
	if e.req.PluginAbort != nil {
		if !e.handlePluginAbort(ctx, e.req.PluginAbort) {
			return
		}
	}
	if len(e.req.ElicitResponses) > 0 {
		if !e.processPluginResponses(ctx) {
			return
		}
	}
	if len(e.req.IsomorphicClientOutputs) > 0 {
		if !e.processClientOutputs(ctx) {
			return
		}
	}

	e.loop(ctx)
}

// handlePluginAbort cancels a suspended plugin session and folds an
// error result for its call into the transcript.
func (e *Engine) handlePluginAbort(ctx context.Context, ab *types.PluginAbort) bool {
	callID, toolName, found := e.plugins.Abort(ab.PluginSessionID, ab.Reason)
	if !found {
		logging.Warn().Str("pluginSessionID", ab.PluginSessionID).Msg("abort for unknown plugin session")
		return true
	}

	msg := "Aborted"
	if ab.Reason != "" {
		msg = "Aborted: " + ab.Reason
	}
	if !e.emit(ctx, types.StreamEvent{
		Type:     types.EventToolError,
		CallID:   callID,
		ToolName: toolName,
		Message:  msg,
	}) {
		return false
	}
	e.upsertToolMessage(callID, toolName, "Error: "+msg)
	return true
}

// processPluginResponses resumes parked plugin sessions with the
// client's elicit responses. A session that elicits again re-suspends
// the turn.
func (e *Engine) processPluginResponses(ctx context.Context) bool {
	for i := range e.req.ElicitResponses {
		resp := e.req.ElicitResponses[i]

		sess, callID, toolName, err := e.plugins.Take(resp.PluginSessionID)
		if err != nil {
			e.fatal(ctx, err.Error())
			return false
		}

		ev, rerr := sess.Resume(ctx, &resp)
		if rerr != nil {
			if !e.emitToolError(ctx, callID, toolName, rerr.Error()) {
				return false
			}
			continue
		}

		switch ev.Kind {
		case tool.PluginElicit:
			e.plugins.Park(sess, callID, toolName)
			elicit := *ev.Elicit
			elicit.PluginSessionID = sess.ID()
			elicit.CallID = callID
			elicit.ToolName = toolName
			e.emit(ctx, types.StreamEvent{Type: types.EventElicitRequest, Elicit: &elicit})
			return false
		case tool.PluginResult:
			if !e.emit(ctx, types.StreamEvent{
				Type:     types.EventToolResult,
				CallID:   callID,
				ToolName: toolName,
				Output:   ev.Output,
			}) {
				return false
			}
			e.upsertToolMessage(callID, toolName, ev.Output)
		case tool.PluginCancelled:
			if !e.emitToolError(ctx, callID, toolName, "Cancelled") {
				return false
			}
		default:
			if !e.emitToolError(ctx, callID, toolName, ev.Err) {
				return false
			}
		}
	}
	return true
}

// processClientOutputs settles phase-2 handoff completions. Each output
// becomes a tool result (or error) merged into the transcript by call
// id; failures are per-call, never fatal.
func (e *Engine) processClientOutputs(ctx context.Context) bool {
	for _, out := range e.req.IsomorphicClientOutputs {
		output, err := e.executor.ResumeClientOutput(ctx, out)
		if err != nil {
			if !e.emitToolError(ctx, out.CallID, out.ToolName, err.Error()) {
				return false
			}
			continue
		}
		if !e.emit(ctx, types.StreamEvent{
			Type:     types.EventToolResult,
			CallID:   out.CallID,
			ToolName: out.ToolName,
			Output:   output,
		}) {
			return false
		}
		e.upsertToolMessage(out.CallID, out.ToolName, output)
	}
	return true
}

func (e *Engine) emitToolError(ctx context.Context, callID, toolName, msg string) bool {
	if !e.emit(ctx, types.StreamEvent{
		Type:     types.EventToolError,
		CallID:   callID,
		ToolName: toolName,
		Message:  msg,
	}) {
		return false
	}
	e.upsertToolMessage(callID, toolName, "Error: "+msg)
	return true
}

// upsertToolMessage merges a tool result into the transcript: an
// existing tool message for the call is updated in place, otherwise one
// is appended.
func (e *Engine) upsertToolMessage(callID, toolName, content string) {
	for i := range e.transcript {
		m := &e.transcript[i]
		if m.Role == types.RoleTool && m.ToolCallID == callID {
			m.Content = content
			return
		}
	}
	e.transcript = append(e.transcript, types.Message{
		Role:       types.RoleTool,
		Content:    content,
		ToolCallID: callID,
		ToolName:   toolName,
	})
}

// loop is the agentic loop: call the provider, dispatch tool calls,
// repeat until a text-only response or the iteration limit.
func (e *Engine) loop(ctx context.Context) {
	for {
		e.iteration++
		if e.iteration > e.maxIter {
			e.fatal(ctx, "Max tool iterations reached")
			return
		}

		final, err := e.completeOnce(ctx)
		if err != nil {
			e.fatal(ctx, err.Error())
			return
		}

		assistant := provider.FromEinoMessage(final)
		e.transcript = append(e.transcript, assistant)

		if len(assistant.ToolCalls) == 0 {
			e.emit(ctx, types.StreamEvent{
				Type:  types.EventComplete,
				Text:  assistant.Content,
				Usage: &e.usage,
			})
			return
		}

		if !e.emit(ctx, types.StreamEvent{Type: types.EventToolCalls, ToolCalls: assistant.ToolCalls}) {
			return
		}

		tc := &tool.Context{SessionID: e.sessionID, Persona: e.persona.Name}
		outcomes := e.executor.ExecuteBatch(ctx, assistant.ToolCalls, tc)

		if !e.settleOutcomes(ctx, outcomes) {
			return
		}
	}
}

// completeOnce makes one provider call, relaying text and thinking
// deltas as they arrive, and returns the concatenated final message.
// The call open is retried with backoff; retries do not count against
// the iteration limit.
func (e *Engine) completeOnce(ctx context.Context) (*schema.Message, error) {
	req := &provider.CompletionRequest{
		Messages: provider.ToEinoMessages(e.transcript),
		Tools:    provider.ToEinoTools(e.tools.List()),
	}

	var stream *provider.CompletionStream
	retry := newRetryBackoff(ctx)
	for {
		var err error
		stream, err = e.prov.CreateCompletion(ctx, req)
		if err == nil {
			break
		}
		next := retry.NextBackOff()
		if next == backoff.Stop {
			return nil, err
		}
		logging.Warn().Str("sessionID", e.sessionID).Err(err).Dur("retryIn", next).
			Msg("provider call failed, retrying")
		time.Sleep(next)
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if msg.Content != "" {
			if !e.emit(ctx, types.StreamEvent{Type: types.EventText, Text: msg.Content}) {
				return nil, ctx.Err()
			}
		}
		if msg.ReasoningContent != "" {
			if !e.emit(ctx, types.StreamEvent{Type: types.EventThinking, Text: msg.ReasoningContent}) {
				return nil, ctx.Err()
			}
		}
		chunks = append(chunks, msg)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("provider returned an empty stream")
	}

	final, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, err
	}
	if final.ResponseMeta != nil && final.ResponseMeta.Usage != nil {
		e.usage.Add(&types.Usage{
			InputTokens:  final.ResponseMeta.Usage.PromptTokens,
			OutputTokens: final.ResponseMeta.Usage.CompletionTokens,
		})
	}
	return final, nil
}

// settleOutcomes flushes a batch of tool outcomes. Completed results
// flush first in call order; a plugin elicitation or a client handoff
// then suspends the turn. Returns false when the turn is over.
func (e *Engine) settleOutcomes(ctx context.Context, outcomes []tool.Outcome) bool {
	var handoffs []tool.Outcome
	var awaiting []tool.Outcome

	for _, out := range outcomes {
		switch out.Kind {
		case tool.OutcomeResult:
			if !e.emit(ctx, types.StreamEvent{
				Type:     types.EventToolResult,
				CallID:   out.CallID,
				ToolName: out.ToolName,
				Output:   out.Output,
			}) {
				return false
			}
			e.upsertToolMessage(out.CallID, out.ToolName, out.Output)
		case tool.OutcomeError:
			if !e.emitToolError(ctx, out.CallID, out.ToolName, out.Err) {
				return false
			}
		case tool.OutcomeHandoff:
			handoffs = append(handoffs, out)
		case tool.OutcomeAwaiting:
			awaiting = append(awaiting, out)
		}
	}

	if len(awaiting) > 0 {
		for _, out := range awaiting {
			if !e.emit(ctx, types.StreamEvent{Type: types.EventElicitRequest, Elicit: out.Elicit}) {
				return false
			}
		}
		return false
	}

	if len(handoffs) > 0 {
		pending := make([]types.ToolCall, 0, len(handoffs))
		partial := make(map[string]string, len(outcomes))
		for _, out := range outcomes {
			if out.Kind == tool.OutcomeResult {
				partial[out.CallID] = out.Output
			}
		}
		for _, out := range handoffs {
			pending = append(pending, types.ToolCall{
				ID:        out.CallID,
				Name:      out.ToolName,
				Arguments: out.Params,
			})
			if out.ServerOutput != nil {
				partial[out.CallID] = *out.ServerOutput
			} else {
				partial[out.CallID] = ""
			}
			if !e.emit(ctx, types.StreamEvent{
				Type: types.EventIsomorphicHandoff,
				Handoff: &types.HandoffEvent{
					CallID:       out.CallID,
					ToolName:     out.ToolName,
					Params:       out.Params,
					ServerOutput: out.ServerOutput,
					Payload:      out.Handoff,
					UsesHandoff:  out.UsesHandoff,
				},
			}) {
				return false
			}
		}

		e.emit(ctx, types.StreamEvent{
			Type: types.EventConversationState,
			Conversation: &types.ConversationState{
				Messages:       append([]types.Message(nil), e.transcript...),
				PendingCalls:   pending,
				PartialResults: partial,
			},
		})
		return false
	}

	return true
}
