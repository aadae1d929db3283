package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/persona"
	"github.com/chatrelay/chatrelay/internal/provider"
	"github.com/chatrelay/chatrelay/internal/tool"
	"github.com/chatrelay/chatrelay/pkg/types"
)

// scriptedProvider returns one canned chunk sequence per call.
type scriptedProvider struct {
	mu       sync.Mutex
	rounds   [][]*schema.Message
	calls    int
	requests []*provider.CompletionRequest
}

func (p *scriptedProvider) ID() string { return "scripted" }

func (p *scriptedProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.rounds) {
		return nil, fmt.Errorf("no scripted round %d", p.calls)
	}
	chunks := p.rounds[p.calls]
	p.calls++
	p.requests = append(p.requests, req)
	return provider.NewCompletionStream(schema.StreamReaderFromArray(chunks)), nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func textChunk(text string) *schema.Message {
	return &schema.Message{Role: schema.Assistant, Content: text}
}

func toolChunk(id, name, args string) *schema.Message {
	return &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{{
			ID:       id,
			Function: schema.FunctionCall{Name: name, Arguments: args},
		}},
	}
}

func usageChunk(in, out int) *schema.Message {
	return &schema.Message{
		Role: schema.Assistant,
		ResponseMeta: &schema.ResponseMeta{
			Usage: &schema.TokenUsage{PromptTokens: in, CompletionTokens: out},
		},
	}
}

// echoTool is a server tool that echoes its "text" argument.
type echoTool struct{}

func (echoTool) Name() string               { return "echo" }
func (echoTool) Description() string        { return "echoes input" }
func (echoTool) Authority() tool.Authority  { return tool.AuthorityServer }
func (echoTool) Schema() json.RawMessage    { return nil }
func (echoTool) Run(ctx context.Context, input json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	var in struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(input, &in)
	return &tool.Result{Output: "echo: " + in.Text}, nil
}

// browserTool is client-authority: it can only run on the client.
type browserTool struct{}

func (browserTool) Name() string              { return "browser" }
func (browserTool) Description() string       { return "opens a page on the client" }
func (browserTool) Authority() tool.Authority { return tool.AuthorityClient }
func (browserTool) Schema() json.RawMessage   { return nil }

// promptPlugin elicits once, then returns a result.
type promptPlugin struct{}

func (promptPlugin) Name() string              { return "prompt" }
func (promptPlugin) Description() string       { return "asks the user" }
func (promptPlugin) Authority() tool.Authority { return tool.AuthorityServer }
func (promptPlugin) Schema() json.RawMessage   { return nil }

func (promptPlugin) StartSession(ctx context.Context, input json.RawMessage, tc *tool.Context) (tool.PluginSession, error) {
	return &promptSession{id: "ps-1"}, nil
}

type promptSession struct {
	id      string
	resumed int
}

func (s *promptSession) ID() string { return s.id }

func (s *promptSession) Resume(ctx context.Context, resp *types.ElicitResponse) (*tool.PluginEvent, error) {
	s.resumed++
	if resp == nil {
		return &tool.PluginEvent{
			Kind:   tool.PluginElicit,
			Elicit: &types.ElicitRequest{ElicitID: "e-1", Prompt: "which one?"},
		}, nil
	}
	return &tool.PluginEvent{Kind: tool.PluginResult, Output: "picked: " + string(resp.Content)}, nil
}

func (s *promptSession) Cancel(reason string) {}

func newTestEngine(t *testing.T, req *types.ChatRequest, prov provider.Provider, maxIter int, tools ...tool.Tool) (*Engine, *tool.PluginStore) {
	t.Helper()
	reg := tool.NewRegistry()
	for _, tl := range tools {
		reg.Register(tl)
	}
	plugins := tool.NewPluginStore()
	return New(Params{
		SessionID:     "s-1",
		Request:       req,
		Persona:       &persona.Persona{Name: "default"},
		Provider:      prov,
		Tools:         reg,
		Executor:      tool.NewExecutor(reg, plugins),
		Plugins:       plugins,
		MaxIterations: maxIter,
	}), plugins
}

// collect drains the engine to the end of its stream.
func collect(t *testing.T, e *Engine) ([]types.StreamEvent, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []types.StreamEvent
	for {
		ev, ok, err := e.Next(ctx)
		if !ok {
			return events, err
		}
		events = append(events, ev)
	}
}

func kinds(events []types.StreamEvent) []types.EventType {
	out := make([]types.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func userTurn(text string) *types.ChatRequest {
	return &types.ChatRequest{Messages: []types.Message{{Role: types.RoleUser, Content: text}}}
}

func TestTextOnlyTurn(t *testing.T) {
	prov := &scriptedProvider{rounds: [][]*schema.Message{
		{textChunk("Hello "), textChunk("world"), usageChunk(10, 2)},
	}}
	e, _ := newTestEngine(t, userTurn("hi"), prov, 0)

	events, err := collect(t, e)
	require.NoError(t, err)
	require.Equal(t, []types.EventType{
		types.EventSessionInfo, types.EventText, types.EventText, types.EventComplete,
	}, kinds(events))

	assert.Equal(t, "s-1", events[0].SessionInfo.SessionID)
	assert.Equal(t, "Hello ", events[1].Text)
	assert.Equal(t, "world", events[2].Text)

	done := events[3]
	assert.Equal(t, "Hello world", done.Text)
	require.NotNil(t, done.Usage)
	assert.Equal(t, 10, done.Usage.InputTokens)
	assert.Equal(t, 2, done.Usage.OutputTokens)
}

func TestToolRoundTrip(t *testing.T) {
	prov := &scriptedProvider{rounds: [][]*schema.Message{
		{toolChunk("c1", "echo", `{"text":"hi"}`)},
		{textChunk("done"), usageChunk(5, 1)},
	}}
	e, _ := newTestEngine(t, userTurn("run echo"), prov, 0, echoTool{})

	events, err := collect(t, e)
	require.NoError(t, err)
	require.Equal(t, []types.EventType{
		types.EventSessionInfo, types.EventToolCalls, types.EventToolResult,
		types.EventText, types.EventComplete,
	}, kinds(events))

	res := events[2]
	assert.Equal(t, "c1", res.CallID)
	assert.Equal(t, "echo: hi", res.Output)

	// Second provider call sees the user turn, the assistant call and
	// the tool result.
	require.Equal(t, 2, prov.callCount())
	second := prov.requests[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, schema.Assistant, second[1].Role)
	assert.Equal(t, schema.Tool, second[2].Role)
	assert.Equal(t, "echo: hi", second[2].Content)
	assert.Equal(t, "c1", second[2].ToolCallID)
}

func TestMaxIterationsIsFatal(t *testing.T) {
	prov := &scriptedProvider{rounds: [][]*schema.Message{
		{toolChunk("c1", "echo", `{"text":"a"}`)},
		{toolChunk("c2", "echo", `{"text":"b"}`)},
		{toolChunk("c3", "echo", `{"text":"c"}`)},
	}}
	e, _ := newTestEngine(t, userTurn("loop"), prov, 2, echoTool{})

	events, err := collect(t, e)
	require.Error(t, err)

	last := events[len(events)-1]
	require.Equal(t, types.EventError, last.Type)
	assert.Equal(t, "Max tool iterations reached", last.Error.Message)
	assert.False(t, last.Error.Recoverable)

	// The limit bounds provider calls, not tool batches.
	assert.Equal(t, 2, prov.callCount())
}

func TestClientAuthorityHandoffSuspends(t *testing.T) {
	prov := &scriptedProvider{rounds: [][]*schema.Message{
		{toolChunk("c1", "browser", `{"url":"x"}`)},
	}}
	e, _ := newTestEngine(t, userTurn("open it"), prov, 0, browserTool{})

	events, err := collect(t, e)
	require.NoError(t, err)
	require.Equal(t, []types.EventType{
		types.EventSessionInfo, types.EventToolCalls,
		types.EventIsomorphicHandoff, types.EventConversationState,
	}, kinds(events))

	ho := events[2].Handoff
	require.NotNil(t, ho)
	assert.Equal(t, "c1", ho.CallID)
	assert.Nil(t, ho.ServerOutput)
	assert.False(t, ho.UsesHandoff)

	state := events[3].Conversation
	require.NotNil(t, state)
	require.Len(t, state.PendingCalls, 1)
	assert.Equal(t, "c1", state.PendingCalls[0].ID)
	assert.Equal(t, "", state.PartialResults["c1"])
	// Snapshot ends with the assistant message holding the pending call.
	last := state.Messages[len(state.Messages)-1]
	assert.Equal(t, types.RoleAssistant, last.Role)
	require.Len(t, last.ToolCalls, 1)
}

func TestPluginElicitSuspends(t *testing.T) {
	prov := &scriptedProvider{rounds: [][]*schema.Message{
		{toolChunk("c1", "prompt", `{}`)},
	}}
	e, plugins := newTestEngine(t, userTurn("ask me"), prov, 0, promptPlugin{})

	events, err := collect(t, e)
	require.NoError(t, err)
	require.Equal(t, []types.EventType{
		types.EventSessionInfo, types.EventToolCalls, types.EventElicitRequest,
	}, kinds(events))

	el := events[2].Elicit
	require.NotNil(t, el)
	assert.Equal(t, "ps-1", el.PluginSessionID)
	assert.Equal(t, "c1", el.CallID)
	assert.Equal(t, "prompt", el.ToolName)
	assert.Equal(t, 1, plugins.Len())
}

func TestElicitResponseResumesTurn(t *testing.T) {
	prov := &scriptedProvider{rounds: [][]*schema.Message{
		{textChunk("thanks"), usageChunk(3, 1)},
	}}
	req := &types.ChatRequest{
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "ask me"},
			{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "c1", Name: "prompt"}}},
		},
		ElicitResponses: []types.ElicitResponse{{
			ElicitID:        "e-1",
			PluginSessionID: "ps-1",
			Action:          "accept",
			Content:         json.RawMessage(`"blue"`),
		}},
	}
	e, plugins := newTestEngine(t, req, prov, 0, promptPlugin{})
	plugins.Park(&promptSession{id: "ps-1", resumed: 1}, "c1", "prompt")

	events, err := collect(t, e)
	require.NoError(t, err)
	require.Equal(t, []types.EventType{
		types.EventSessionInfo, types.EventToolResult,
		types.EventText, types.EventComplete,
	}, kinds(events))

	assert.Equal(t, `picked: "blue"`, events[1].Output)
	assert.Equal(t, 0, plugins.Len())

	// The tool result was folded before the provider call.
	first := prov.requests[0].Messages
	last := first[len(first)-1]
	assert.Equal(t, schema.Tool, last.Role)
	assert.Equal(t, `picked: "blue"`, last.Content)
}

func TestClientOutputsMergeByCallID(t *testing.T) {
	prov := &scriptedProvider{rounds: [][]*schema.Message{
		{textChunk("got it"), usageChunk(3, 1)},
	}}
	req := &types.ChatRequest{
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "open it"},
			{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "c1", Name: "browser"}}},
		},
		IsomorphicClientOutputs: []types.IsomorphicClientOutput{{
			CallID:       "c1",
			ToolName:     "browser",
			ClientOutput: "page loaded",
		}},
	}
	e, _ := newTestEngine(t, req, prov, 0, browserTool{})

	events, err := collect(t, e)
	require.NoError(t, err)
	require.Equal(t, []types.EventType{
		types.EventSessionInfo, types.EventToolResult,
		types.EventText, types.EventComplete,
	}, kinds(events))
	assert.Equal(t, "page loaded", events[1].Output)

	first := prov.requests[0].Messages
	last := first[len(first)-1]
	assert.Equal(t, schema.Tool, last.Role)
	assert.Equal(t, "page loaded", last.Content)
	assert.Equal(t, "c1", last.ToolCallID)
}

func TestMissingPersonaToolsAreFatal(t *testing.T) {
	prov := &scriptedProvider{}
	reg := tool.NewRegistry()
	plugins := tool.NewPluginStore()
	e := New(Params{
		SessionID:    "s-1",
		Request:      userTurn("hi"),
		Persona:      &persona.Persona{Name: "helper"},
		Provider:     prov,
		Tools:        reg,
		MissingTools: []string{"missing_tool"},
		Executor:     tool.NewExecutor(reg, plugins),
		Plugins:      plugins,
	})

	events, err := collect(t, e)
	require.Error(t, err)
	require.Equal(t, []types.EventType{types.EventSessionInfo, types.EventError}, kinds(events))
	assert.Contains(t, events[1].Error.Message, "missing_tool")
	assert.Equal(t, 0, prov.callCount())
}

// stuckProvider blocks in CreateCompletion until released, so an abort
// always lands while the turn is mid-provider-call.
type stuckProvider struct {
	started chan struct{}
	release chan struct{}
}

func (p *stuckProvider) ID() string { return "stuck" }

func (p *stuckProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	close(p.started)
	<-p.release
	return nil, fmt.Errorf("released")
}

func TestAbortDeliversFinalErrorEvent(t *testing.T) {
	prov := &stuckProvider{started: make(chan struct{}), release: make(chan struct{})}
	t.Cleanup(func() { close(prov.release) })
	e, _ := newTestEngine(t, userTurn("hi"), prov, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	info, ok, err := e.Next(ctx)
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, types.EventSessionInfo, info.Type)

	<-prov.started
	cancel()

	ev, ok, err := e.Next(ctx)
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, types.EventError, ev.Type)
	assert.Equal(t, "Aborted", ev.Error.Message)
	assert.False(t, ev.Error.Recoverable)

	_, ok, err = e.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}
