package tool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/pkg/types"
)

// scriptedPlugin is a plugin session that elicits once then returns.
type scriptedPlugin struct {
	id        string
	step      int
	cancelled string
}

func (p *scriptedPlugin) ID() string { return p.id }

func (p *scriptedPlugin) Resume(ctx context.Context, resp *types.ElicitResponse) (*PluginEvent, error) {
	if p.cancelled != "" {
		return &PluginEvent{Kind: PluginCancelled}, nil
	}
	p.step++
	switch p.step {
	case 1:
		return &PluginEvent{Kind: PluginElicit, Elicit: &types.ElicitRequest{
			ElicitID: "e1",
			Prompt:   "which one?",
		}}, nil
	default:
		if resp != nil && resp.Action == "decline" {
			return &PluginEvent{Kind: PluginError, Err: "declined"}, nil
		}
		return &PluginEvent{Kind: PluginResult, Output: "chosen:" + string(resp.Content)}, nil
	}
}

func (p *scriptedPlugin) Cancel(reason string) { p.cancelled = reason }

type pluginFake struct {
	fakeTool
	session *scriptedPlugin
}

func (f *pluginFake) StartSession(ctx context.Context, input json.RawMessage, tc *Context) (PluginSession, error) {
	return f.session, nil
}

func TestPluginToolSuspendsOnElicit(t *testing.T) {
	sess := &scriptedPlugin{id: "ps-1"}
	x, store := newExecutor(t, &pluginFake{
		fakeTool: fakeTool{name: "wizard", authority: AuthorityServer},
		session:  sess,
	})

	outs := x.ExecuteBatch(context.Background(), []types.ToolCall{call("c1", "wizard", `{}`)}, &Context{SessionID: "s"})
	require.Len(t, outs, 1)

	out := outs[0]
	assert.Equal(t, OutcomeAwaiting, out.Kind)
	assert.Equal(t, "ps-1", out.PluginSessionID)
	require.NotNil(t, out.Elicit)
	assert.Equal(t, "which one?", out.Elicit.Prompt)
	assert.Equal(t, "c1", out.Elicit.CallID)
	assert.Equal(t, "wizard", out.Elicit.ToolName)
	assert.Equal(t, "ps-1", out.Elicit.PluginSessionID)

	// The suspended session is parked for a later request.
	assert.Equal(t, 1, store.Len())

	got, callID, toolName, err := store.Take("ps-1")
	require.NoError(t, err)
	assert.Same(t, PluginSession(sess), got)
	assert.Equal(t, "c1", callID)
	assert.Equal(t, "wizard", toolName)
	assert.Equal(t, 0, store.Len())
}

func TestPluginStoreAbortCancelsSession(t *testing.T) {
	sess := &scriptedPlugin{id: "ps-2"}
	store := NewPluginStore()
	store.Park(sess, "c9", "wizard")

	callID, toolName, found := store.Abort("ps-2", "user aborted")
	assert.True(t, found)
	assert.Equal(t, "c9", callID)
	assert.Equal(t, "wizard", toolName)
	assert.Equal(t, "user aborted", sess.cancelled)

	_, _, found = store.Abort("ps-2", "again")
	assert.False(t, found)
}

func TestValidateInput(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string"},
			"count": {"type": "integer"},
			"deep": {"type": "object"}
		},
		"required": ["name"]
	}`)

	tests := []struct {
		desc    string
		input   string
		wantErr bool
	}{
		{"valid", `{"name":"x","count":2}`, false},
		{"missing required", `{"count":2}`, true},
		{"wrong type", `{"name":7}`, true},
		{"float for integer", `{"name":"x","count":1.5}`, true},
		{"unknown param passes", `{"name":"x","extra":true}`, false},
		{"not an object", `[1,2]`, true},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			err := ValidateInput(schema, json.RawMessage(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
