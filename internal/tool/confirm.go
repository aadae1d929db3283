package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/chatrelay/chatrelay/pkg/types"
)

// ConfirmTool asks the user to approve an action before the turn
// proceeds. It is a plugin tool: the call suspends on an elicitation
// and resumes on a later request with the user's response.
type ConfirmTool struct{}

// NewConfirmTool creates the confirm tool.
func NewConfirmTool() *ConfirmTool {
	return &ConfirmTool{}
}

func (t *ConfirmTool) Name() string { return "confirm" }
func (t *ConfirmTool) Description() string {
	return "Asks the user a yes/no question and waits for their answer."
}
func (t *ConfirmTool) Authority() Authority { return AuthorityServer }

func (t *ConfirmTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "description": "The question to put to the user"}
		},
		"required": ["prompt"]
	}`)
}

// StartSession opens a suspendable session for one confirmation.
func (t *ConfirmTool) StartSession(ctx context.Context, input json.RawMessage, tc *Context) (PluginSession, error) {
	var params struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Prompt == "" {
		return nil, fmt.Errorf("prompt required")
	}
	return &confirmSession{
		id:     uuid.NewString(),
		prompt: params.Prompt,
	}, nil
}

type confirmSession struct {
	id        string
	prompt    string
	cancelled bool
}

func (s *confirmSession) ID() string { return s.id }

func (s *confirmSession) Resume(ctx context.Context, resp *types.ElicitResponse) (*PluginEvent, error) {
	if s.cancelled {
		return &PluginEvent{Kind: PluginCancelled}, nil
	}

	if resp == nil {
		return &PluginEvent{
			Kind: PluginElicit,
			Elicit: &types.ElicitRequest{
				ElicitID: uuid.NewString(),
				Prompt:   s.prompt,
				Schema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"confirmed": {"type": "boolean"}
					},
					"required": ["confirmed"]
				}`),
			},
		}, nil
	}

	switch resp.Action {
	case "accept":
		var content struct {
			Confirmed bool `json:"confirmed"`
		}
		if len(resp.Content) > 0 {
			if err := json.Unmarshal(resp.Content, &content); err != nil {
				return nil, fmt.Errorf("invalid elicit content: %w", err)
			}
		}
		if content.Confirmed {
			return &PluginEvent{Kind: PluginResult, Output: "User confirmed."}, nil
		}
		return &PluginEvent{Kind: PluginResult, Output: "User declined."}, nil
	case "decline":
		return &PluginEvent{Kind: PluginResult, Output: "User declined."}, nil
	case "cancel":
		return &PluginEvent{Kind: PluginCancelled}, nil
	default:
		return nil, fmt.Errorf("unknown elicit action %q", resp.Action)
	}
}

func (s *confirmSession) Cancel(reason string) {
	s.cancelled = true
}
