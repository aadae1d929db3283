// Package provider abstracts streaming LLM providers behind the Eino
// chat model framework.
package provider

import (
	"context"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Provider is a streaming chat completion backend.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// CreateCompletion opens a streaming completion for the request.
	CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error)
}

// CompletionRequest is one provider call: the transcript so far plus
// the tool surface.
type CompletionRequest struct {
	Messages    []*schema.Message
	Tools       []*schema.ToolInfo
	MaxTokens   int
	Temperature float64
}

// CompletionStream wraps an Eino stream reader. Recv returns io.EOF at
// the end of the stream.
type CompletionStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// NewCompletionStream creates a stream over an Eino reader.
func NewCompletionStream(reader *schema.StreamReader[*schema.Message]) *CompletionStream {
	return &CompletionStream{reader: reader}
}

// Recv receives the next message chunk.
func (s *CompletionStream) Recv() (*schema.Message, error) {
	return s.reader.Recv()
}

// Close closes the stream.
func (s *CompletionStream) Close() {
	s.reader.Close()
}

// chatModelProvider is the common shape of the eino-backed providers.
type chatModelProvider struct {
	id        string
	chatModel model.ToolCallingChatModel
}

func (p *chatModelProvider) ID() string { return p.id }

func (p *chatModelProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	chatModel := p.chatModel
	if len(req.Tools) > 0 {
		var err error
		chatModel, err = chatModel.WithTools(req.Tools)
		if err != nil {
			return nil, err
		}
	}

	stream, err := chatModel.Stream(ctx, req.Messages)
	if err != nil {
		return nil, err
	}
	return NewCompletionStream(stream), nil
}
