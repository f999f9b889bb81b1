package providers

import (
	"context"

	"roundtable/internal/conversation"
	"roundtable/internal/tools"
)

// Persona is the per-participant prompt configuration an adapter is built with.
type Persona struct {
	Name         string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Tools        []tools.Definition
}

// Backend is one hosted model speaking as one participant. Send receives
// the transcript prefix visible at call time and must not retain it.
type Backend interface {
	Send(ctx context.Context, history []conversation.Message) (conversation.Reply, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, history []conversation.Message) (conversation.Reply, error)

func (f BackendFunc) Send(ctx context.Context, history []conversation.Message) (conversation.Reply, error) {
	return f(ctx, history)
}
