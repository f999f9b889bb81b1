// Package scripted is an offline Backend that replays canned replies. The
// CLI uses it for dry runs; tests use it to drive the engine.
package scripted

import (
	"context"
	"fmt"
	"sync"

	"roundtable/internal/conversation"
	"roundtable/internal/providers"
)

// Step is one scripted outcome: a reply or an error.
type Step struct {
	Reply conversation.Reply
	Err   error
}

func Say(content string) Step { return Step{Reply: conversation.Final{Content: content}} }

func Call(id, name string, args map[string]any) Step {
	return Step{Reply: conversation.ToolRequest{Calls: []conversation.ToolCall{{ID: id, Name: name, Arguments: args}}}}
}

func Fail(err error) Step { return Step{Err: err} }

type Backend struct {
	name string

	mu    sync.Mutex
	steps []Step
	seen  [][]conversation.Message
}

// New replays steps in order. Once they run out, the backend answers with a
// generated line naming itself and the turn number.
func New(name string, steps ...Step) *Backend {
	return &Backend{name: name, steps: steps}
}

var _ providers.Backend = (*Backend)(nil)

func (b *Backend) Send(ctx context.Context, history []conversation.Message) (conversation.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seen = append(b.seen, history)
	call := len(b.seen)
	if call <= len(b.steps) {
		s := b.steps[call-1]
		return s.Reply, s.Err
	}

	last := "nothing"
	if n := len(history); n > 0 {
		last = history[n-1].Author
	}
	return conversation.Final{Content: fmt.Sprintf("%s, turn %d: replying to %s.", b.name, call, last)}, nil
}

// Calls is the number of Send invocations so far.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.seen)
}

// Seen returns the history passed to the i-th call (zero based).
func (b *Backend) Seen(i int) []conversation.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.seen) {
		return nil
	}
	return b.seen[i]
}
