package conversation

// Reply is what a backend returns for one call: either a final message or a
// batch of tool requests. The set of implementations is closed.
type Reply interface {
	isReply()
}

// Final ends the participant's turn with a message.
type Final struct {
	Content string
}

// ToolRequest asks the caller to run Calls in order and call back with the
// results. Content carries any text the backend emitted alongside the calls.
type ToolRequest struct {
	Content string
	Calls   []ToolCall
}

func (Final) isReply()       {}
func (ToolRequest) isReply() {}
