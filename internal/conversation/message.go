// Package conversation holds the shared data model of a multi-party dialogue:
// messages, tool requests and results, backend replies, and the append-only
// transcript every participant reads from.
package conversation

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// HumanAuthor is the author recorded for messages submitted by the caller.
const HumanAuthor = "user"

// Message is one transcript entry. Seq is assigned by the Transcript on
// append and is never reused.
type Message struct {
	Seq        int         `json:"seq"`
	Role       Role        `json:"role"`
	Author     string      `json:"author"`
	Content    string      `json:"content"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ToolCall is a backend's request to run a named tool with arguments.
// Malformed holds the raw argument text when the backend sent something
// that is not a JSON object.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Malformed string         `json:"malformed,omitempty"`
}

// ToolResult answers exactly one ToolCall. Either Payload or Failure is set.
type ToolResult struct {
	Call    ToolCall `json:"call"`
	Payload any      `json:"payload,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

func (r ToolResult) OK() bool { return r.Failure == nil }

// Encode returns the JSON text a backend reads as the tool output.
func (r ToolResult) Encode() string {
	var v any = r.Payload
	if r.Failure != nil {
		v = map[string]any{"error": r.Failure}
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]any{"error": Failure{
			Kind:   FailureToolExecution,
			Tool:   r.Call.Name,
			Detail: "result is not json encodable: " + err.Error(),
		}})
	}
	return string(b)
}

type FailureKind string

const (
	FailureUnknownTool      FailureKind = "unknown_tool"
	FailureInvalidArguments FailureKind = "invalid_arguments"
	FailureToolExecution    FailureKind = "tool_execution_error"
)

// Failure is the recoverable reason a tool call produced no payload. It is
// built only from the request and the error, so equal inputs give equal values.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Tool   string      `json:"tool"`
	Detail string      `json:"detail"`
}

func (f Failure) Error() string {
	return string(f.Kind) + ": " + f.Tool + ": " + f.Detail
}

// Clone returns a deep copy so callers cannot mutate transcript entries.
func (m Message) Clone() Message {
	out := m
	if m.ToolResult != nil {
		tr := *m.ToolResult
		tr.Call = m.ToolResult.Call.Clone()
		tr.Payload = cloneValue(m.ToolResult.Payload)
		if m.ToolResult.Failure != nil {
			f := *m.ToolResult.Failure
			tr.Failure = &f
		}
		out.ToolResult = &tr
	}
	return out
}

func (c ToolCall) Clone() ToolCall {
	out := c
	out.Arguments = cloneMap(c.Arguments)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
