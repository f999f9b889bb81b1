package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"roundtable/internal/conversation"
)

// Turn is one provider-neutral chat entry as seen by a single participant.
type Turn struct {
	Role    conversation.Role
	Content string
	// Call is set on assistant turns that requested a tool.
	Call *conversation.ToolCall
	// CallID and Name are set on tool turns.
	CallID string
	Name   string
}

// Perspective renders history from self's point of view. Own messages stay
// assistant turns; other speakers become user turns prefixed with their
// name. Own tool results expand into a request/result pair, other
// participants' tool results into a one-line note. Nothing is dropped.
func Perspective(history []conversation.Message, self string) []Turn {
	out := make([]Turn, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case conversation.RoleSystem:
			out = append(out, Turn{Role: conversation.RoleSystem, Content: m.Content})

		case conversation.RoleUser:
			out = append(out, Turn{Role: conversation.RoleUser, Content: attributed(m.Author, m.Content)})

		case conversation.RoleAssistant:
			if m.Author == self {
				out = append(out, Turn{Role: conversation.RoleAssistant, Content: m.Content})
				continue
			}
			out = append(out, Turn{Role: conversation.RoleUser, Content: says(m.Author, m.Content)})

		case conversation.RoleTool:
			if m.ToolResult == nil {
				continue
			}
			if m.Author == self {
				call := m.ToolResult.Call.Clone()
				out = append(out,
					Turn{Role: conversation.RoleAssistant, Call: &call},
					Turn{Role: conversation.RoleTool, CallID: call.ID, Name: call.Name, Content: m.ToolResult.Encode()},
				)
				continue
			}
			out = append(out, Turn{
				Role:    conversation.RoleUser,
				Content: fmt.Sprintf("(%s used %s: %s)", m.Author, m.ToolResult.Call.Name, m.ToolResult.Encode()),
			})
		}
	}
	return out
}

func says(author, content string) string {
	return fmt.Sprintf("%s says: %s", author, content)
}

func attributed(author, content string) string {
	if author == "" || author == conversation.HumanAuthor {
		return content
	}
	return says(author, content)
}

// DecodeArguments parses a provider's JSON argument string. Anything that is
// not a JSON object is returned as malformed text instead.
func DecodeArguments(raw string) (map[string]any, string) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, ""
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return nil, raw
	}
	return args, ""
}

// EncodeArguments is the inverse of DecodeArguments for replaying calls.
func EncodeArguments(call conversation.ToolCall) string {
	if call.Malformed != "" {
		return call.Malformed
	}
	if call.Arguments == nil {
		return "{}"
	}
	b, err := json.Marshal(call.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}
