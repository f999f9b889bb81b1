package conversation

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// WriteText renders msgs as a plain-text log grouped into rounds. A round
// ends when an author who already spoke in it speaks again.
func WriteText(w io.Writer, title string, msgs []Message) error {
	bw := bufio.NewWriter(w)
	if title == "" {
		title = "CONVERSATION"
	}
	fmt.Fprintf(bw, "=== %s ===\n\n", strings.ToUpper(title))

	for _, round := range Rounds(msgs) {
		if round.Opening != nil {
			fmt.Fprintf(bw, "CONTEXT:\n%s\n\n", round.Opening.Content)
		}
		if len(round.Messages) == 0 {
			continue
		}
		fmt.Fprintf(bw, "--- ROUND %d ---\n", round.Number)
		for _, m := range round.Messages {
			switch m.Role {
			case RoleTool:
				name, body := toolLine(m)
				fmt.Fprintf(bw, "  [%s %s] %s\n\n", m.Author, name, body)
			case RoleSystem:
				fmt.Fprintf(bw, "(system) %s\n\n", m.Content)
			default:
				fmt.Fprintf(bw, "%s: %s\n\n", m.Author, m.Content)
			}
		}
		bw.WriteString(strings.Repeat("-", 50) + "\n\n")
	}
	return bw.Flush()
}

// WriteMarkdown renders msgs as a markdown document with one section per round.
func WriteMarkdown(w io.Writer, title string, msgs []Message) error {
	bw := bufio.NewWriter(w)
	if title == "" {
		title = "Conversation"
	}
	fmt.Fprintf(bw, "# %s\n\n", title)

	for _, round := range Rounds(msgs) {
		if round.Opening != nil {
			fmt.Fprintf(bw, "> %s\n\n", round.Opening.Content)
		}
		if len(round.Messages) == 0 {
			continue
		}
		fmt.Fprintf(bw, "## Round %d\n\n", round.Number)
		for _, m := range round.Messages {
			if m.Role == RoleTool {
				name, body := toolLine(m)
				fmt.Fprintf(bw, "- `%s` called by %s: `%s`\n\n", name, m.Author, body)
				continue
			}
			fmt.Fprintf(bw, "**%s**: %s\n\n", m.Author, m.Content)
		}
	}
	return bw.Flush()
}

// toolLine tolerates tool messages restored without a result, such as rows
// written by hand or by an older schema.
func toolLine(m Message) (name, body string) {
	if m.ToolResult == nil {
		return "tool", m.Content
	}
	return m.ToolResult.Call.Name, m.ToolResult.Encode()
}

type Round struct {
	Number   int
	Opening  *Message
	Messages []Message
}

// Rounds groups msgs for display. Leading user or system messages become the
// Opening of the first round; a participant's tool results belong to the
// round of the final message that follows them, together with any text the
// participant sent alongside the tool request.
func Rounds(msgs []Message) []Round {
	var out []Round
	cur := Round{Number: 1}
	speakers := map[string]bool{}
	for i := range msgs {
		m := msgs[i]
		if len(out) == 0 && len(cur.Messages) == 0 && cur.Opening == nil && m.Role != RoleAssistant && m.Role != RoleTool {
			cur.Opening = &m
			continue
		}
		if (m.Role == RoleAssistant || m.Role == RoleTool) && speakers[m.Author] && !sameStep(cur.Messages, m) {
			out = append(out, cur)
			cur = Round{Number: cur.Number + 1}
			speakers = map[string]bool{}
		}
		if m.Role == RoleAssistant {
			speakers[m.Author] = true
		}
		cur.Messages = append(cur.Messages, m)
	}
	if cur.Opening != nil || len(cur.Messages) > 0 {
		out = append(out, cur)
	}
	return out
}

// sameStep reports whether m continues the tool exchange of the message
// before it.
func sameStep(prev []Message, m Message) bool {
	if len(prev) == 0 {
		return false
	}
	last := prev[len(prev)-1]
	return last.Author == m.Author && (last.Role == RoleTool || m.Role == RoleTool)
}
