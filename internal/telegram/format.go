package telegram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"roundtable/internal/conversation"
	"roundtable/internal/orchestrator"
	"roundtable/internal/storage"
)

// Telegram rejects messages above 4096 characters.
const messageLimit = 4000

const toolPreviewLimit = 240

func resultHeader(res orchestrator.Result) string {
	line := fmt.Sprintf("Session %s %s after %d turn(s).", res.SessionID, res.State, res.Turns)
	if res.Err != nil {
		line += "\nReason: " + res.Err.Error()
	}
	return line
}

func recordHeader(rec storage.SessionRecord) string {
	line := fmt.Sprintf("Session %s (%s, %d turn(s), %s)\nTopic: %s",
		rec.ID, rec.State, rec.Turns, strings.Join(rec.Participants, ", "), rec.Topic)
	if rec.Error != "" {
		line += "\nReason: " + rec.Error
	}
	return line
}

// renderTranscript formats messages for a chat. The opening message is
// skipped because the requester already has it.
func renderTranscript(msgs []conversation.Message, skipOpening bool) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i == 0 && skipOpening && m.Author == conversation.HumanAuthor {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		if m.ToolResult != nil {
			fmt.Fprintf(&sb, "[%s used %s] %s", m.Author, m.ToolResult.Call.Name, truncate(m.ToolResult.Encode(), toolPreviewLimit))
			continue
		}
		fmt.Fprintf(&sb, "%s: %s", m.Author, strings.TrimSpace(m.Content))
	}
	return sb.String()
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit]) + "…"
}

// chunk splits text into pieces of at most limit runes, preferring line
// boundaries.
func chunk(text string, limit int) []string {
	if limit <= 0 {
		limit = messageLimit
	}
	var out []string
	var cur []rune
	flush := func() {
		if s := strings.TrimRight(string(cur), "\n"); strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
		cur = cur[:0]
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		r := []rune(line)
		if len(cur)+len(r) <= limit {
			cur = append(cur, r...)
			continue
		}
		flush()
		for len(r) > limit {
			out = append(out, string(r[:limit]))
			r = r[limit:]
		}
		cur = append(cur, r...)
	}
	flush()
	return out
}

// parsePersonaList splits "a,b, c" into names, dropping blanks.
func parsePersonaList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
