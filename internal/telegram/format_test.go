package telegram

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"roundtable/internal/conversation"
	"roundtable/internal/orchestrator"
)

func TestChunkRespectsLimitAndLines(t *testing.T) {
	text := "alpha\nbravo\ncharlie\n" + strings.Repeat("x", 25)
	parts := chunk(text, 12)
	want := []string{"alpha\nbravo", "charlie", "xxxxxxxxxxxx", "xxxxxxxxxxxx", "x"}
	if len(parts) != len(want) {
		t.Fatalf("expected %d parts, got %d: %q", len(want), len(parts), parts)
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Fatalf("part %d: expected %q, got %q", i, want[i], parts[i])
		}
		if utf8.RuneCountInString(parts[i]) > 12 {
			t.Fatalf("part %d exceeds limit: %q", i, parts[i])
		}
	}
}

func TestChunkShortAndEmpty(t *testing.T) {
	if got := chunk("hello", 100); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("unexpected chunks: %q", got)
	}
	if got := chunk("  \n", 100); len(got) != 0 {
		t.Fatalf("blank text should produce no chunks, got %q", got)
	}
}

func TestParsePersonaList(t *testing.T) {
	got := parsePersonaList(" alice, bob,,carol ,")
	want := []string{"alice", "bob", "carol"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if got := parsePersonaList(" , "); len(got) != 0 {
		t.Fatalf("expected no names, got %v", got)
	}
}

func TestCommandParsing(t *testing.T) {
	if got := commandRemainder("/ask"); got != "" {
		t.Fatalf("expected empty remainder, got %q", got)
	}
	first, rest := splitFirstWord(commandRemainder("/roundtable alice,bob   should we\nship it?"))
	if first != "alice,bob" || rest != "should we\nship it?" {
		t.Fatalf("unexpected split %q / %q", first, rest)
	}
	first, rest = splitFirstWord("solo")
	if first != "solo" || rest != "" {
		t.Fatalf("unexpected split %q / %q", first, rest)
	}
}

func TestRenderTranscriptSkipsOpeningAndPreviewsTools(t *testing.T) {
	msgs := []conversation.Message{
		{Role: conversation.RoleUser, Author: conversation.HumanAuthor, Content: "Trip to Paris?"},
		{Role: conversation.RoleTool, Author: "agent", ToolResult: &conversation.ToolResult{
			Call:    conversation.ToolCall{ID: "1", Name: "get_ticket_price"},
			Payload: map[string]any{"price": "899€"},
		}},
		{Role: conversation.RoleAssistant, Author: "agent", Content: " It costs 899€. "},
	}
	got := renderTranscript(msgs, true)
	want := "[agent used get_ticket_price] {\"price\":\"899€\"}\n\nagent: It costs 899€."
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if full := renderTranscript(msgs, false); !strings.HasPrefix(full, "user: Trip to Paris?") {
		t.Fatalf("opening message missing: %q", full)
	}
}

func TestResultHeaderIncludesReason(t *testing.T) {
	h := resultHeader(orchestrator.Result{SessionID: "s1", State: orchestrator.StateFailed, Turns: 2, Err: errors.New("backend down")})
	if h != "Session s1 failed after 2 turn(s).\nReason: backend down" {
		t.Fatalf("unexpected header %q", h)
	}
}

func TestTruncateCountsRunes(t *testing.T) {
	if got := truncate("ééééé", 3); got != "ééé…" {
		t.Fatalf("unexpected truncation %q", got)
	}
	if got := truncate("abc", 3); got != "abc" {
		t.Fatalf("unexpected truncation %q", got)
	}
}
