package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"roundtable/internal/conversation"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "roundtable.db")
	s, err := Open(context.Background(), "sqlite3", dsn, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(v string) *string { return &v }

func TestProviderUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id1, err := s.UpsertProvider(ctx, Provider{Name: "openai", Kind: "openai_compat", BaseURL: "https://api.openai.com", EncAPIKey: strPtr(`{"key_id":"k"}`)})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	id2, err := s.UpsertProvider(ctx, Provider{Name: "openai", Kind: "openai_compat", BaseURL: "https://example.test"})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("upsert changed id: %d -> %d", id1, id2)
	}

	p, err := s.GetProviderByName(ctx, "openai")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.BaseURL != "https://example.test" || p.EncAPIKey != nil || p.ConfigJSON != "{}" {
		t.Fatalf("unexpected provider: %+v", p)
	}

	if _, err := s.GetProviderByName(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	list, err := s.ListProviders(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list providers: %v %d", err, len(list))
	}
	if err := s.DeleteProviderByName(ctx, "openai"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteProviderByName(ctx, "openai"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestPersonaWithProvider(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	pid, err := s.UpsertProvider(ctx, Provider{Name: "anthropic", Kind: "anthropic", EncHeadersJSON: strPtr("{}")})
	if err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	temp := 0.7
	if err := s.UpsertPersona(ctx, Persona{Name: "claude", ProviderID: pid, Model: "claude-sonnet", SystemPrompt: "be brief", MaxTokens: 512, Temperature: &temp, Tools: []string{"get_ticket_price"}}); err != nil {
		t.Fatalf("upsert persona: %v", err)
	}
	if err := s.UpsertPersona(ctx, Persona{Name: "plain", ProviderID: pid, Model: "claude-haiku"}); err != nil {
		t.Fatalf("upsert persona: %v", err)
	}

	got, err := s.GetPersonaWithProvider(ctx, "claude")
	if err != nil {
		t.Fatalf("get persona: %v", err)
	}
	if got.Provider.Name != "anthropic" || got.Provider.EncHeadersJSON == nil {
		t.Fatalf("unexpected provider: %+v", got.Provider)
	}
	if got.Temperature == nil || *got.Temperature != 0.7 || got.MaxTokens != 512 {
		t.Fatalf("unexpected persona: %+v", got.Persona)
	}
	if len(got.Tools) != 1 || got.Tools[0] != "get_ticket_price" {
		t.Fatalf("unexpected tools: %v", got.Tools)
	}

	list, err := s.ListPersonas(ctx)
	if err != nil {
		t.Fatalf("list personas: %v", err)
	}
	if len(list) != 2 || list[1].Name != "plain" || list[1].Temperature != nil || len(list[1].Tools) != 0 {
		t.Fatalf("unexpected persona list: %+v", list)
	}

	n, err := s.DeletePersonasExcept(ctx, []string{"claude"})
	if err != nil || n != 1 {
		t.Fatalf("prune: %d %v", n, err)
	}
	if _, err := s.GetPersonaWithProvider(ctx, "plain"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected pruned persona to be gone, got %v", err)
	}
}

func TestSaveSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []conversation.Message{
		{Seq: 1, Role: conversation.RoleUser, Author: conversation.HumanAuthor, Content: "Price to Paris?", CreatedAt: at},
		{Seq: 2, Role: conversation.RoleTool, Author: "agent", CreatedAt: at, ToolResult: &conversation.ToolResult{
			Call:    conversation.ToolCall{ID: "c1", Name: "get_ticket_price", Arguments: map[string]any{"destination_city": "Paris"}},
			Payload: map[string]any{"destination_city": "Paris", "price": "899€"},
		}},
		{Seq: 3, Role: conversation.RoleAssistant, Author: "agent", Content: "899€.", CreatedAt: at},
	}
	rec := SessionRecord{ID: "s-1", ChatID: 42, UserID: 7, Topic: "Price to Paris?", Participants: []string{"agent"}, State: "completed", Turns: 1}
	if err := s.SaveSession(ctx, rec, msgs); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.State != "completed" || got.Turns != 1 || len(got.Participants) != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}

	loaded, err := s.LoadTranscript(ctx, "s-1")
	if err != nil {
		t.Fatalf("load transcript: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(loaded))
	}
	tr := loaded[1].ToolResult
	if tr == nil || tr.Call.ID != "c1" || tr.Encode() != msgs[1].ToolResult.Encode() {
		t.Fatalf("tool result did not survive: %+v", tr)
	}
	if !loaded[2].CreatedAt.Equal(at) || loaded[2].Content != "899€." {
		t.Fatalf("unexpected final message: %+v", loaded[2])
	}

	// Saving again replaces rather than duplicates.
	rec.State = "failed"
	rec.Error = "backend openai: status 500"
	if err := s.SaveSession(ctx, rec, msgs[:1]); err != nil {
		t.Fatalf("resave: %v", err)
	}
	loaded, err = s.LoadTranscript(ctx, "s-1")
	if err != nil || len(loaded) != 1 {
		t.Fatalf("expected 1 message after resave, got %d %v", len(loaded), err)
	}

	list, err := s.ListSessions(ctx, 42, 10)
	if err != nil || len(list) != 1 || list[0].State != "failed" {
		t.Fatalf("unexpected session list: %+v %v", list, err)
	}
	if other, _ := s.ListSessions(ctx, 99, 10); len(other) != 0 {
		t.Fatalf("expected no sessions for another chat, got %d", len(other))
	}
	if _, err := s.LoadTranscript(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLogActionSanitizesMeta(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.LogAction(ctx, AuditEntry{ChatID: 1, UserID: 2, Action: "roundtable", MetaJSON: "{broken"}); err != nil {
		t.Fatalf("log action: %v", err)
	}
	var meta string
	if err := s.DB().QueryRowContext(ctx, "SELECT meta_json FROM audit_log WHERE chat_id = 1").Scan(&meta); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if meta != "{}" {
		t.Fatalf("expected sanitized meta, got %q", meta)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "dsn", false); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}
