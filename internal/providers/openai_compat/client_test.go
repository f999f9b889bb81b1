package openai_compat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"roundtable/internal/conversation"
	"roundtable/internal/providers"
	"roundtable/internal/tools"
)

func history() []conversation.Message {
	return []conversation.Message{
		{Seq: 1, Role: conversation.RoleUser, Author: conversation.HumanAuthor, Content: "How much is a ticket to Paris?"},
		{Seq: 2, Role: conversation.RoleAssistant, Author: "claude", Content: "Let GPT check."},
		{Seq: 3, Role: conversation.RoleTool, Author: "gpt", ToolResult: &conversation.ToolResult{
			Call:    conversation.ToolCall{ID: "call_1", Name: "get_ticket_price", Arguments: map[string]any{"destination_city": "Paris"}},
			Payload: map[string]any{"destination_city": "Paris", "price": "899€"},
		}},
	}
}

func TestBuildPayloadChatCompletions(t *testing.T) {
	c := New(Config{BaseURL: "https://api.x.ai/v1", Endpoint: "chat_completions", Persona: providers.Persona{
		Name:         "gpt",
		Model:        "grok-beta",
		SystemPrompt: "You are concise",
		MaxTokens:    123,
		Temperature:  0.4,
		Tools: []tools.Definition{{
			Name:   "get_ticket_price",
			Schema: map[string]any{"type": "object"},
		}},
	}})

	body, endpoint, err := c.buildPayload(history())
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.x.ai/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload struct {
		Model    string           `json:"model"`
		Messages []map[string]any `json:"messages"`
		Tools    []map[string]any `json:"tools"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Model != "grok-beta" {
		t.Fatalf("expected model grok-beta, got %q", payload.Model)
	}
	if len(payload.Messages) != 5 {
		t.Fatalf("expected 5 messages, got %d: %#v", len(payload.Messages), payload.Messages)
	}
	if payload.Messages[0]["role"] != "system" {
		t.Fatalf("expected system prompt first, got %#v", payload.Messages[0])
	}
	if payload.Messages[2]["content"] != "claude says: Let GPT check." {
		t.Fatalf("other participant not rendered as user: %#v", payload.Messages[2])
	}
	if payload.Messages[3]["role"] != "assistant" || payload.Messages[3]["tool_calls"] == nil {
		t.Fatalf("expected assistant tool call, got %#v", payload.Messages[3])
	}
	if payload.Messages[4]["role"] != "tool" || payload.Messages[4]["tool_call_id"] != "call_1" {
		t.Fatalf("expected tool result, got %#v", payload.Messages[4])
	}
	if len(payload.Tools) != 1 {
		t.Fatalf("expected one advertised tool, got %d", len(payload.Tools))
	}
}

func TestBuildPayloadResponsesEndpoint(t *testing.T) {
	c := New(Config{BaseURL: "https://api.openai.com/v1", Endpoint: "responses", Persona: providers.Persona{Name: "gpt", Model: "gpt-4.1"}})

	body, endpoint, err := c.buildPayload(history())
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.openai.com/v1/responses" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}
	var payload struct {
		Input []map[string]any `json:"input"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(payload.Input) != 4 || payload.Input[2]["type"] != "function_call" || payload.Input[3]["type"] != "function_call_output" {
		t.Fatalf("unexpected input %#v", payload.Input)
	}
}

func TestSendParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":null,"tool_calls":[
			{"id":"call_9","type":"function","function":{"name":"get_ticket_price","arguments":"{\"destination_city\":\"Tokyo\"}"}},
			{"id":"call_10","type":"function","function":{"name":"get_ticket_price","arguments":"not json"}}
		]}}]}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test", Persona: providers.Persona{Name: "gpt", Model: "m"}})
	reply, err := c.Send(context.Background(), history())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	req, ok := reply.(conversation.ToolRequest)
	if !ok {
		t.Fatalf("expected tool request, got %T", reply)
	}
	if len(req.Calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(req.Calls))
	}
	if req.Calls[0].Arguments["destination_city"] != "Tokyo" {
		t.Fatalf("unexpected arguments %#v", req.Calls[0].Arguments)
	}
	if req.Calls[1].Malformed != "not json" || req.Calls[1].Arguments != nil {
		t.Fatalf("expected malformed arguments to be preserved, got %#v", req.Calls[1])
	}
}

func TestSendParsesFinalText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"A ticket costs 899€."}}]}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Persona: providers.Persona{Name: "gpt"}})
	reply, err := c.Send(context.Background(), history())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if final, ok := reply.(conversation.Final); !ok || final.Content != "A ticket costs 899€." {
		t.Fatalf("unexpected reply %#v", reply)
	}
}

func TestSendClassifiesStatus(t *testing.T) {
	cases := map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusBadGateway:          true,
		http.StatusUnauthorized:        false,
		http.StatusBadRequest:          false,
		http.StatusInternalServerError: true,
	}
	for status, retryable := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		c := New(Config{Name: "xai", BaseURL: srv.URL, Persona: providers.Persona{Name: "gpt"}})
		_, err := c.Send(context.Background(), history())
		srv.Close()

		var pe *providers.Error
		if !errors.As(err, &pe) {
			t.Fatalf("status %d: expected provider error, got %v", status, err)
		}
		if pe.Status != status || pe.Retryable != retryable || pe.Provider != "xai" {
			t.Fatalf("status %d: unexpected classification %#v", status, pe)
		}
	}
}

func TestParseResponsesAPI(t *testing.T) {
	reply, err := parseResponsesAPI([]byte(`{"output":[{"type":"message","content":[{"text":"hello"}]}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if final, ok := reply.(conversation.Final); !ok || final.Content != "hello" {
		t.Fatalf("unexpected reply %#v", reply)
	}

	reply, err = parseResponsesAPI([]byte(`{"output":[{"type":"function_call","call_id":"c1","name":"current_time","arguments":"{}"}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req, ok := reply.(conversation.ToolRequest); !ok || req.Calls[0].ID != "c1" {
		t.Fatalf("unexpected reply %#v", reply)
	}
}
