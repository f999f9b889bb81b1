package custom_http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"roundtable/internal/conversation"
	"roundtable/internal/providers"
)

func TestSendWithTemplate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Key") != "secret" {
			t.Errorf("api key placeholder not expanded: %q", r.Header.Get("X-Key"))
		}
		b, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(b, &got); err != nil {
			t.Errorf("body is not json: %s", b)
		}
		_, _ = io.WriteString(w, `{"answer":"Bonjour"}`)
	}))
	defer srv.Close()

	c, err := New(Config{
		URL:          srv.URL,
		APIKey:       "secret",
		Headers:      map[string]string{"X-Key": "{{api_key}}"},
		BodyTemplate: `{"model":{{json .Model}},"input":{{json .UserPrompt}},"history":{{json .Messages}}}`,
		Persona:      providers.Persona{Name: "mistral", Model: "small"},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	reply, err := c.Send(context.Background(), []conversation.Message{
		{Role: conversation.RoleUser, Author: conversation.HumanAuthor, Content: "Say hi"},
		{Role: conversation.RoleAssistant, Author: "gpt", Content: "Hi"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if final, ok := reply.(conversation.Final); !ok || final.Content != "Bonjour" {
		t.Fatalf("unexpected reply %#v", reply)
	}
	if got["model"] != "small" || got["input"] != "gpt says: Hi" {
		t.Fatalf("unexpected rendered body %#v", got)
	}
	if h, ok := got["history"].([]any); !ok || len(h) != 2 {
		t.Fatalf("unexpected history %#v", got["history"])
	}
}

func TestNewRejectsBrokenTemplate(t *testing.T) {
	if _, err := New(Config{BodyTemplate: "{{.Model"}); err == nil {
		t.Fatalf("expected template parse error")
	}
}

func TestExtractText(t *testing.T) {
	cases := []struct{ body, want string }{
		{`{"text":"a"}`, "a"},
		{`{"choices":[{"message":{"content":"b"}}]}`, "b"},
		{`{"content":[{"text":"c"}]}`, "c"},
		{`plain words`, "plain words"},
	}
	for _, tc := range cases {
		got, err := extractText([]byte(tc.body))
		if err != nil || got != tc.want {
			t.Fatalf("extractText(%s) = %q, %v; want %q", tc.body, got, err, tc.want)
		}
	}
	if _, err := extractText([]byte(`{"other":1}`)); err == nil {
		t.Fatalf("expected error for body without text")
	}
}
