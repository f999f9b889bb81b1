package custom_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"roundtable/internal/conversation"
	"roundtable/internal/providers"
)

type Config struct {
	Name         string
	URL          string
	APIKey       string
	Headers      map[string]string
	BodyTemplate string
	Method       string
	HTTPClient   *http.Client
	Persona      providers.Persona
}

// Client talks to an arbitrary JSON endpoint. It never advertises tools, so
// every reply is a final message.
type Client struct {
	cfg Config
	tpl *template.Template
}

func New(cfg Config) (*Client, error) {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Name == "" {
		cfg.Name = "custom_http"
	}
	c := &Client{cfg: cfg}
	if strings.TrimSpace(cfg.BodyTemplate) != "" {
		tpl, err := template.New("custom_http_body").Option("missingkey=zero").Funcs(template.FuncMap{
			"json": func(v any) (string, error) {
				b, err := json.Marshal(v)
				return string(b), err
			},
		}).Parse(cfg.BodyTemplate)
		if err != nil {
			return nil, fmt.Errorf("parse body template: %w", err)
		}
		c.tpl = tpl
	}
	return c, nil
}

var _ providers.Backend = (*Client)(nil)

func (c *Client) Send(ctx context.Context, history []conversation.Message) (conversation.Reply, error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return nil, providers.InvalidResponse(c.cfg.Name, fmt.Errorf("custom http url is empty"))
	}
	body, err := c.renderBody(history)
	if err != nil {
		return nil, providers.InvalidResponse(c.cfg.Name, err)
	}

	respBody, err := providers.DoJSON(ctx, c.cfg.HTTPClient, providers.HTTPRequest{
		Provider: c.cfg.Name,
		Method:   c.cfg.Method,
		URL:      c.cfg.URL,
		APIKey:   c.cfg.APIKey,
		Headers:  c.cfg.Headers,
		Body:     body,
	})
	if err != nil {
		return nil, err
	}

	text, err := extractText(respBody)
	if err != nil {
		return nil, providers.InvalidResponse(c.cfg.Name, err)
	}
	return conversation.Final{Content: text}, nil
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Client) renderBody(history []conversation.Message) ([]byte, error) {
	p := c.cfg.Persona
	turns := providers.Perspective(history, p.Name)

	messages := make([]wireMessage, 0, len(turns))
	var transcript strings.Builder
	for _, t := range turns {
		role, content := string(t.Role), t.Content
		switch {
		case t.Call != nil:
			role, content = "assistant", fmt.Sprintf("(calling %s %s)", t.Call.Name, providers.EncodeArguments(*t.Call))
		case t.Role == conversation.RoleTool:
			role, content = "user", fmt.Sprintf("(%s returned %s)", t.Name, t.Content)
		}
		messages = append(messages, wireMessage{Role: role, Content: content})
		fmt.Fprintf(&transcript, "%s: %s\n", role, content)
	}
	prompt := ""
	if n := len(messages); n > 0 {
		prompt = messages[n-1].Content
	}

	if c.tpl == nil {
		payload := map[string]any{
			"model":         p.Model,
			"system_prompt": p.SystemPrompt,
			"prompt":        prompt,
			"messages":      messages,
			"max_tokens":    p.MaxTokens,
			"temperature":   p.Temperature,
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal custom payload: %w", err)
		}
		return b, nil
	}

	var buf bytes.Buffer
	if err := c.tpl.Execute(&buf, map[string]any{
		"Model":        p.Model,
		"SystemPrompt": p.SystemPrompt,
		"UserPrompt":   prompt,
		"Messages":     messages,
		"Transcript":   transcript.String(),
		"MaxTokens":    p.MaxTokens,
		"Temperature":  p.Temperature,
		"APIKey":       c.cfg.APIKey,
	}); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	return buf.Bytes(), nil
}

func extractText(body []byte) (string, error) {
	var simple map[string]any
	if err := json.Unmarshal(body, &simple); err != nil {
		trimmed := strings.TrimSpace(string(body))
		if trimmed != "" {
			return trimmed, nil
		}
		return "", fmt.Errorf("decode custom response: %w", err)
	}

	for _, key := range []string{"text", "response", "answer", "output_text"} {
		if v, ok := simple[key].(string); ok && strings.TrimSpace(v) != "" {
			return v, nil
		}
	}

	if choices, ok := simple["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			if msg, ok := c0["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok && strings.TrimSpace(content) != "" {
					return content, nil
				}
			}
			if text, ok := c0["text"].(string); ok && strings.TrimSpace(text) != "" {
				return text, nil
			}
		}
	}

	if content, ok := simple["content"].([]any); ok && len(content) > 0 {
		if c0, ok := content[0].(map[string]any); ok {
			if text, ok := c0["text"].(string); ok && strings.TrimSpace(text) != "" {
				return text, nil
			}
		}
	}

	return "", fmt.Errorf("custom response does not contain text field")
}
