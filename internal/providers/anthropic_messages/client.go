package anthropic_messages

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"roundtable/internal/conversation"
	"roundtable/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultVersion   = "2023-06-01"
	defaultMaxTokens = 1024
)

type Config struct {
	Name       string
	BaseURL    string
	APIKey     string
	Version    string
	Headers    map[string]string
	HTTPClient *http.Client
	Persona    providers.Persona
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	return &Client{cfg: cfg}
}

var _ providers.Backend = (*Client)(nil)

func (c *Client) Send(ctx context.Context, history []conversation.Message) (conversation.Reply, error) {
	body, err := c.buildPayload(history)
	if err != nil {
		return nil, providers.InvalidResponse(c.cfg.Name, err)
	}

	headers := map[string]string{
		"x-api-key":         "{{api_key}}",
		"anthropic-version": c.cfg.Version,
	}
	for k, v := range c.cfg.Headers {
		headers[k] = v
	}

	respBody, err := providers.DoJSON(ctx, c.cfg.HTTPClient, providers.HTTPRequest{
		Provider: c.cfg.Name,
		URL:      c.endpointURL(),
		APIKey:   c.cfg.APIKey,
		Headers:  headers,
		Body:     body,
	})
	if err != nil {
		return nil, err
	}

	reply, err := parseMessages(respBody)
	if err != nil {
		return nil, providers.InvalidResponse(c.cfg.Name, err)
	}
	return reply, nil
}

func (c *Client) endpointURL() string {
	base := strings.TrimSuffix(strings.TrimSpace(c.cfg.BaseURL), "/")
	if strings.HasSuffix(base, "/messages") {
		return base
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/messages"
	}
	return base + "/v1/messages"
}

type message struct {
	Role    string           `json:"role"`
	Content []map[string]any `json:"content"`
}

func (c *Client) buildPayload(history []conversation.Message) ([]byte, error) {
	p := c.cfg.Persona
	system := []string{}
	if strings.TrimSpace(p.SystemPrompt) != "" {
		system = append(system, p.SystemPrompt)
	}

	var messages []message
	push := func(role string, block map[string]any) {
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, block)
			return
		}
		messages = append(messages, message{Role: role, Content: []map[string]any{block}})
	}

	for _, t := range providers.Perspective(history, p.Name) {
		switch {
		case t.Role == conversation.RoleSystem:
			system = append(system, t.Content)
		case t.Call != nil:
			input := t.Call.Arguments
			if input == nil {
				input = map[string]any{}
			}
			push("assistant", map[string]any{"type": "tool_use", "id": t.Call.ID, "name": t.Call.Name, "input": input})
		case t.Role == conversation.RoleTool:
			push("user", map[string]any{"type": "tool_result", "tool_use_id": t.CallID, "content": t.Content})
		case t.Role == conversation.RoleAssistant:
			push("assistant", map[string]any{"type": "text", "text": t.Content})
		default:
			push("user", map[string]any{"type": "text", "text": t.Content})
		}
	}
	if len(messages) == 0 || messages[0].Role != "user" {
		messages = append([]message{{Role: "user", Content: []map[string]any{{"type": "text", "text": "(conversation start)"}}}}, messages...)
	}

	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	payload := map[string]any{
		"model":      p.Model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if len(system) > 0 {
		payload["system"] = strings.Join(system, "\n\n")
	}
	if p.Temperature > 0 {
		payload["temperature"] = p.Temperature
	}
	if len(p.Tools) > 0 {
		defs := make([]map[string]any, 0, len(p.Tools))
		for _, d := range p.Tools {
			defs = append(defs, map[string]any{
				"name":         d.Name,
				"description":  d.Description,
				"input_schema": d.Schema,
			})
		}
		payload["tools"] = defs
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal messages payload: %w", err)
	}
	return b, nil
}

func parseMessages(body []byte) (conversation.Reply, error) {
	var resp struct {
		Content []struct {
			Type  string         `json:"type"`
			Text  string         `json:"text"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode messages response: %w", err)
	}

	var (
		texts []string
		calls []conversation.ToolCall
	)
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if strings.TrimSpace(block.Text) != "" {
				texts = append(texts, block.Text)
			}
		case "tool_use":
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			calls = append(calls, conversation.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	text := strings.Join(texts, "\n")

	if len(calls) > 0 {
		return conversation.ToolRequest{Content: text, Calls: calls}, nil
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("missing text in messages response (stop_reason %q)", resp.StopReason)
	}
	return conversation.Final{Content: text}, nil
}
