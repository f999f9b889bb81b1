package openai_compat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"roundtable/internal/conversation"
	"roundtable/internal/providers"
)

type Config struct {
	// Name identifies the provider in errors and metrics.
	Name       string
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	Endpoint   string
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
	if cfg.Endpoint == "" {
		cfg.Endpoint = "chat_completions"
	}
	if cfg.Name == "" {
		cfg.Name = "openai_compat"
	}
	return &Client{cfg: cfg}
}

var _ providers.Backend = (*Client)(nil)

func (c *Client) Send(ctx context.Context, history []conversation.Message) (conversation.Reply, error) {
	body, endpointURL, err := c.buildPayload(history)
	if err != nil {
		return nil, providers.InvalidResponse(c.cfg.Name, err)
	}

	headers := map[string]string{}
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		headers["Authorization"] = "Bearer {{api_key}}"
	}
	for k, v := range c.cfg.Headers {
		headers[k] = v
	}

	respBody, err := providers.DoJSON(ctx, c.cfg.HTTPClient, providers.HTTPRequest{
		Provider: c.cfg.Name,
		URL:      endpointURL,
		APIKey:   c.cfg.APIKey,
		Headers:  headers,
		Body:     body,
	})
	if err != nil {
		return nil, err
	}

	var reply conversation.Reply
	if isResponsesEndpoint(c.cfg.Endpoint) {
		reply, err = parseResponsesAPI(respBody)
	} else {
		reply, err = parseChatCompletions(respBody)
	}
	if err != nil {
		return nil, providers.InvalidResponse(c.cfg.Name, err)
	}
	return reply, nil
}

func (c *Client) buildPayload(history []conversation.Message) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", err
	}
	p := c.cfg.Persona
	turns := providers.Perspective(history, p.Name)

	if isResponsesEndpoint(c.cfg.Endpoint) {
		payload := map[string]any{
			"model": p.Model,
			"input": responsesInput(p.SystemPrompt, turns),
		}
		if p.MaxTokens > 0 {
			payload["max_output_tokens"] = p.MaxTokens
		}
		if p.Temperature > 0 {
			payload["temperature"] = p.Temperature
		}
		if len(p.Tools) > 0 {
			defs := make([]map[string]any, 0, len(p.Tools))
			for _, d := range p.Tools {
				defs = append(defs, map[string]any{
					"type":        "function",
					"name":        d.Name,
					"description": d.Description,
					"parameters":  d.Schema,
				})
			}
			payload["tools"] = defs
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("marshal responses payload: %w", err)
		}
		return b, endpointURL, nil
	}

	payload := map[string]any{
		"model":    p.Model,
		"messages": chatMessages(p.SystemPrompt, turns),
	}
	if p.MaxTokens > 0 {
		payload["max_tokens"] = p.MaxTokens
	}
	if p.Temperature > 0 {
		payload["temperature"] = p.Temperature
	}
	if len(p.Tools) > 0 {
		defs := make([]map[string]any, 0, len(p.Tools))
		for _, d := range p.Tools {
			defs = append(defs, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        d.Name,
					"description": d.Description,
					"parameters":  d.Schema,
				},
			})
		}
		payload["tools"] = defs
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

func chatMessages(systemPrompt string, turns []providers.Turn) []map[string]any {
	messages := make([]map[string]any, 0, len(turns)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, map[string]any{"role": "system", "content": systemPrompt})
	}
	for _, t := range turns {
		switch {
		case t.Call != nil:
			messages = append(messages, map[string]any{
				"role":    "assistant",
				"content": nil,
				"tool_calls": []map[string]any{{
					"id":   t.Call.ID,
					"type": "function",
					"function": map[string]any{
						"name":      t.Call.Name,
						"arguments": providers.EncodeArguments(*t.Call),
					},
				}},
			})
		case t.Role == conversation.RoleTool:
			messages = append(messages, map[string]any{
				"role":         "tool",
				"tool_call_id": t.CallID,
				"content":      t.Content,
			})
		default:
			messages = append(messages, map[string]any{"role": string(t.Role), "content": t.Content})
		}
	}
	return messages
}

func responsesInput(systemPrompt string, turns []providers.Turn) []map[string]any {
	input := make([]map[string]any, 0, len(turns)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		input = append(input, map[string]any{"role": "system", "content": systemPrompt})
	}
	for _, t := range turns {
		switch {
		case t.Call != nil:
			input = append(input, map[string]any{
				"type":      "function_call",
				"call_id":   t.Call.ID,
				"name":      t.Call.Name,
				"arguments": providers.EncodeArguments(*t.Call),
			})
		case t.Role == conversation.RoleTool:
			input = append(input, map[string]any{
				"type":    "function_call_output",
				"call_id": t.CallID,
				"output":  t.Content,
			})
		default:
			input = append(input, map[string]any{"role": string(t.Role), "content": t.Content})
		}
	}
	return input
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") || strings.HasSuffix(base, "/responses") {
		return base, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if isResponsesEndpoint(c.cfg.Endpoint) {
		u.Path = path + "/responses"
	} else {
		u.Path = path + "/chat/completions"
	}
	return u.String(), nil
}

func parseChatCompletions(body []byte) (conversation.Reply, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content   any `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in chat completion response")
	}
	choice := resp.Choices[0]
	content := choice.Text
	if content == "" {
		content = anyToText(choice.Message.Content)
	}

	if len(choice.Message.ToolCalls) > 0 {
		calls := make([]conversation.ToolCall, 0, len(choice.Message.ToolCalls))
		for _, tc := range choice.Message.ToolCalls {
			args, malformed := providers.DecodeArguments(tc.Function.Arguments)
			calls = append(calls, conversation.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args, Malformed: malformed})
		}
		return conversation.ToolRequest{Content: content, Calls: calls}, nil
	}

	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("missing message content in chat completion response")
	}
	return conversation.Final{Content: content}, nil
}

func parseResponsesAPI(body []byte) (conversation.Reply, error) {
	var resp struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Type      string `json:"type"`
			CallID    string `json:"call_id"`
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
			Content   []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode responses api response: %w", err)
	}

	var (
		texts []string
		calls []conversation.ToolCall
	)
	for _, item := range resp.Output {
		if item.Type == "function_call" {
			args, malformed := providers.DecodeArguments(item.Arguments)
			calls = append(calls, conversation.ToolCall{ID: item.CallID, Name: item.Name, Arguments: args, Malformed: malformed})
			continue
		}
		for _, c := range item.Content {
			if strings.TrimSpace(c.Text) != "" {
				texts = append(texts, c.Text)
			}
		}
	}
	text := resp.OutputText
	if strings.TrimSpace(text) == "" {
		text = strings.Join(texts, "\n")
	}

	if len(calls) > 0 {
		return conversation.ToolRequest{Content: text, Calls: calls}, nil
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("missing output text in responses api response")
	}
	return conversation.Final{Content: text}, nil
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func isResponsesEndpoint(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "responses" || v == "/v1/responses"
}
