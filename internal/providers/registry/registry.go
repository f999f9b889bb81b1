// Package registry turns a stored provider row and a persona into a
// ready-to-use Backend.
package registry

import (
	"fmt"
	"net/http"
	"strings"

	"roundtable/internal/providers"
	"roundtable/internal/providers/anthropic_messages"
	"roundtable/internal/providers/custom_http"
	"roundtable/internal/providers/openai_compat"
	"roundtable/internal/providers/scripted"
)

const (
	KindOpenAICompat = "openai_compat"
	KindAnthropic    = "anthropic"
	KindCustomHTTP   = "custom_http"
	KindScripted     = "scripted"
)

type BuildOptions struct {
	// Provider is the provider name; it labels errors and metrics.
	Provider   string
	Kind       string
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	Config     map[string]any
	HTTPClient *http.Client
	Persona    providers.Persona
}

// NormalizeKind maps accepted spellings to the canonical kind, or returns
// "" for unknown kinds.
func NormalizeKind(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "openai_compat", "openai-compatible", "openai":
		return KindOpenAICompat
	case "anthropic", "anthropic_messages", "claude":
		return KindAnthropic
	case "custom_http", "custom-http":
		return KindCustomHTTP
	case "scripted", "echo":
		return KindScripted
	}
	return ""
}

func Build(opts BuildOptions) (providers.Backend, error) {
	if opts.Config == nil {
		opts.Config = map[string]any{}
	}
	name := opts.Provider
	if name == "" {
		name = opts.Kind
	}

	switch NormalizeKind(opts.Kind) {
	case KindOpenAICompat:
		return openai_compat.New(openai_compat.Config{
			Name:       name,
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			Headers:    opts.Headers,
			Endpoint:   stringOr(opts.Config, "endpoint", "chat_completions"),
			HTTPClient: opts.HTTPClient,
			Persona:    opts.Persona,
		}), nil

	case KindAnthropic:
		return anthropic_messages.New(anthropic_messages.Config{
			Name:       name,
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			Version:    stringOr(opts.Config, "version", ""),
			Headers:    opts.Headers,
			HTTPClient: opts.HTTPClient,
			Persona:    opts.Persona,
		}), nil

	case KindCustomHTTP:
		c, err := custom_http.New(custom_http.Config{
			Name:         name,
			URL:          opts.BaseURL,
			APIKey:       opts.APIKey,
			Headers:      opts.Headers,
			BodyTemplate: stringOr(opts.Config, "body_template", ""),
			Method:       stringOr(opts.Config, "method", http.MethodPost),
			HTTPClient:   opts.HTTPClient,
			Persona:      opts.Persona,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		return c, nil

	case KindScripted:
		return scripted.New(opts.Persona.Name), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

func stringOr(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}
