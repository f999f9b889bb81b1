package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"

	"roundtable/internal/providers"
	"roundtable/internal/providers/registry"
	"roundtable/internal/storage"
	"roundtable/internal/tools"
	"roundtable/internal/tools/builtin"
)

// Store is the part of storage.Store that Sync writes to.
type Store interface {
	UpsertProvider(ctx context.Context, p storage.Provider) (int64, error)
	UpsertPersona(ctx context.Context, p storage.Persona) error
	DeletePersonasExcept(ctx context.Context, keep []string) (int64, error)
}

// Sealer encrypts provider secrets before they are stored.
type Sealer interface {
	SealString(provider, secret string) (string, error)
}

type SyncReport struct {
	Providers int
	Personas  int
	Pruned    int64
	// MissingKeys lists providers whose api_key_env variable was empty.
	MissingKeys []string
}

// Sync upserts every provider and persona and drops personas no longer
// declared. API keys are read from the environment and sealed.
func (c *Catalog) Sync(ctx context.Context, store Store, sealer Sealer, getenv func(string) string) (SyncReport, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	var rep SyncReport
	ids := make(map[string]int64, len(c.Providers))

	for _, p := range c.Providers {
		row := storage.Provider{Name: p.Name, Kind: p.Kind, BaseURL: p.BaseURL}
		if p.APIKeyEnv != "" {
			if key := getenv(p.APIKeyEnv); key != "" {
				sealed, err := sealer.SealString(p.Name, key)
				if err != nil {
					return rep, fmt.Errorf("seal api key of %s: %w", p.Name, err)
				}
				row.EncAPIKey = &sealed
			} else {
				rep.MissingKeys = append(rep.MissingKeys, p.Name)
			}
		}
		if len(p.Headers) > 0 {
			raw, err := json.Marshal(p.Headers)
			if err != nil {
				return rep, fmt.Errorf("encode headers of %s: %w", p.Name, err)
			}
			sealed, err := sealer.SealString(p.Name, string(raw))
			if err != nil {
				return rep, fmt.Errorf("seal headers of %s: %w", p.Name, err)
			}
			row.EncHeadersJSON = &sealed
		}
		if len(p.Config) > 0 {
			raw, err := json.Marshal(p.Config)
			if err != nil {
				return rep, fmt.Errorf("encode config of %s: %w", p.Name, err)
			}
			row.ConfigJSON = string(raw)
		}

		id, err := store.UpsertProvider(ctx, row)
		if err != nil {
			return rep, err
		}
		ids[p.Name] = id
		rep.Providers++
	}

	keep := make([]string, 0, len(c.Personas))
	for _, p := range c.Personas {
		err := store.UpsertPersona(ctx, storage.Persona{
			Name:         p.Name,
			ProviderID:   ids[p.Provider],
			Model:        p.Model,
			SystemPrompt: p.SystemPrompt,
			MaxTokens:    p.MaxTokens,
			Temperature:  p.Temperature,
			Tools:        p.Tools,
		})
		if err != nil {
			return rep, err
		}
		keep = append(keep, p.Name)
		rep.Personas++
	}
	sort.Strings(keep)

	pruned, err := store.DeletePersonasExcept(ctx, keep)
	if err != nil {
		return rep, err
	}
	rep.Pruned = pruned
	return rep, nil
}

// BuildOptions resolves a persona straight from the file, reading its API
// key from the environment, and returns the tools it may call. It is used
// where no database is involved.
func (c *Catalog) BuildOptions(persona string, getenv func(string) string, hc *http.Client) (registry.BuildOptions, *tools.Registry, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	pe, ok := c.Persona(persona)
	if !ok {
		return registry.BuildOptions{}, nil, fmt.Errorf("unknown persona %q", persona)
	}
	pr, ok := c.Provider(pe.Provider)
	if !ok {
		return registry.BuildOptions{}, nil, fmt.Errorf("persona %q references unknown provider %q", pe.Name, pe.Provider)
	}
	reg, err := builtin.Registry(pe.Tools...)
	if err != nil {
		return registry.BuildOptions{}, nil, err
	}
	opts := registry.BuildOptions{
		Provider:   pr.Name,
		Kind:       pr.Kind,
		BaseURL:    pr.BaseURL,
		Headers:    pr.Headers,
		Config:     pr.Config,
		HTTPClient: hc,
		Persona: providers.Persona{
			Name:         pe.Name,
			Model:        pe.Model,
			SystemPrompt: pe.SystemPrompt,
			MaxTokens:    pe.MaxTokens,
			Tools:        reg.Definitions(),
		},
	}
	if pe.Temperature != nil {
		opts.Persona.Temperature = *pe.Temperature
	}
	if pr.APIKeyEnv != "" {
		opts.APIKey = getenv(pr.APIKeyEnv)
	}
	return opts, reg, nil
}
