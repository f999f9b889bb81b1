// Package catalog loads the YAML file that declares providers and the
// personas built on them, and mirrors it into storage.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"roundtable/internal/providers/registry"
	"roundtable/internal/tools/builtin"
)

type Provider struct {
	Name      string            `yaml:"name" validate:"required,max=64"`
	Kind      string            `yaml:"kind" validate:"required,oneof=openai_compat anthropic custom_http scripted"`
	BaseURL   string            `yaml:"base_url" validate:"required_unless=Kind scripted,omitempty,url"`
	APIKeyEnv string            `yaml:"api_key_env"`
	Headers   map[string]string `yaml:"headers"`
	Config    map[string]any    `yaml:"config"`
}

type Persona struct {
	Name         string   `yaml:"name" validate:"required,max=64"`
	Provider     string   `yaml:"provider" validate:"required"`
	Model        string   `yaml:"model" validate:"required"`
	SystemPrompt string   `yaml:"system_prompt"`
	MaxTokens    int      `yaml:"max_tokens" validate:"gte=0"`
	Temperature  *float64 `yaml:"temperature" validate:"omitempty,gte=0,lte=2"`
	Tools        []string `yaml:"tools" validate:"dive,required"`
}

type Catalog struct {
	Providers []Provider `yaml:"providers" validate:"required,min=1,dive"`
	Personas  []Persona  `yaml:"personas" validate:"required,min=1,dive"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a catalog. Unknown keys are rejected.
func Parse(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var c Catalog
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("catalog is empty")
		}
		return nil, fmt.Errorf("decode: %w", err)
	}
	for i := range c.Providers {
		if k := registry.NormalizeKind(c.Providers[i].Kind); k != "" {
			c.Providers[i].Kind = k
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks field constraints and cross references.
func (c *Catalog) Validate() error {
	if err := structValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Catalog."), fe.Tag()))
			}
			return fmt.Errorf("invalid catalog: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid catalog: %w", err)
	}

	var problems []string
	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if providers[p.Name] {
			problems = append(problems, fmt.Sprintf("duplicate provider %q", p.Name))
		}
		providers[p.Name] = true
	}
	personas := make(map[string]bool, len(c.Personas))
	for _, p := range c.Personas {
		if personas[strings.ToLower(p.Name)] {
			problems = append(problems, fmt.Sprintf("duplicate persona %q", p.Name))
		}
		personas[strings.ToLower(p.Name)] = true
		if strings.ContainsAny(p.Name, "@, \t\n") {
			problems = append(problems, fmt.Sprintf("persona name %q must not contain spaces, commas or @", p.Name))
		}
		if p.Name == "user" {
			problems = append(problems, `persona name "user" is reserved`)
		}
		if !providers[p.Provider] {
			problems = append(problems, fmt.Sprintf("persona %q references unknown provider %q", p.Name, p.Provider))
		}
		for _, t := range p.Tools {
			if !builtin.Known(t) {
				problems = append(problems, fmt.Sprintf("persona %q references unknown tool %q", p.Name, t))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid catalog: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Catalog) Provider(name string) (Provider, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}

// Persona looks a persona up by name, ignoring case.
func (c *Catalog) Persona(name string) (Persona, bool) {
	for _, p := range c.Personas {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Persona{}, false
}

func (c *Catalog) PersonaNames() []string {
	out := make([]string, 0, len(c.Personas))
	for _, p := range c.Personas {
		out = append(out, p.Name)
	}
	sort.Strings(out)
	return out
}
