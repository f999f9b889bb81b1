package tools

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var ErrUnknownTool = errors.New("tool is not registered")

type entry struct {
	spec   Spec
	doc    map[string]any
	schema *gojsonschema.Schema
}

// Registry is an immutable set of tools. It is safe for concurrent reads.
type Registry struct {
	entries map[string]entry
	names   []string
}

// NewRegistry compiles every spec's parameter schema up front so argument
// validation never fails for configuration reasons at call time.
func NewRegistry(specs ...Spec) (*Registry, error) {
	r := &Registry{entries: make(map[string]entry, len(specs))}
	for _, s := range specs {
		if err := s.check(); err != nil {
			return nil, err
		}
		if _, dup := r.entries[s.Name]; dup {
			return nil, &ConfigurationError{Tool: s.Name, Reason: "duplicate tool name"}
		}
		doc := schemaDocument(s.Params)
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
		if err != nil {
			return nil, &ConfigurationError{Tool: s.Name, Reason: fmt.Sprintf("compile schema: %v", err)}
		}
		r.entries[s.Name] = entry{spec: s, doc: doc, schema: compiled}
		r.names = append(r.names, s.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Empty returns a registry without tools.
func Empty() *Registry {
	return &Registry{entries: map[string]entry{}}
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.names)
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.names...)
}

func (r *Registry) Lookup(name string) (Spec, bool) {
	if r == nil {
		return Spec{}, false
	}
	e, ok := r.entries[name]
	return e.spec, ok
}

// Definitions lists the advertised form of every tool, sorted by name.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	out := make([]Definition, 0, len(r.names))
	for _, n := range r.names {
		e := r.entries[n]
		out = append(out, Definition{Name: n, Description: e.spec.Description, Schema: copyDoc(e.doc)})
	}
	return out
}

// Validate checks args against the named tool's schema. The returned error
// lists every violation in sorted order.
func (r *Registry) Validate(name string, args map[string]any) error {
	if r == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("validate arguments: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, re := range res.Errors() {
		msgs = append(msgs, re.String())
	}
	sort.Strings(msgs)
	return errors.New(strings.Join(msgs, "; "))
}

func schemaDocument(params map[string]Param) map[string]any {
	props := make(map[string]any, len(params))
	required := []string{}
	for name, p := range params {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			enum := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		props[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, v := range required {
			req[i] = v
		}
		doc["required"] = req
	}
	return doc
}

func copyDoc(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case map[string]any:
			out[k] = copyDoc(t)
		case []any:
			out[k] = append([]any(nil), t...)
		default:
			out[k] = v
		}
	}
	return out
}
