// Package tools describes local functions a backend may call mid-turn and
// validates call arguments against each tool's declared parameters.
package tools

import (
	"context"
	"fmt"
	"strings"
)

type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

type Param struct {
	Type        ParamType
	Description string
	Required    bool
	Enum        []string
}

// Func runs a tool. Returned values must be JSON encodable. A returned error
// is reported to the backend as a tool_execution_error, never raised further.
type Func func(ctx context.Context, args map[string]any) (any, error)

type Spec struct {
	Name        string
	Description string
	Params      map[string]Param
	Execute     Func
}

// Definition is what adapters advertise to a provider.
type Definition struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ConfigurationError reports a tool set that cannot be used at all.
type ConfigurationError struct {
	Tool   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Tool == "" {
		return "tool configuration: " + e.Reason
	}
	return fmt.Sprintf("tool configuration: %s: %s", e.Tool, e.Reason)
}

func validName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func knownType(t ParamType) bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		return true
	}
	return false
}

func (s Spec) check() error {
	if strings.TrimSpace(s.Name) == "" {
		return &ConfigurationError{Reason: "tool name is empty"}
	}
	if !validName(s.Name) {
		return &ConfigurationError{Tool: s.Name, Reason: "name must match [a-zA-Z0-9_-]{1,64}"}
	}
	if s.Execute == nil {
		return &ConfigurationError{Tool: s.Name, Reason: "execute function is nil"}
	}
	for name, p := range s.Params {
		if strings.TrimSpace(name) == "" {
			return &ConfigurationError{Tool: s.Name, Reason: "parameter name is empty"}
		}
		if !knownType(p.Type) {
			return &ConfigurationError{Tool: s.Name, Reason: fmt.Sprintf("parameter %q has unsupported type %q", name, p.Type)}
		}
		if len(p.Enum) > 0 && p.Type != TypeString {
			return &ConfigurationError{Tool: s.Name, Reason: fmt.Sprintf("parameter %q: enum is only supported for strings", name)}
		}
	}
	return nil
}
