package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, map[string]any) (any, error) { return "ok", nil }

func priceSpec() Spec {
	return Spec{
		Name:        "get_ticket_price",
		Description: "price lookup",
		Params: map[string]Param{
			"destination_city": {Type: TypeString, Required: true},
			"class":            {Type: TypeString, Enum: []string{"economy", "business"}},
			"passengers":       {Type: TypeInteger},
		},
		Execute: noop,
	}
}

func TestNewRegistryRejectsBadSpecs(t *testing.T) {
	cases := map[string][]Spec{
		"empty name":   {{Name: "", Execute: noop}},
		"invalid name": {{Name: "has space", Execute: noop}},
		"nil execute":  {{Name: "a"}},
		"bad type":     {{Name: "a", Execute: noop, Params: map[string]Param{"x": {Type: "date"}}}},
		"enum on int":  {{Name: "a", Execute: noop, Params: map[string]Param{"x": {Type: TypeInteger, Enum: []string{"1"}}}}},
		"duplicate":    {{Name: "a", Execute: noop}, {Name: "a", Execute: noop}},
	}
	for name, specs := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRegistry(specs...)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestRegistryLookupAndDefinitions(t *testing.T) {
	r, err := NewRegistry(priceSpec(), Spec{Name: "current_time", Execute: noop})
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"current_time", "get_ticket_price"}, r.Names())

	_, ok := r.Lookup("lookup_price")
	assert.False(t, ok)

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "get_ticket_price", defs[1].Name)
	schema := defs[1].Schema
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, false, schema["additionalProperties"])
	assert.Equal(t, []any{"destination_city"}, schema["required"])

	_, hasRequired := defs[0].Schema["required"]
	assert.False(t, hasRequired)
}

func TestDefinitionsAreCopies(t *testing.T) {
	r, err := NewRegistry(priceSpec())
	require.NoError(t, err)

	defs := r.Definitions()
	defs[0].Schema["type"] = "array"
	defs[0].Schema["properties"].(map[string]any)["destination_city"] = nil

	again := r.Definitions()
	assert.Equal(t, "object", again[0].Schema["type"])
	assert.NotNil(t, again[0].Schema["properties"].(map[string]any)["destination_city"])
}

func TestValidate(t *testing.T) {
	r, err := NewRegistry(priceSpec())
	require.NoError(t, err)

	assert.NoError(t, r.Validate("get_ticket_price", map[string]any{"destination_city": "Paris"}))
	assert.NoError(t, r.Validate("get_ticket_price", map[string]any{"destination_city": "Paris", "passengers": float64(2)}))

	err = r.Validate("get_ticket_price", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "destination_city")

	err = r.Validate("get_ticket_price", map[string]any{"destination_city": 42})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "destination_city")

	err = r.Validate("get_ticket_price", map[string]any{"destination_city": "Paris", "seat": "12A"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seat")

	err = r.Validate("get_ticket_price", map[string]any{"destination_city": "Paris", "class": "first"})
	require.Error(t, err)

	err = r.Validate("lookup_price", map[string]any{})
	assert.True(t, errors.Is(err, ErrUnknownTool))
}

func TestValidateIsDeterministic(t *testing.T) {
	r, err := NewRegistry(priceSpec())
	require.NoError(t, err)

	args := map[string]any{"passengers": "two", "class": "first", "extra": true}
	first := r.Validate("get_ticket_price", args)
	require.Error(t, first)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first.Error(), r.Validate("get_ticket_price", args).Error())
	}
}

func TestNilRegistryIsEmpty(t *testing.T) {
	var r *Registry
	assert.Equal(t, 0, r.Len())
	_, ok := r.Lookup("x")
	assert.False(t, ok)
	assert.ErrorIs(t, r.Validate("x", nil), ErrUnknownTool)
	assert.Equal(t, 0, Empty().Len())
}
