package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roundtable/internal/crypto"
	"roundtable/internal/storage"
	"roundtable/internal/tools/builtin"
)

const sample = `
providers:
  - name: openai
    kind: openai
    base_url: https://api.openai.com
    api_key_env: TEST_OPENAI_KEY
    config:
      endpoint: chat_completions
  - name: local
    kind: scripted
personas:
  - name: GPT
    provider: openai
    model: gpt-4o-mini
    system_prompt: You are a travel agent.
    temperature: 0.4
    tools: [get_ticket_price]
  - name: Echo
    provider: local
    model: none
`

func TestParseNormalizesAndResolves(t *testing.T) {
	c, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	p, ok := c.Provider("openai")
	require.True(t, ok)
	assert.Equal(t, "openai_compat", p.Kind)

	pe, ok := c.Persona("gpt")
	require.True(t, ok, "persona lookup ignores case")
	assert.Equal(t, "GPT", pe.Name)
	assert.Equal(t, []string{"Echo", "GPT"}, c.PersonaNames())
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader(sample + "    colour: blue\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "colour")
}

func TestValidateReportsFieldNames(t *testing.T) {
	doc := `
providers:
  - name: openai
    kind: openai
personas:
  - name: GPT
    provider: openai
    model: gpt
    temperature: 3
`
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providers[0].base_url")
	assert.Contains(t, err.Error(), "personas[0].temperature")
}

func TestValidateCrossReferences(t *testing.T) {
	doc := `
providers:
  - name: local
    kind: scripted
personas:
  - name: a
    provider: nowhere
    model: m
  - name: A
    provider: local
    model: m
    tools: [teleport]
  - name: two words
    provider: local
    model: m
  - name: user
    provider: local
    model: m
`
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown provider "nowhere"`)
	assert.Contains(t, msg, `duplicate persona "A"`)
	assert.Contains(t, msg, `unknown tool "teleport"`)
	assert.Contains(t, msg, `"two words" must not contain spaces`)
	assert.Contains(t, msg, `"user" is reserved`)
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	require.Error(t, err)
}

func testKeyring(t *testing.T) *crypto.Keyring {
	t.Helper()
	k, err := crypto.NewKeyring("k1", map[string][]byte{"k1": make([]byte, 32)})
	require.NoError(t, err)
	return k
}

func TestSyncWritesSealedRows(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "c.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	keys := testKeyring(t)
	env := map[string]string{"TEST_OPENAI_KEY": "sk-test"}

	rep, err := c.Sync(ctx, store, keys, func(k string) string { return env[k] })
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Providers)
	assert.Equal(t, 2, rep.Personas)
	assert.Empty(t, rep.MissingKeys)

	got, err := store.GetPersonaWithProvider(ctx, "GPT")
	require.NoError(t, err)
	require.NotNil(t, got.Provider.EncAPIKey)
	assert.NotContains(t, *got.Provider.EncAPIKey, "sk-test")
	plain, err := keys.OpenString("openai", *got.Provider.EncAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", plain)
	assert.JSONEq(t, `{"endpoint":"chat_completions"}`, got.Provider.ConfigJSON)

	// Dropping a persona from the file prunes it on the next sync.
	c.Personas = c.Personas[:1]
	rep, err = c.Sync(ctx, store, keys, func(string) string { return "" })
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Pruned)
	assert.Equal(t, []string{"openai"}, rep.MissingKeys)
	_, err = store.GetPersonaWithProvider(ctx, "Echo")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBuildOptionsFromFile(t *testing.T) {
	c, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	opts, reg, err := c.BuildOptions("gpt", func(k string) string { return "key-" + k }, nil)
	require.NoError(t, err)
	assert.Equal(t, "key-TEST_OPENAI_KEY", opts.APIKey)
	assert.Equal(t, "openai_compat", opts.Kind)
	assert.InDelta(t, 0.4, opts.Persona.Temperature, 1e-9)
	assert.Equal(t, []string{builtin.TicketPrice}, reg.Names())
	require.Len(t, opts.Persona.Tools, 1)

	_, _, err = c.BuildOptions("nobody", nil, nil)
	assert.Error(t, err)
}

func TestWatchAppliesValidEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	applied := make(chan *Catalog, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zerolog.Nop(), func(_ context.Context, c *Catalog) error {
			applied <- c
			return nil
		})
	}()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o600))
	time.Sleep(2 * watchDebounce)
	edited := strings.Replace(sample, "model: none", "model: echo-2", 1)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o600))

	select {
	case c := <-applied:
		pe, ok := c.Persona("echo")
		require.True(t, ok)
		assert.Equal(t, "echo-2", pe.Model)
	case <-time.After(5 * time.Second):
		t.Fatal("catalog change was not applied")
	}

	cancel()
	require.NoError(t, <-done)
}
