package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketPrice(t *testing.T) {
	spec := TicketPriceTool(DefaultFares)

	out, err := spec.Execute(context.Background(), map[string]any{"destination_city": " London "})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"destination_city": " London ", "price": "799€"}, out)

	out, err = spec.Execute(context.Background(), map[string]any{"destination_city": "Berlín"})
	require.NoError(t, err)
	assert.Equal(t, "499€", out.(map[string]any)["price"])

	out, err = spec.Execute(context.Background(), map[string]any{"destination_city": "Atlantis"})
	require.NoError(t, err)
	assert.Equal(t, UnknownPrice, out.(map[string]any)["price"])
}

func TestCurrentTime(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	spec := CurrentTimeTool(func() time.Time { return fixed })

	out, err := spec.Execute(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T12:00:00Z", out.(map[string]any)["time"])

	_, err = spec.Execute(context.Background(), map[string]any{"timezone": "Mars/Olympus"})
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r, err := Registry(TicketPrice)
	require.NoError(t, err)
	assert.Equal(t, []string{TicketPrice}, r.Names())

	_, err = Registry("lookup_price")
	assert.Error(t, err)

	assert.Equal(t, []string{CurrentTime, TicketPrice}, Names())
	assert.True(t, Known(CurrentTime))
}
