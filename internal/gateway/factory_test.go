package gateway

import (
	"testing"

	"fibswing/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSourcesEnabledOnly(t *testing.T) {
	sources, err := NewSources(config.MarketConfig{
		Yahoo: config.YahooConfig{Enabled: true, PollSeconds: 30},
	})
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "yahoo", sources["yahoo"].Name())

	src, err := Pick(sources, "", "Yahoo")
	require.NoError(t, err)
	assert.Equal(t, "yahoo", src.Name())

	_, err = Pick(sources, "binance", "yahoo")
	assert.Error(t, err)
	assert.NoError(t, CloseAll(sources))
}

func TestNewSourcesRequiresOne(t *testing.T) {
	_, err := NewSources(config.MarketConfig{})
	assert.Error(t, err)
}
