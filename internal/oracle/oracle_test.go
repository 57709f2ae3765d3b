package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propdesk/propdesk/internal/domain"
)

func TestParseCryptoScalar(t *testing.T) {
	p, err := Parse("BTC/USD", "50000")
	require.NoError(t, err)
	assert.False(t, p.Prediction)
	assert.Equal(t, 50000.0, p.BySide(domain.SideLong))
}

func TestParsePredictionPair(t *testing.T) {
	p, err := Parse("polymarket:E1", `{"yes":0.99,"no":0.01}`)
	require.NoError(t, err)
	assert.True(t, p.Prediction)
	assert.Equal(t, 0.99, p.BySide(domain.SideYes))
	assert.Equal(t, 0.01, p.BySide(domain.SideNo))
}

func TestParseCorruptValues(t *testing.T) {
	_, err := Parse("BTC/USD", "not-a-number")
	assert.Error(t, err)

	_, err = Parse("kalshi:E2", "not-json")
	assert.Error(t, err)
}
