package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateRiskPerTrade(t *testing.T) {
	s := NewSizer()
	sum := testSummary("s1", "main") // risk_per_trade 0.01

	qty, err := s.Calculate(sum, decimal.NewFromInt(100), decimal.NewFromInt(10000))
	require.NoError(t, err)
	// margin 100 / price 100
	assert.True(t, qty.Equal(decimal.NewFromInt(1)), "qty %s", qty)
}

func TestCalculateFixedAmountWins(t *testing.T) {
	s := NewSizer()
	sum := testSummary("s1", "main")
	sum.FixedAmount = decimal.NewFromInt(200)

	qty, err := s.Calculate(sum, decimal.NewFromInt(100), decimal.NewFromInt(10000))
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.NewFromInt(2)), "fixed margin overrides percent sizing, qty %s", qty)
}

func TestCalculateTruncatesQty(t *testing.T) {
	s := NewSizer()
	sum := testSummary("s1", "main")
	sum.FixedAmount = decimal.NewFromInt(10)

	qty, err := s.Calculate(sum, decimal.NewFromInt(3), decimal.NewFromInt(10000))
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.RequireFromString("3.333333")), "truncated, never rounded up: %s", qty)
}

func TestCalculateRejectsDust(t *testing.T) {
	s := NewSizer()

	sum := testSummary("s1", "main")
	_, err := s.Calculate(sum, decimal.NewFromInt(100), decimal.NewFromInt(50))
	assert.ErrorIs(t, err, ErrPositionTooSmall, "margin 0.50 is below the minimum")

	_, err = s.Calculate(sum, decimal.Zero, decimal.NewFromInt(10000))
	assert.ErrorIs(t, err, ErrPositionTooSmall, "zero price cannot size")
}

func TestMargin(t *testing.T) {
	s := NewSizer()
	m := s.Margin(decimal.RequireFromString("0.5"), decimal.NewFromInt(200))
	assert.True(t, m.Equal(decimal.NewFromInt(100)))
}
