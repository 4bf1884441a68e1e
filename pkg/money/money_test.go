package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestRound2Up(t *testing.T) {
	t.Run("rounds away from zero on remainder", func(t *testing.T) {
		assert.True(t, Round2Up(d("1.001")).Equal(d("1.01")))
	})

	t.Run("exact value unchanged", func(t *testing.T) {
		assert.True(t, Round2Up(d("2.50")).Equal(d("2.50")))
	})
}

func TestSellPrice(t *testing.T) {
	t.Run("half-up without points", func(t *testing.T) {
		got := SellPrice(d("1.00"), d("1.5"), d("0.10"), false)
		assert.True(t, got.Equal(d("1.60")), "got %s", got)
	})

	t.Run("ceiling with points enabled", func(t *testing.T) {
		got := SellPrice(d("1.001"), d("1"), d("0"), true)
		assert.True(t, got.Equal(d("1.01")), "got %s", got)
	})
}

func TestMaxProfitableRawCost(t *testing.T) {
	got := MaxProfitableRawCost(d("2.00"), d("1"), d("0"))
	require.True(t, got.LessThan(d("2.00")))
	assert.True(t, got.Equal(d("1.99")), "got %s", got)
}

func TestMinorUnitsRoundTrip(t *testing.T) {
	minor := ToMinorUnits(d("19.99"))
	assert.Equal(t, int64(1999), minor)
	assert.True(t, FromMinorUnits(minor).Equal(d("19.99")))
}
