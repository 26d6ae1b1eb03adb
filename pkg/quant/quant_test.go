package quant

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndFormat(t *testing.T) {
	v, err := ParseUnits("11.25", 18)
	require.NoError(t, err)
	assert.Equal(t, "11250000000000000000", v.Dec())
	assert.Equal(t, "11.25", Format(v, 18))

	_, err = ParseUnits("0.0000000001", 9)
	assert.Error(t, err, "too many decimals")

	_, err = ParseUnits("-1", 9)
	assert.Error(t, err)
}

func TestPriceDecimals(t *testing.T) {
	tests := []struct {
		price string
		want  int
	}{
		{"12.5", 1},
		{"1", 0},
		{"0.05", -2},
		{"150", 2},
	}
	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			assert.Equal(t, tt.want, PriceDecimals(MustParseUnits(tt.price, 18), 18))
		})
	}
}

func TestToDecimal(t *testing.T) {
	got := ToDecimal(uint256.NewInt(1_500_000_000), 9)
	assert.True(t, got.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, Pow10(3).Eq(uint256.NewInt(1000)))
}
