package domain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMicrosConversions(t *testing.T) {
	assert.Equal(t, Micros(450_000), MicrosFromCents(45))
	assert.Equal(t, int64(45), MicrosFromCents(45).Cents())
	assert.Equal(t, Micros(20_000), MicrosFromFloat(0.02))
	assert.InDelta(t, 0.45, MicrosFromCents(45).Float(), 1e-9)
	assert.Equal(t, big.NewInt(10_000_000), Dollar.MulQty(10).USDC())
}

func TestMicrosComplement(t *testing.T) {
	assert.Equal(t, Micros(550_000), MicrosFromCents(45).Complement())
	assert.Equal(t, Micros(0), Dollar.Complement())
}

func TestMicrosString(t *testing.T) {
	assert.Equal(t, "0.450000", MicrosFromCents(45).String())
	assert.Equal(t, "-1.500000", Micros(-1_500_000).String())
	assert.Equal(t, "inf", NoLiquidity.String())
}

func TestNoLiquiditySentinel(t *testing.T) {
	assert.True(t, NoLiquidity.IsNoLiquidity())
	assert.False(t, Dollar.IsNoLiquidity())
	assert.True(t, NoLiquidity > Dollar)
}

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, int64(18), CeilDiv(173_250, 10_000))
	assert.Equal(t, int64(17), CeilDiv(170_000, 10_000))
	assert.Equal(t, int64(1), CeilDiv(1, 10_000))
	assert.Equal(t, int64(0), CeilDiv(0, 10_000))
	assert.Equal(t, int64(-1), CeilDiv(-5_000, 10_000))
}
