package domain

import (
	"fmt"
	"math"
	"math/big"
)

// Micros is a fixed-point dollar amount with 6 decimal places
// (1 Micros = $0.000001). It matches USDC's 6-decimal representation,
// so one collateral unit on chain equals one Micros. All price and
// money arithmetic in the engine happens in Micros; float64 appears
// only at display and config boundaries.
type Micros int64

const (
	// Cent is one cent in Micros. Kalshi prices are whole-cent multiples.
	Cent Micros = 10_000
	// Dollar is one dollar in Micros, and the payout of a resolved pair.
	Dollar Micros = 1_000_000
	// NoLiquidity marks a book side with no resting orders. Any
	// comparison against a real price treats it as unbeatably expensive.
	NoLiquidity Micros = math.MaxInt64
)

// MicrosFromCents converts a whole-cent amount (Kalshi wire format).
func MicrosFromCents(cents int64) Micros {
	return Micros(cents) * Cent
}

// MicrosFromFloat converts a decimal dollar amount, rounding to the
// nearest micro. Only for config and API boundaries.
func MicrosFromFloat(v float64) Micros {
	return Micros(math.Round(v * 1e6))
}

// Cents returns the amount in whole cents, truncating toward zero.
func (m Micros) Cents() int64 {
	return int64(m / Cent)
}

// Float returns the display value in dollars.
func (m Micros) Float() float64 {
	if m == NoLiquidity {
		return math.Inf(1)
	}
	return float64(m) / 1e6
}

// USDC returns the amount as raw USDC token units (6 decimals).
func (m Micros) USDC() *big.Int {
	return big.NewInt(int64(m))
}

// MulQty multiplies a per-contract amount by a contract count.
func (m Micros) MulQty(qty int64) Micros {
	return m * Micros(qty)
}

// MulBps scales the amount by a basis-point factor, truncating toward
// zero. 10_000 bps is identity.
func (m Micros) MulBps(bps int64) Micros {
	return Micros(int64(m) * bps / 10_000)
}

// Complement returns 1.00 minus the price. Meaningful only for
// probability prices in [0, 1.00].
func (m Micros) Complement() Micros {
	return Dollar - m
}

// IsNoLiquidity reports whether the value is the empty-side sentinel.
func (m Micros) IsNoLiquidity() bool {
	return m == NoLiquidity
}

func (m Micros) String() string {
	if m == NoLiquidity {
		return "inf"
	}
	neg := ""
	v := int64(m)
	if v < 0 {
		neg = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", neg, v/1_000_000, v%1_000_000)
}

// CeilDiv divides a by b rounding away from zero. b must be positive.
func CeilDiv(a, b int64) int64 {
	if a >= 0 {
		return (a + b - 1) / b
	}
	return -((-a + b - 1) / b)
}
