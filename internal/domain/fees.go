package domain

// Venue fee math. Everything here is integer arithmetic: fee rounding
// direction is part of the venue contract and float math would drift.

// MaxDynamicFeeBps caps the Polymarket dynamic taker-fee rate (3%).
const MaxDynamicFeeBps = 300

// KalshiTakerFeeCents computes Kalshi's taker fee in whole cents for
// qty contracts at priceCents: ceil(0.07 * qty * P * (1-P)) rounded up
// to the next cent. priceCents must be in [1, 99].
func KalshiTakerFeeCents(qty, priceCents int64) int64 {
	// 0.07*qty*(c/100)*((100-c)/100) dollars == 7*qty*c*(100-c)/10000 cents.
	raw := 7 * qty * priceCents * (100 - priceCents)
	return CeilDiv(raw, 10_000)
}

// KalshiTakerFee is KalshiTakerFeeCents over Micros prices. Kalshi
// prices are whole-cent multiples, so the conversion is exact.
func KalshiTakerFee(qty int64, price Micros) Micros {
	return MicrosFromCents(KalshiTakerFeeCents(qty, price.Cents()))
}

// PolyDynamicFeePerContract computes the per-contract dynamic taker
// fee on short-duration crypto markets: rate * min(P, 1-P), rounded up
// to the next micro. rateBps is clamped to MaxDynamicFeeBps. Standard
// Polymarket markets pay no taker fee; callers pass rateBps = 0.
func PolyDynamicFeePerContract(price Micros, rateBps int64) Micros {
	if rateBps <= 0 {
		return 0
	}
	if rateBps > MaxDynamicFeeBps {
		rateBps = MaxDynamicFeeBps
	}
	p := price
	if c := price.Complement(); c < p {
		p = c
	}
	if p < 0 {
		return 0
	}
	return Micros(CeilDiv(rateBps*int64(p), 10_000))
}

// AmortizePerContract spreads a per-execution cost (a merge
// transaction's gas, a whole-order fee) across qty contracts, rounding
// up so the edge estimate never flatters the trade.
func AmortizePerContract(total Micros, qty int64) Micros {
	if qty <= 0 {
		return total
	}
	return Micros(CeilDiv(int64(total), qty))
}
