package book

import "github.com/neutralmarkets/spreadbot/internal/domain"

// Kalshi's feed carries resting bids on both outcomes but no asks:
// selling Yes is expressed as bidding No. The unified book needs
// explicit ask ladders, so we derive them by reflection:
//
//	Ask_Yes(p) = 1.00 - Bid_No(1.00 - p)
//	Ask_No(p)  = 1.00 - Bid_Yes(1.00 - p)
//
// with the quantity at each synthetic level equal to the opposing
// bid's quantity. An empty opposing bid side leaves the ask ladder
// empty, which downstream reads as no liquidity.

// reflectAsks converts an opposing bid ladder (sorted descending) into
// a synthetic ask ladder (sorted ascending). The best opposing bid
// maps to the best ask, so descending input yields ascending output
// with no re-sort.
func reflectAsks(opposingBids []domain.BookLevel) []domain.BookLevel {
	if len(opposingBids) == 0 {
		return nil
	}
	asks := make([]domain.BookLevel, len(opposingBids))
	for i, b := range opposingBids {
		asks[i] = domain.BookLevel{Price: b.Price.Complement(), Qty: b.Qty}
	}
	return asks
}

// rebuildSyntheticAsks recomputes both derived ask ladders from the
// current bid ladders. Called after every bid change on a synthetic
// book; the reflection is linear in ladder depth.
func rebuildSyntheticAsks(b *domain.OrderBook) {
	b.YesAsks = reflectAsks(b.NoBids)
	b.NoAsks = reflectAsks(b.YesBids)
}
