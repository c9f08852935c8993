package book

import (
	"sort"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// Ladder helpers. Bids are kept sorted descending by price, asks
// ascending, so index 0 is always top of book.

// applyLevel sets the resting quantity at a price, inserting, updating
// or removing the level while keeping the ladder sorted. A qty of zero
// removes the level.
func applyLevel(levels []domain.BookLevel, price domain.Micros, qty int64, descending bool) []domain.BookLevel {
	i := sort.Search(len(levels), func(i int) bool {
		if descending {
			return levels[i].Price <= price
		}
		return levels[i].Price >= price
	})
	if i < len(levels) && levels[i].Price == price {
		if qty <= 0 {
			return append(levels[:i], levels[i+1:]...)
		}
		levels[i].Qty = qty
		return levels
	}
	if qty <= 0 {
		return levels
	}
	levels = append(levels, domain.BookLevel{})
	copy(levels[i+1:], levels[i:])
	levels[i] = domain.BookLevel{Price: price, Qty: qty}
	return levels
}

// sortLadder normalizes a snapshot ladder into canonical order,
// dropping empty levels.
func sortLadder(levels []domain.BookLevel, descending bool) []domain.BookLevel {
	out := make([]domain.BookLevel, 0, len(levels))
	for _, l := range levels {
		if l.Qty > 0 {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// isBidSide reports whether the ladder sorts descending.
func isBidSide(side domain.BookSide) bool {
	return side == domain.SideYesBid || side == domain.SideNoBid
}
