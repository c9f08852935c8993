package domain

import (
	"fmt"
	"time"
)

// BookSide names one of the four ladders of a unified binary-market book.
type BookSide string

const (
	SideYesBid BookSide = "yes_bid"
	SideYesAsk BookSide = "yes_ask"
	SideNoBid  BookSide = "no_bid"
	SideNoAsk  BookSide = "no_ask"
)

// BookLevel is a single price level. Qty is in whole contracts.
type BookLevel struct {
	Price Micros
	Qty   int64
}

// OrderBook is the unified view of one binary market: explicit bid and
// ask ladders for both the Yes and No outcomes. Bids are sorted
// descending by price, asks ascending. Books published by the
// normalizer are immutable snapshots.
type OrderBook struct {
	Venue       Venue
	MarketID    string
	YesBids     []BookLevel
	YesAsks     []BookLevel
	NoBids      []BookLevel
	NoAsks      []BookLevel
	LastSeq     uint64
	Provisional bool // true until the first full snapshot lands
	UpdatedAt   time.Time
}

// Key returns the book's venue-scoped market key.
func (b *OrderBook) Key() MarketKey {
	return MarketKey{Venue: b.Venue, MarketID: b.MarketID}
}

// BestYesAsk returns the top of the Yes ask ladder, or NoLiquidity
// with zero qty when the side is empty.
func (b *OrderBook) BestYesAsk() BookLevel {
	return top(b.YesAsks)
}

// BestNoAsk returns the top of the No ask ladder.
func (b *OrderBook) BestNoAsk() BookLevel {
	return top(b.NoAsks)
}

// BestYesBid returns the top of the Yes bid ladder, or zero price and
// qty when the side is empty.
func (b *OrderBook) BestYesBid() BookLevel {
	if len(b.YesBids) == 0 {
		return BookLevel{}
	}
	return b.YesBids[0]
}

// BestNoBid returns the top of the No bid ladder.
func (b *OrderBook) BestNoBid() BookLevel {
	if len(b.NoBids) == 0 {
		return BookLevel{}
	}
	return b.NoBids[0]
}

func top(asks []BookLevel) BookLevel {
	if len(asks) == 0 {
		return BookLevel{Price: NoLiquidity}
	}
	return asks[0]
}

// Ladder returns the named side's levels.
func (b *OrderBook) Ladder(side BookSide) []BookLevel {
	switch side {
	case SideYesBid:
		return b.YesBids
	case SideYesAsk:
		return b.YesAsks
	case SideNoBid:
		return b.NoBids
	case SideNoAsk:
		return b.NoAsks
	}
	return nil
}

// CheckCrossed verifies best_bid <= best_ask - tick on both outcomes.
// A violation means the venue sent malformed data and the book must be
// resnapshotted, never traded.
func (b *OrderBook) CheckCrossed(tick Micros) error {
	if err := checkSide("yes", b.YesBids, b.YesAsks, tick); err != nil {
		return err
	}
	return checkSide("no", b.NoBids, b.NoAsks, tick)
}

func checkSide(outcome string, bids, asks []BookLevel, tick Micros) error {
	if len(bids) == 0 || len(asks) == 0 {
		return nil
	}
	if bids[0].Price > asks[0].Price-tick {
		return fmt.Errorf("%w: %s bid %s vs ask %s", ErrBookCrossed, outcome, bids[0].Price, asks[0].Price)
	}
	return nil
}

// Clone returns a deep copy safe to publish while the source keeps
// mutating.
func (b *OrderBook) Clone() *OrderBook {
	cp := *b
	cp.YesBids = append([]BookLevel(nil), b.YesBids...)
	cp.YesAsks = append([]BookLevel(nil), b.YesAsks...)
	cp.NoBids = append([]BookLevel(nil), b.NoBids...)
	cp.NoAsks = append([]BookLevel(nil), b.NoAsks...)
	return &cp
}

// BookSnapshot is a full four-ladder image from a venue adapter.
type BookSnapshot struct {
	Venue     Venue
	MarketID  string
	Seq       uint64
	YesBids   []BookLevel
	YesAsks   []BookLevel
	NoBids    []BookLevel
	NoAsks    []BookLevel
	Timestamp time.Time
}

// BookDelta is an incremental level change from a venue adapter.
// Qty is the new resting quantity at the price; zero removes the level.
type BookDelta struct {
	Venue     Venue
	MarketID  string
	Seq       uint64
	Side      BookSide
	Price     Micros
	Qty       int64
	Timestamp time.Time
}
