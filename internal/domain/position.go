package domain

import "time"

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position is contracts held on one outcome of one market. Matched
// Yes+No pairs from a completed arb either merge back to collateral
// (Polymarket) or ride to resolution (Kalshi); unmatched residue from
// aborted or loss-closed attempts stays open here until an operator
// deals with it.
type Position struct {
	ID         string
	ArbID      string
	Venue      Venue
	MarketID   string
	TokenID    string
	Outcome    Outcome
	Qty        int64
	EntryPrice Micros
	ExitPrice  *Micros
	Status     PositionStatus
	OpenedAt   time.Time
	ClosedAt   *time.Time
}

// CostBasis is the capital spent opening the position.
func (p Position) CostBasis() Micros {
	return p.EntryPrice.MulQty(p.Qty)
}
