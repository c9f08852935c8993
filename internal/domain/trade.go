package domain

import "time"

// TradeRecord is the append-only log row written for every order
// submission and fill. Replaying the log against the position store
// must reproduce current positions and PnL exactly, so every field
// that feeds either is captured at write time.
type TradeRecord struct {
	ID         int64
	ArbID      string
	SignalID   string
	OrderID    string
	Venue      Venue
	MarketID   string
	Outcome    Outcome
	Side       OrderSide
	Type       OrderType
	LimitPrice Micros
	FillPrice  Micros
	ReqQty     int64
	FillQty    int64
	Fee        Micros
	Gas        Micros
	Role       string // "leg1", "leg2", "hedge", "merge"
	Live       bool
	Timestamp  time.Time
}

// ProfitSummary aggregates realized PnL over a window.
type ProfitSummary struct {
	Since        time.Time
	Until        time.Time
	Attempts     int64
	Merged       int64
	ClosedAtLoss int64
	Aborted      int64
	GrossPnL     Micros
	Fees         Micros
	Gas          Micros
	NetPnL       Micros
}
