package domain

import (
	"fmt"
	"time"
)

// PairKind classifies which venues the two legs of a spread touch.
type PairKind string

const (
	PairIntraPolymarket PairKind = "intra_polymarket"
	PairIntraKalshi     PairKind = "intra_kalshi"
	PairCrossPlatform   PairKind = "cross_platform"
)

// SpreadSignal is a detected negative spread: buying one Yes and one
// No contract locks in a payout of $1.00 at resolution for less than
// $1.00 all-in. All amounts are per contract unless suffixed Total.
type SpreadSignal struct {
	ID       string
	PairKind PairKind

	// Yes leg.
	YesVenue    Venue
	YesMarketID string
	YesTokenID  string // Polymarket only
	YesAsk      Micros

	// No leg.
	NoVenue    Venue
	NoMarketID string
	NoTokenID  string
	NoAsk      Micros

	// Qty is the largest quantity (whole contracts) executable at an
	// aggregate edge at or above the threshold, after the depth walk.
	Qty int64

	// Per-leg fee estimates, needed to reserve capital on the right
	// venue. FeePerContract is their sum.
	YesFeePerContract Micros
	NoFeePerContract  Micros
	FeePerContract    Micros
	GasPerContract    Micros
	NetEdge           Micros // per contract, costs deducted
	Threshold         Micros // threshold the edge cleared

	ConditionID string // set when both legs share a CTF condition (mergeable)
	NegRisk     bool   // condition lives on the neg-risk CTF adapter
	DetectedAt  time.Time
	ExpiresAt   time.Time
}

// CostPerPair is the combined ask price of one Yes plus one No contract.
func (s SpreadSignal) CostPerPair() Micros {
	return s.YesAsk + s.NoAsk
}

// Fingerprint identifies the opportunity independently of the signal
// ID: the same pair at the same price levels fingerprints identically
// on every re-emission, which is what execution dedup keys on.
func (s SpreadSignal) Fingerprint() string {
	return fmt.Sprintf("%s:%s@%d|%s:%s@%d",
		s.YesVenue, s.YesMarketID, s.YesAsk,
		s.NoVenue, s.NoMarketID, s.NoAsk)
}

// Mergeable reports whether both fills can be merged on chain back to
// collateral (both legs Polymarket, same condition).
func (s SpreadSignal) Mergeable() bool {
	return s.PairKind == PairIntraPolymarket && s.ConditionID != ""
}

// Markets returns the distinct market keys the signal touches.
func (s SpreadSignal) Markets() []MarketKey {
	yes := MarketKey{Venue: s.YesVenue, MarketID: s.YesMarketID}
	no := MarketKey{Venue: s.NoVenue, MarketID: s.NoMarketID}
	if yes == no {
		return []MarketKey{yes}
	}
	return []MarketKey{yes, no}
}

// RiskVerdict is the outcome of running a signal through the risk gates.
type RiskVerdict struct {
	SignalID   string
	Approved   bool
	Qty        int64  // possibly reduced by the sizer
	Constraint string // which gate bound the size or caused rejection
	Reason     string
	DecidedAt  time.Time
}

// BotStatus is a summary of the engine's operational state, published
// to the dashboard feed and the status endpoint.
type BotStatus struct {
	Mode            string
	LiveTrading     bool
	Draining        bool
	KalshiFeedUp    bool
	PolymarketUp    bool
	UptimeSeconds   int64
	TrackedBooks    int
	InflightArbs    int
	SignalsDetected int64
	SignalsApproved int64
}
