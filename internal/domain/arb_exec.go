package domain

import "time"

// LegState is the execution state of one two-leg arbitrage attempt.
// Exactly one machine exists per in-flight attempt, and at most one
// attempt may touch a given (venue, market) at a time.
type LegState string

const (
	LegStateIdle          LegState = "IDLE"
	LegStateLeg1Submitted LegState = "LEG1_SUBMITTED"
	LegStateLeg1Filled    LegState = "LEG1_FILLED"
	LegStateAborted       LegState = "ABORTED"
	LegStateLeg2Submitted LegState = "LEG2_SUBMITTED"
	LegStateBothFilled    LegState = "BOTH_FILLED"
	LegStateHedgeNeeded   LegState = "HEDGE_NEEDED"
	LegStateMerged        LegState = "MERGED"
	LegStateClosedAtLoss  LegState = "CLOSED_AT_LOSS"
)

// Terminal reports whether the state ends the machine. BOTH_FILLED is
// terminal only for pairs with no on-chain merge path (the positions
// are held to resolution).
func (s LegState) Terminal(mergeable bool) bool {
	switch s {
	case LegStateAborted, LegStateMerged, LegStateClosedAtLoss:
		return true
	case LegStateBothFilled:
		return !mergeable
	}
	return false
}

// InFlight reports whether the state blocks new signals touching the
// same markets.
func (s LegState) InFlight() bool {
	switch s {
	case LegStateIdle, LegStateAborted, LegStateMerged, LegStateClosedAtLoss:
		return false
	}
	return true
}

// ArbEventKind drives LegState transitions.
type ArbEventKind string

const (
	EventSubmitLeg1  ArbEventKind = "submit_leg1"
	EventLeg1Filled  ArbEventKind = "leg1_filled"
	EventLeg1Partial ArbEventKind = "leg1_partial"
	EventLeg1Failed  ArbEventKind = "leg1_failed" // reject, timeout, zero fill
	EventSubmitLeg2  ArbEventKind = "submit_leg2"
	EventLeg2Filled  ArbEventKind = "leg2_filled"
	EventLeg2Partial ArbEventKind = "leg2_partial"
	EventLeg2Failed  ArbEventKind = "leg2_failed"
	EventHedgeDone   ArbEventKind = "hedge_done"
	EventHedgeFailed ArbEventKind = "hedge_failed"
	EventMergeDone   ArbEventKind = "merge_done"
	EventMergeFailed ArbEventKind = "merge_failed"
)

// ArbEvent is one input to a leg state machine.
type ArbEvent struct {
	Kind      ArbEventKind
	Qty       int64  // filled contracts, for fill/partial events
	Price     Micros // average fill price
	Fee       Micros
	TxHash    string // merge events
	Err       string
	Timestamp time.Time
}

// LegRecord captures one leg's submitted order and resulting fill.
type LegRecord struct {
	Venue        Venue
	MarketID     string
	TokenID      string
	Outcome      Outcome
	OrderID      string
	LimitPrice   Micros
	RequestedQty int64
	FilledQty    int64
	FilledPrice  Micros
	Fee          Micros
	SubmittedAt  time.Time
	ResolvedAt   time.Time
}

// Arb is the persistent record of one arbitrage attempt: the signal it
// came from, both legs, the hedge if one ran, the merge if one ran,
// and the realized PnL once terminal.
type Arb struct {
	ID          string
	SignalID    string
	PairKind    PairKind
	State       LegState
	Qty         int64 // contracts targeted after risk sizing
	YesLeg      LegRecord
	NoLeg       LegRecord
	HedgeLeg    *LegRecord
	Reserved    Micros // capital reserved at approval
	GasSpent    Micros
	MergeTx     string
	ConditionID string
	PnL         Micros // realized, set in terminal states
	Live        bool   // false when recorded under dry run
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// RealizedPnL computes profit for a completed attempt. Each matched
// Yes+No contract pair pays out $1.00 at resolution (or via merge).
// The hedge leg, when present, tops up whichever outcome leg came up
// short. Fees and gas come off the top; unmatched residue is valued at
// zero, which understates any salvage from closing it manually.
func (a Arb) RealizedPnL() Micros {
	yesQty := a.YesLeg.FilledQty
	noQty := a.NoLeg.FilledQty
	cost := a.YesLeg.FilledPrice.MulQty(yesQty) + a.NoLeg.FilledPrice.MulQty(noQty)
	fees := a.YesLeg.Fee + a.NoLeg.Fee
	if a.HedgeLeg != nil {
		cost += a.HedgeLeg.FilledPrice.MulQty(a.HedgeLeg.FilledQty)
		fees += a.HedgeLeg.Fee
		if a.HedgeLeg.Outcome == OutcomeYes {
			yesQty += a.HedgeLeg.FilledQty
		} else {
			noQty += a.HedgeLeg.FilledQty
		}
	}
	matched := yesQty
	if noQty < matched {
		matched = noQty
	}
	return Dollar.MulQty(matched) - cost - fees - a.GasSpent
}
