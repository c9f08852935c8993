package executor

import (
	"fmt"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// Transition is the pure state function of the leg machine. One
// goroutine owns each machine for its lifetime and feeds it events in
// order, so the function needs no locking; anything not in the table
// is a programming error surfaced as ErrBadTransition.
//
// Partial fills are normalized by the caller: a leg1 partial at or
// above the viability floor arrives as EventLeg1Partial, below it as
// EventLeg1Failed.
func Transition(state domain.LegState, kind domain.ArbEventKind) (domain.LegState, error) {
	switch state {
	case domain.LegStateIdle:
		if kind == domain.EventSubmitLeg1 {
			return domain.LegStateLeg1Submitted, nil
		}

	case domain.LegStateLeg1Submitted:
		switch kind {
		case domain.EventLeg1Filled, domain.EventLeg1Partial:
			return domain.LegStateLeg1Filled, nil
		case domain.EventLeg1Failed:
			return domain.LegStateAborted, nil
		}

	case domain.LegStateLeg1Filled:
		if kind == domain.EventSubmitLeg2 {
			return domain.LegStateLeg2Submitted, nil
		}

	case domain.LegStateLeg2Submitted:
		switch kind {
		case domain.EventLeg2Filled:
			return domain.LegStateBothFilled, nil
		case domain.EventLeg2Partial, domain.EventLeg2Failed:
			return domain.LegStateHedgeNeeded, nil
		}

	case domain.LegStateHedgeNeeded:
		switch kind {
		case domain.EventHedgeDone:
			return domain.LegStateBothFilled, nil
		case domain.EventHedgeFailed:
			return domain.LegStateClosedAtLoss, nil
		}

	case domain.LegStateBothFilled:
		switch kind {
		case domain.EventMergeDone:
			return domain.LegStateMerged, nil
		case domain.EventMergeFailed:
			return domain.LegStateClosedAtLoss, nil
		}
	}

	return state, fmt.Errorf("executor: %s on %s: %w", kind, state, domain.ErrBadTransition)
}
