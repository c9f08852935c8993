package risk

import (
	"fmt"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// Sizing constraint labels recorded on verdicts so the audit trail
// shows which bound clipped the quantity or caused a rejection.
const (
	ConstraintDepth         = "depth"
	ConstraintPositionCap   = "position_cap"
	ConstraintBalancePct    = "balance_percent"
	ConstraintCrossFactor   = "cross_factor"
	ConstraintInsufficient  = "insufficient_funds"
	ConstraintInvalidPrice  = "invalid_price"
	ConstraintVenueDown     = "venue_down"
	ConstraintOpenLeg       = "open_leg"
	ConstraintMaxConcurrent = "max_concurrent"
	ConstraintWhitelist     = "whitelist"
	ConstraintDraining      = "draining"
)

// SizerConfig bounds how much capital a single arb may commit.
type SizerConfig struct {
	// MaxPositionSize caps the total pair cost of one arb.
	MaxPositionSize domain.Micros
	// BalanceFractionBps caps pair cost at this fraction of the
	// constraining venue's free balance, in basis points.
	BalanceFractionBps int64
	// CrossSizeFactorBps scales cross-venue quantities down, in basis
	// points. 10_000 means no reduction.
	CrossSizeFactorBps int64
}

// SizeResult is the outcome of the capital sizing step.
type SizeResult struct {
	Qty        int64
	MaxCost    domain.Micros
	Constraint string
}

// ValidatePairPrices rejects asks outside the open interval (0, 1.00)
// and pairs whose combined cost is not below one dollar. A pair at or
// above 1.00 guarantees a loss before fees and must never reach sizing.
func ValidatePairPrices(yesAsk, noAsk domain.Micros) error {
	if yesAsk <= 0 || yesAsk >= domain.Dollar {
		return fmt.Errorf("risk: yes ask %s: %w", yesAsk, domain.ErrInvalidPrice)
	}
	if noAsk <= 0 || noAsk >= domain.Dollar {
		return fmt.Errorf("risk: no ask %s: %w", noAsk, domain.ErrInvalidPrice)
	}
	if yesAsk+noAsk >= domain.Dollar {
		return fmt.Errorf("risk: pair cost %s >= 1.00: %w", yesAsk+noAsk, domain.ErrInvalidPrice)
	}
	return nil
}

// ComputeSize converts available capital into a contract quantity.
// The pair cost bound is the smaller of the absolute per-trade cap and
// the configured fraction of the venue's free balance. When both bounds
// agree the cap wins the attribution. Quantity is floored, never
// rounded up.
func ComputeSize(costPerPair, freeBalance domain.Micros, cfg SizerConfig) SizeResult {
	if costPerPair <= 0 {
		return SizeResult{Constraint: ConstraintInvalidPrice}
	}

	fromBalance := freeBalance.MulBps(cfg.BalanceFractionBps)
	maxCost := cfg.MaxPositionSize
	constraint := ConstraintPositionCap
	if fromBalance < maxCost {
		maxCost = fromBalance
		constraint = ConstraintBalancePct
	}

	qty := int64(maxCost) / int64(costPerPair)
	if qty < 1 {
		return SizeResult{MaxCost: maxCost, Constraint: ConstraintInsufficient}
	}
	return SizeResult{Qty: qty, MaxCost: maxCost, Constraint: constraint}
}
