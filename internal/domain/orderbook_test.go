package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBestLevelsEmptySides(t *testing.T) {
	b := &OrderBook{Venue: VenuePolymarket, MarketID: "m1"}
	assert.True(t, b.BestYesAsk().Price.IsNoLiquidity())
	assert.True(t, b.BestNoAsk().Price.IsNoLiquidity())
	assert.Equal(t, BookLevel{}, b.BestYesBid())
}

func TestCheckCrossed(t *testing.T) {
	tick := MicrosFromCents(1)
	b := &OrderBook{
		YesBids: []BookLevel{{Price: MicrosFromCents(44), Qty: 5}},
		YesAsks: []BookLevel{{Price: MicrosFromCents(45), Qty: 5}},
	}
	require.NoError(t, b.CheckCrossed(tick))

	b.YesBids[0].Price = MicrosFromCents(45)
	err := b.CheckCrossed(tick)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBookCrossed)
}

func TestCheckCrossedIgnoresEmptySides(t *testing.T) {
	b := &OrderBook{
		NoBids: []BookLevel{{Price: MicrosFromCents(99), Qty: 1}},
	}
	assert.NoError(t, b.CheckCrossed(MicrosFromCents(1)))
}

func TestCloneIsIndependent(t *testing.T) {
	b := &OrderBook{
		YesAsks: []BookLevel{{Price: MicrosFromCents(45), Qty: 10}},
	}
	cp := b.Clone()
	b.YesAsks[0].Qty = 1
	assert.Equal(t, int64(10), cp.YesAsks[0].Qty)
}

func TestRealizedPnLCleanPair(t *testing.T) {
	arb := Arb{
		Qty: 10,
		YesLeg: LegRecord{FilledQty: 10, FilledPrice: MicrosFromCents(45)},
		NoLeg:  LegRecord{FilledQty: 10, FilledPrice: MicrosFromCents(53)},
		GasSpent: Micros(50_000), // $0.005 per contract, ten contracts
	}
	// 10 * (1.00 - 0.45 - 0.53) - 0.05 gas = 0.15
	assert.Equal(t, Micros(150_000), arb.RealizedPnL())
}

func TestRealizedPnLWithHedge(t *testing.T) {
	hedge := &LegRecord{Outcome: OutcomeNo, FilledQty: 10, FilledPrice: MicrosFromCents(54)}
	arb := Arb{
		Qty:      10,
		YesLeg:   LegRecord{Outcome: OutcomeYes, FilledQty: 10, FilledPrice: MicrosFromCents(45)},
		NoLeg:    LegRecord{Outcome: OutcomeNo, FilledQty: 0},
		HedgeLeg: hedge,
	}
	// 10 * (1.00 - 0.45 - 0.54) = 0.10
	assert.Equal(t, Micros(100_000), arb.RealizedPnL())
}

func TestRealizedPnLUnmatchedResidue(t *testing.T) {
	arb := Arb{
		Qty:    10,
		YesLeg: LegRecord{FilledQty: 10, FilledPrice: MicrosFromCents(45), Fee: MicrosFromCents(18)},
		NoLeg:  LegRecord{FilledQty: 0},
	}
	// No matched pairs: the yes cost and fee are sunk.
	assert.Equal(t, -Micros(4_500_000+180_000), arb.RealizedPnL())
}

func TestLegStateTerminal(t *testing.T) {
	assert.True(t, LegStateMerged.Terminal(true))
	assert.True(t, LegStateAborted.Terminal(false))
	assert.True(t, LegStateClosedAtLoss.Terminal(true))
	assert.True(t, LegStateBothFilled.Terminal(false))
	assert.False(t, LegStateBothFilled.Terminal(true))
	assert.False(t, LegStateLeg1Submitted.Terminal(false))
}

func TestLegStateInFlight(t *testing.T) {
	assert.True(t, LegStateLeg1Submitted.InFlight())
	assert.True(t, LegStateHedgeNeeded.InFlight())
	assert.False(t, LegStateIdle.InFlight())
	assert.False(t, LegStateMerged.InFlight())
}
