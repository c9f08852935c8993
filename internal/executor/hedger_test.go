package executor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

func hedgeReq(venue domain.Venue, qty int64) HedgeRequest {
	return HedgeRequest{
		Venue:      venue,
		MarketID:   "0xmkt",
		TokenID:    "222",
		Outcome:    domain.OutcomeNo,
		Qty:        qty,
		StartPrice: dollars(0.53),
		Leg1Cost:   dollars(0.45),
	}
}

func TestCeilingTightensWithLossBudget(t *testing.T) {
	req := hedgeReq(domain.VenuePolymarket, 7)
	// Break-even: a pair costing exactly 1.00 loses nothing.
	assert.Equal(t, dollars(0.55), req.ceiling(0))
	assert.Equal(t, dollars(0.53), req.ceiling(dollars(0.02)))
}

func TestChaseAveragesPartialFills(t *testing.T) {
	router := newFakeRouter()
	// Kalshi IOC may partial: 4 at 0.53, nothing at 0.54, rest at 0.55.
	router.stub(domain.VenueKalshi, domain.OutcomeNo, domain.OrderResult{
		OrderID: "a", Status: domain.OrderStatusPartial, FilledQty: 4, FilledPrice: dollars(0.53),
	}, nil)
	router.stub(domain.VenueKalshi, domain.OutcomeNo, domain.OrderResult{
		OrderID: "b", Status: domain.OrderStatusCancelled,
	}, nil)
	router.stub(domain.VenueKalshi, domain.OutcomeNo, domain.OrderResult{
		OrderID: "c", Status: domain.OrderStatusFilled, FilledQty: 3, FilledPrice: dollars(0.55),
	}, nil)

	h := NewHedger(HedgerConfig{Style: HedgeChase, StepTick: domain.Cent, MaxAttempts: 5}, router, slog.Default())
	rec, neutral := h.Hedge(context.Background(), hedgeReq(domain.VenueKalshi, 7))

	assert.True(t, neutral)
	assert.Equal(t, int64(7), rec.FilledQty)
	// (0.53*4 + 0.55*3) / 7, truncated to the micro.
	assert.Equal(t, domain.Micros(538571), rec.FilledPrice)

	orders := router.submittedOrders()
	require.Len(t, orders, 3)
	for _, o := range orders {
		assert.Equal(t, domain.OrderTypeIOC, o.Type)
	}
	assert.Equal(t, int64(7), orders[0].Qty)
	// Later attempts only chase the remaining deficit.
	assert.Equal(t, int64(3), orders[1].Qty)
	assert.Equal(t, int64(3), orders[2].Qty)
	assert.Equal(t, dollars(0.55), orders[2].Price)
}

func TestFadeFullFillSkipsChase(t *testing.T) {
	router := newFakeRouter()
	router.stub(domain.VenuePolymarket, domain.OutcomeNo, filled(7, dollars(0.53)), nil)

	h := NewHedger(HedgerConfig{
		Style:        HedgeFade,
		StepTick:     domain.Cent,
		MaxAttempts:  5,
		FadeTimeout:  time.Second,
		PollInterval: 10 * time.Millisecond,
	}, router, slog.Default())
	rec, neutral := h.Hedge(context.Background(), hedgeReq(domain.VenuePolymarket, 7))

	assert.True(t, neutral)
	assert.Equal(t, int64(7), rec.FilledQty)
	assert.Equal(t, dollars(0.53), rec.FilledPrice)

	orders := router.submittedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderTypeGTC, orders[0].Type)
	assert.Empty(t, router.cancels)
}

func TestFadeTimeoutEscalatesToChase(t *testing.T) {
	router := newFakeRouter()
	// The resting GTC picks up 3 of 7 before the fade window closes.
	router.stub(domain.VenuePolymarket, domain.OutcomeNo, domain.OrderResult{
		OrderID: "gtc-1", Status: domain.OrderStatusOpen,
	}, nil)
	router.statusFn = func(orderID string) (domain.OrderResult, error) {
		return domain.OrderResult{
			OrderID:     orderID,
			Status:      domain.OrderStatusPartial,
			FilledQty:   3,
			FilledPrice: dollars(0.53),
		}, nil
	}
	// Chase clears the remaining 4 at the same level.
	router.stub(domain.VenuePolymarket, domain.OutcomeNo, filled(4, dollars(0.53)), nil)

	h := NewHedger(HedgerConfig{
		Style:        HedgeFade,
		StepTick:     domain.Cent,
		MaxAttempts:  5,
		FadeTimeout:  50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, router, slog.Default())
	rec, neutral := h.Hedge(context.Background(), hedgeReq(domain.VenuePolymarket, 7))

	assert.True(t, neutral)
	assert.Equal(t, int64(7), rec.FilledQty)
	assert.Equal(t, dollars(0.53), rec.FilledPrice)

	// The resting order was cancelled before escalation, and its
	// partial fill counted exactly once.
	assert.Contains(t, router.cancels, "gtc-1")
	orders := router.submittedOrders()
	require.Len(t, orders, 2)
	assert.Equal(t, domain.OrderTypeGTC, orders[0].Type)
	assert.Equal(t, domain.OrderTypeFOK, orders[1].Type)
	assert.Equal(t, int64(4), orders[1].Qty)
}

func TestHedgeNothingToDo(t *testing.T) {
	router := newFakeRouter()
	h := NewHedger(DefaultHedgerConfig(), router, slog.Default())
	rec, neutral := h.Hedge(context.Background(), hedgeReq(domain.VenuePolymarket, 0))
	assert.True(t, neutral)
	assert.Zero(t, rec.FilledQty)
	assert.Empty(t, router.submittedOrders())
}
