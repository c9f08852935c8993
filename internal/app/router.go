package app

import (
	"context"
	"fmt"

	"github.com/neutralmarkets/spreadbot/internal/domain"
	"github.com/neutralmarkets/spreadbot/internal/executor"
	"github.com/neutralmarkets/spreadbot/internal/platform/kalshi"
	"github.com/neutralmarkets/spreadbot/internal/platform/polymarket"
)

// venueRouter dispatches leg orders to the owning venue adapter. Either
// adapter may be nil when the venue's credentials are not configured;
// orders for that venue fail fast instead of reaching a half-built
// client.
type venueRouter struct {
	kalshi *kalshi.Adapter
	poly   *polymarket.Adapter
}

var _ executor.OrderRouter = (*venueRouter)(nil)

func (r *venueRouter) Submit(ctx context.Context, o domain.Order) (domain.OrderResult, error) {
	switch o.Venue {
	case domain.VenueKalshi:
		if r.kalshi == nil {
			return domain.OrderResult{}, fmt.Errorf("router: kalshi not configured")
		}
		return r.kalshi.Submit(ctx, o)
	case domain.VenuePolymarket:
		if r.poly == nil {
			return domain.OrderResult{}, fmt.Errorf("router: polymarket not configured")
		}
		return r.poly.Submit(ctx, o)
	}
	return domain.OrderResult{}, fmt.Errorf("router: unknown venue %q", o.Venue)
}

func (r *venueRouter) Cancel(ctx context.Context, venue domain.Venue, marketID, orderID string) error {
	switch venue {
	case domain.VenueKalshi:
		if r.kalshi == nil {
			return fmt.Errorf("router: kalshi not configured")
		}
		return r.kalshi.Cancel(ctx, marketID, orderID)
	case domain.VenuePolymarket:
		if r.poly == nil {
			return fmt.Errorf("router: polymarket not configured")
		}
		return r.poly.Cancel(ctx, marketID, orderID)
	}
	return fmt.Errorf("router: unknown venue %q", venue)
}

func (r *venueRouter) Status(ctx context.Context, venue domain.Venue, orderID string) (domain.OrderResult, error) {
	switch venue {
	case domain.VenueKalshi:
		if r.kalshi == nil {
			return domain.OrderResult{}, fmt.Errorf("router: kalshi not configured")
		}
		return r.kalshi.Status(ctx, orderID)
	case domain.VenuePolymarket:
		if r.poly == nil {
			return domain.OrderResult{}, fmt.Errorf("router: polymarket not configured")
		}
		return r.poly.Status(ctx, orderID)
	}
	return domain.OrderResult{}, fmt.Errorf("router: unknown venue %q", venue)
}
