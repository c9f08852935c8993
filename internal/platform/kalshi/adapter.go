package kalshi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

const (
	// submitAttempts bounds placement retries on transient venue
	// errors. Only definite rejections (429, 5xx) are retried; a
	// timed-out request may have reached the venue and is never
	// resubmitted blindly.
	submitAttempts = 3
	submitBackoff  = 100 * time.Millisecond
)

// Adapter translates unified orders into Kalshi requests. Kalshi legs
// are priced in whole cents and use limit orders; immediate-or-cancel
// is expressed through an already-elapsed expiration.
type Adapter struct {
	client *Client
	logger *slog.Logger
}

// NewAdapter creates the order adapter.
func NewAdapter(client *Client, logger *slog.Logger) *Adapter {
	return &Adapter{
		client: client,
		logger: logger.With(slog.String("component", "kalshi_orders")),
	}
}

// Submit places one order and reports the synchronous outcome. IOC
// orders resolve in the placement response; GTC orders come back
// resting and are tracked through Status.
func (a *Adapter) Submit(ctx context.Context, o domain.Order) (domain.OrderResult, error) {
	req, err := venueRequest(o)
	if err != nil {
		return domain.OrderResult{}, err
	}

	a.logger.InfoContext(ctx, "submitting order",
		slog.String("market", o.MarketID),
		slog.String("outcome", string(o.Outcome)),
		slog.String("side", string(o.Side)),
		slog.String("type", string(o.Type)),
		slog.String("price", o.Price.String()),
		slog.Int64("qty", o.Qty),
	)

	backoff := submitBackoff
	for attempt := 1; ; attempt++ {
		ord, err := a.client.CreateOrder(ctx, req)
		if err == nil {
			res := resultFrom(ord)
			a.logger.InfoContext(ctx, "order result",
				slog.String("order_id", res.OrderID),
				slog.String("status", string(res.Status)),
				slog.Int64("filled_qty", res.FilledQty),
			)
			return res, nil
		}
		if attempt >= submitAttempts || !transient(err) {
			return domain.OrderResult{}, err
		}
		a.logger.WarnContext(ctx, "order submit retry",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return domain.OrderResult{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Cancel removes the resting remainder of an order. An order the venue
// no longer knows is treated as already cancelled.
func (a *Adapter) Cancel(ctx context.Context, marketID, orderID string) error {
	_, err := a.client.CancelOrder(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		a.logger.DebugContext(ctx, "cancel: order already gone",
			slog.String("market", marketID),
			slog.String("order_id", orderID),
		)
		return nil
	}
	return err
}

// Status returns the cumulative fill state of an order.
func (a *Adapter) Status(ctx context.Context, orderID string) (domain.OrderResult, error) {
	ord, err := a.client.GetOrder(ctx, orderID)
	if err != nil {
		return domain.OrderResult{}, err
	}
	return resultFrom(ord), nil
}

// AvailableBalance reports the spendable account balance for the
// ledger refresher.
func (a *Adapter) AvailableBalance(ctx context.Context) (domain.Micros, error) {
	bal, err := a.client.GetBalance(ctx)
	if err != nil {
		return 0, err
	}
	return bal.Available(), nil
}

// venueRequest validates a unified order and builds the venue payload.
func venueRequest(o domain.Order) (OrderRequest, error) {
	if o.Venue != domain.VenueKalshi {
		return OrderRequest{}, fmt.Errorf("kalshi: %w: order for venue %q", domain.ErrInvalidOrder, o.Venue)
	}
	if o.Type == domain.OrderTypeFOK {
		return OrderRequest{}, fmt.Errorf("kalshi: %w: venue has no fill-or-kill", domain.ErrInvalidOrder)
	}
	if o.Qty <= 0 {
		return OrderRequest{}, fmt.Errorf("kalshi: %w: qty %d", domain.ErrInvalidOrder, o.Qty)
	}
	if o.Price%domain.Cent != 0 {
		return OrderRequest{}, fmt.Errorf("kalshi: %w: %s is not a whole cent", domain.ErrInvalidPrice, o.Price)
	}
	cents := o.Price.Cents()
	if cents < 1 || cents > 99 {
		return OrderRequest{}, fmt.Errorf("kalshi: %w: %d cents outside [1, 99]", domain.ErrInvalidPrice, cents)
	}

	req := OrderRequest{
		Ticker:        o.MarketID,
		ClientOrderID: o.ClientID,
		Action:        string(o.Side),
		Side:          string(o.Outcome),
		Type:          "limit",
		Count:         o.Qty,
	}
	switch o.Outcome {
	case domain.OutcomeYes:
		req.YesPrice = &cents
	case domain.OutcomeNo:
		req.NoPrice = &cents
	default:
		return OrderRequest{}, fmt.Errorf("kalshi: %w: outcome %q", domain.ErrInvalidOrder, o.Outcome)
	}
	if o.Type == domain.OrderTypeIOC {
		exp := time.Now().Unix()
		req.ExpirationTS = &exp
	}
	return req, nil
}

// resultFrom maps the venue order object onto the unified result.
func resultFrom(ord Order) domain.OrderResult {
	filled := ord.TakerFillCount + ord.MakerFillCount
	res := domain.OrderResult{
		OrderID:   ord.OrderID,
		Status:    mapStatus(ord.Status, filled),
		FilledQty: filled,
	}
	if filled > 0 {
		res.FilledPrice = avgFillPrice(ord, filled)
		res.Fee = fillFee(ord)
	}
	return res
}

func mapStatus(status string, filled int64) domain.OrderStatus {
	switch status {
	case "executed":
		return domain.OrderStatusFilled
	case "pending":
		return domain.OrderStatusPending
	case "resting":
		if filled > 0 {
			return domain.OrderStatusPartial
		}
		return domain.OrderStatusOpen
	case "canceled", "cancelled":
		if filled > 0 {
			return domain.OrderStatusPartial
		}
		return domain.OrderStatusCancelled
	default:
		return domain.OrderStatusRejected
	}
}

// avgFillPrice derives the volume-weighted fill price. Maker fills
// execute at the resting limit, so their cost is implied.
func avgFillPrice(ord Order, filled int64) domain.Micros {
	costCents := ord.TakerFillCost + ord.MakerFillCount*ord.LimitCents()
	return domain.Micros(int64(domain.MicrosFromCents(costCents)) / filled)
}

// fillFee prefers the fee the venue reports; when absent it falls back
// to the published taker formula at the average taker price. Maker
// fills are free.
func fillFee(ord Order) domain.Micros {
	if ord.TakerFees > 0 {
		return domain.MicrosFromCents(ord.TakerFees)
	}
	if ord.TakerFillCount == 0 {
		return 0
	}
	avgCents := (ord.TakerFillCost + ord.TakerFillCount/2) / ord.TakerFillCount
	return domain.KalshiTakerFee(ord.TakerFillCount, domain.MicrosFromCents(avgCents))
}

// transient reports whether a placement error is a definite venue
// rejection worth retrying.
func transient(err error) bool {
	return errors.Is(err, domain.ErrRateLimited) || errors.Is(err, domain.ErrVenueUnavailable)
}
