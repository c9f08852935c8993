package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// HedgeStyle selects how the missing leg gets acquired.
type HedgeStyle string

const (
	// HedgeChase crosses the spread with successive IOC orders at
	// rising prices until filled or the ceiling is hit.
	HedgeChase HedgeStyle = "chase"
	// HedgeFade rests a passive limit at the originally planned price
	// and escalates to chase on timeout.
	HedgeFade HedgeStyle = "fade"
)

// HedgerConfig bounds the hedge loop.
type HedgerConfig struct {
	Style HedgeStyle
	// MaxLossPerContract tightens the chase ceiling below the
	// break-even price 1.00 - leg1_cost. Zero chases to break-even.
	MaxLossPerContract domain.Micros
	// StepTick is the price increment between chase attempts.
	StepTick domain.Micros
	// MaxAttempts caps chase IOC submissions.
	MaxAttempts int
	// FadeTimeout is how long a passive fade order rests before
	// escalating to chase.
	FadeTimeout time.Duration
	// PollInterval is how often a resting fade order is checked.
	PollInterval time.Duration
	// AttemptTimeout is the per-order deadline.
	AttemptTimeout time.Duration
}

// DefaultHedgerConfig returns the production defaults.
func DefaultHedgerConfig() HedgerConfig {
	return HedgerConfig{
		Style:          HedgeChase,
		StepTick:       domain.Cent,
		MaxAttempts:    10,
		FadeTimeout:    1500 * time.Millisecond,
		PollInterval:   250 * time.Millisecond,
		AttemptTimeout: 2 * time.Second,
	}
}

// HedgeRequest describes the missing leg of a half-filled arb.
type HedgeRequest struct {
	Venue      domain.Venue
	MarketID   string
	TokenID    string
	Outcome    domain.Outcome
	Qty        int64         // unhedged contracts
	StartPrice domain.Micros // the leg's originally planned ask
	Leg1Cost   domain.Micros // average cost of the leg already filled
}

// ceiling is the worst acceptable hedge price. Above it the pair locks
// in more loss than configured and the position is left to escalation.
func (r HedgeRequest) ceiling(maxLoss domain.Micros) domain.Micros {
	return domain.Dollar - r.Leg1Cost - maxLoss
}

// Hedger buys the missing leg of a half-filled arb within a bounded
// loss budget. It is a subordinate of the coordinator: it receives one
// request, works it to completion or exhaustion, and reports back. It
// never touches coordinator state.
type Hedger struct {
	cfg    HedgerConfig
	router OrderRouter
	logger *slog.Logger
}

// NewHedger builds a hedger submitting through the given router.
func NewHedger(cfg HedgerConfig, router OrderRouter, logger *slog.Logger) *Hedger {
	if cfg.StepTick <= 0 {
		cfg.StepTick = domain.Cent
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Hedger{
		cfg:    cfg,
		router: router,
		logger: logger.With(slog.String("component", "hedger")),
	}
}

// Hedge works the request and returns the resulting leg record and
// whether exposure was fully neutralized. A false return means some
// quantity is still unhedged; the caller retains the position and
// escalates.
func (h *Hedger) Hedge(ctx context.Context, req HedgeRequest) (domain.LegRecord, bool) {
	rec := domain.LegRecord{
		Venue:        req.Venue,
		MarketID:     req.MarketID,
		TokenID:      req.TokenID,
		Outcome:      req.Outcome,
		RequestedQty: req.Qty,
		SubmittedAt:  time.Now().UTC(),
	}
	if req.Qty <= 0 {
		rec.ResolvedAt = time.Now().UTC()
		return rec, true
	}

	if h.cfg.Style == HedgeFade {
		h.fade(ctx, req, &rec)
	}
	if rec.FilledQty < req.Qty {
		h.chase(ctx, req, &rec)
	}

	rec.ResolvedAt = time.Now().UTC()
	neutral := rec.FilledQty >= req.Qty
	h.logger.Info("hedge finished",
		slog.String("market", req.MarketID),
		slog.String("outcome", string(req.Outcome)),
		slog.Int64("requested", req.Qty),
		slog.Int64("filled", rec.FilledQty),
		slog.Bool("neutralized", neutral))
	return rec, neutral
}

// fade rests a passive limit at the originally planned price and polls
// until filled or the fade window closes. Whatever rests unfilled is
// cancelled before the chase takes over. Status reports cumulative
// fills for the order, so the record is updated exactly once from the
// final order state.
func (h *Hedger) fade(ctx context.Context, req HedgeRequest, rec *domain.LegRecord) {
	order := h.buildOrder(req, req.StartPrice, req.Qty, domain.OrderTypeGTC)
	res, err := h.router.Submit(ctx, order)
	if err != nil {
		h.logger.Warn("fade order submit failed", slog.String("error", err.Error()))
		return
	}
	rec.OrderID = res.OrderID
	rec.LimitPrice = order.Price

	final := res
	if !final.Filled(req.Qty) {
		deadline := time.NewTimer(h.cfg.FadeTimeout)
		defer deadline.Stop()
		tick := time.NewTicker(h.cfg.PollInterval)
		defer tick.Stop()
	poll:
		for {
			select {
			case <-ctx.Done():
				h.cancelQuiet(req.Venue, req.MarketID, res.OrderID)
				final = h.finalStatus(req.Venue, res.OrderID, final)
				break poll
			case <-deadline.C:
				h.cancelQuiet(req.Venue, req.MarketID, res.OrderID)
				final = h.finalStatus(req.Venue, res.OrderID, final)
				h.logger.Info("fade timed out, escalating to chase",
					slog.String("market", req.MarketID))
				break poll
			case <-tick.C:
				st, err := h.router.Status(ctx, req.Venue, res.OrderID)
				if err != nil {
					continue
				}
				final = st
				if st.Filled(req.Qty) {
					break poll
				}
			}
		}
	}
	applyFill(rec, final)
}

// finalStatus fetches the post-cancel order state so fills that landed
// before the cancel are not lost. Falls back to the last known state.
func (h *Hedger) finalStatus(venue domain.Venue, orderID string, last domain.OrderResult) domain.OrderResult {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	st, err := h.router.Status(ctx, venue, orderID)
	if err != nil {
		return last
	}
	return st
}

// chase steps through price levels with immediate orders until the
// remaining quantity fills or the ceiling would lock in more loss than
// allowed. Polymarket legs go out as FOK (no partials), Kalshi as IOC.
func (h *Hedger) chase(ctx context.Context, req HedgeRequest, rec *domain.LegRecord) {
	ceiling := req.ceiling(h.cfg.MaxLossPerContract)
	price := req.StartPrice
	typ := domain.OrderTypeIOC
	if req.Venue == domain.VenuePolymarket {
		typ = domain.OrderTypeFOK
	}

	for attempt := 0; attempt < h.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if price > ceiling {
			h.logger.Warn("chase stopped at price ceiling",
				slog.String("market", req.MarketID),
				slog.String("price", price.String()),
				slog.String("ceiling", ceiling.String()))
			return
		}
		remaining := req.Qty - rec.FilledQty
		if remaining <= 0 {
			return
		}

		res, err := func() (domain.OrderResult, error) {
			attemptCtx := ctx
			if h.cfg.AttemptTimeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, h.cfg.AttemptTimeout)
				defer cancel()
			}
			return h.router.Submit(attemptCtx, h.buildOrder(req, price, remaining, typ))
		}()
		if err != nil {
			h.logger.Warn("chase order failed",
				slog.String("price", price.String()),
				slog.String("error", err.Error()))
		} else {
			rec.OrderID = res.OrderID
			rec.LimitPrice = price
			applyFill(rec, res)
			if rec.FilledQty >= req.Qty {
				return
			}
		}
		price += h.cfg.StepTick
	}
}

func (h *Hedger) buildOrder(req HedgeRequest, price domain.Micros, qty int64, typ domain.OrderType) domain.Order {
	return domain.Order{
		ID:        uuid.New().String(),
		Venue:     req.Venue,
		MarketID:  req.MarketID,
		TokenID:   req.TokenID,
		Outcome:   req.Outcome,
		Side:      domain.OrderSideBuy,
		Type:      typ,
		Price:     price,
		Qty:       qty,
		ClientID:  uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}
}

func (h *Hedger) cancelQuiet(venue domain.Venue, marketID, orderID string) {
	if orderID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.router.Cancel(ctx, venue, marketID, orderID); err != nil {
		h.logger.Warn("hedge order cancel failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()))
	}
}

// applyFill folds an order result into the leg record, keeping the
// volume-weighted average price across attempts.
func applyFill(rec *domain.LegRecord, res domain.OrderResult) {
	newQty := res.FilledQty
	if newQty <= 0 {
		return
	}
	prevCost := rec.FilledPrice.MulQty(rec.FilledQty)
	rec.FilledQty += newQty
	rec.FilledPrice = (prevCost + res.FilledPrice.MulQty(newQty)) / domain.Micros(rec.FilledQty)
	rec.Fee += res.Fee
}
