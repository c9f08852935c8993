package kalshi

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// Kalshi environments. The demo exchange mirrors the production API
// against play money.
const (
	ProdBaseURL = "https://trading-api.kalshi.com"
	DemoBaseURL = "https://demo-api.kalshi.co"

	ProdWSURL = "wss://trading-api.kalshi.com/trade-api/ws/v2"
	DemoWSURL = "wss://demo-api.kalshi.co/trade-api/ws/v2"

	// DefaultWSPath is the path signed into the WebSocket auth message.
	DefaultWSPath = "/trade-api/ws/v2"
)

// apiPrefix is prepended to every REST path. Signatures cover the full
// path including this prefix, never the query string.
const apiPrefix = "/trade-api/v2"

// --------------------------------------------------------------------------
// REST DTOs
// --------------------------------------------------------------------------

// Balance is the portfolio balance response. All values are cents.
type Balance struct {
	BalanceCents        int64 `json:"balance"`
	PortfolioValueCents int64 `json:"portfolio_value"`
	PayoutCents         int64 `json:"payout"`
}

// Available returns the spendable balance.
func (b Balance) Available() domain.Micros {
	return domain.MicrosFromCents(b.BalanceCents)
}

// Market is a market as returned by the REST API. Prices are cents.
type Market struct {
	Ticker         string    `json:"ticker"`
	EventTicker    string    `json:"event_ticker"`
	Title          string    `json:"title"`
	Subtitle       string    `json:"subtitle"`
	Status         string    `json:"status"`
	Category       string    `json:"category"`
	YesBid         int64     `json:"yes_bid"`
	YesAsk         int64     `json:"yes_ask"`
	NoBid          int64     `json:"no_bid"`
	NoAsk          int64     `json:"no_ask"`
	Volume         int64     `json:"volume"`
	Volume24H      int64     `json:"volume_24h"`
	OpenInterest   int64     `json:"open_interest"`
	OpenTime       time.Time `json:"open_time"`
	CloseTime      time.Time `json:"close_time"`
	ExpirationTime time.Time `json:"expiration_time"`
	Result         string    `json:"result"`
	CanCloseEarly  bool      `json:"can_close_early"`
}

// Domain converts the venue market into the unified metadata record.
// Kalshi books tick in whole cents and settle in dollars, so the tick
// size is fixed. The duration class is the open-to-close span, which is
// static for a market, unlike time remaining.
func (m Market) Domain() domain.Market {
	var tags []string
	if c := strings.ToLower(strings.TrimSpace(m.Category)); c != "" {
		tags = append(tags, c)
	}
	return domain.Market{
		Venue:     domain.VenueKalshi,
		ID:        m.Ticker,
		Title:     m.Title,
		Tags:      tags,
		Duration:  durationClass(m.OpenTime, m.CloseTime),
		TickSize:  domain.Cent,
		Status:    marketStatus(m.Status),
		CloseTime: m.CloseTime,
		UpdatedAt: time.Now(),
	}
}

func durationClass(open, close time.Time) domain.DurationClass {
	if open.IsZero() || close.IsZero() || !close.After(open) {
		return domain.DurationLong
	}
	span := close.Sub(open)
	switch {
	case span <= 15*time.Minute:
		return domain.Duration15m
	case span <= time.Hour:
		return domain.Duration1h
	default:
		return domain.DurationLong
	}
}

func marketStatus(s string) domain.MarketStatus {
	switch strings.ToLower(s) {
	case "active", "open":
		return domain.MarketStatusActive
	case "settled", "determined", "finalized":
		return domain.MarketStatusSettled
	default:
		return domain.MarketStatusClosed
	}
}

// MarketsParams filters a markets listing.
type MarketsParams struct {
	Limit        int
	Cursor       string
	Status       string // "open", "closed", "settled"
	SeriesTicker string
	EventTicker  string
}

// PriceLevel is one ladder entry on the wire: [price_cents, contracts].
type PriceLevel [2]int64

// PriceCents returns the level price in cents.
func (l PriceLevel) PriceCents() int64 { return l[0] }

// Qty returns the resting contract count.
func (l PriceLevel) Qty() int64 { return l[1] }

// Price returns the level price in micros.
func (l PriceLevel) Price() domain.Micros { return domain.MicrosFromCents(l[0]) }

// Orderbook is the REST book snapshot. Kalshi delivers bids only; asks
// are implied by the opposing bid ladder. A null side decodes to an
// empty ladder, which the unified book treats as an unbounded ask.
type Orderbook struct {
	YesBids       []PriceLevel `json:"yes_bids"`
	NoBids        []PriceLevel `json:"no_bids"`
	IsProvisional bool         `json:"is_provisional"`
}

// Levels converts a wire ladder into unified book levels.
func Levels(ls []PriceLevel) []domain.BookLevel {
	if len(ls) == 0 {
		return nil
	}
	out := make([]domain.BookLevel, 0, len(ls))
	for _, l := range ls {
		out = append(out, domain.BookLevel{Price: l.Price(), Qty: l.Qty()})
	}
	return out
}

// OrderRequest is the order placement payload. Exactly one of YesPrice
// and NoPrice is set, matching the side being traded. An expiration in
// the past asks the venue to fill what it can immediately and cancel
// the remainder, which is how immediate-or-cancel is expressed.
type OrderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Action        string `json:"action"` // "buy" or "sell"
	Side          string `json:"side"`   // "yes" or "no"
	Type          string `json:"type"`   // "limit"
	Count         int64  `json:"count"`
	YesPrice      *int64 `json:"yes_price,omitempty"` // cents, 1-99
	NoPrice       *int64 `json:"no_price,omitempty"`
	ExpirationTS  *int64 `json:"expiration_ts,omitempty"` // unix seconds
	BuyMaxCost    *int64 `json:"buy_max_cost,omitempty"`  // cents
}

// Order is the venue's view of an order, returned by placement, status
// and cancel calls. Fill counts are cumulative; costs are cents.
type Order struct {
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	Ticker         string `json:"ticker"`
	Status         string `json:"status"` // "resting", "pending", "executed", "canceled"
	Action         string `json:"action"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	YesPrice       int64  `json:"yes_price"`
	NoPrice        int64  `json:"no_price"`
	RemainingCount int64  `json:"remaining_count"`
	TakerFillCount int64  `json:"taker_fill_count"`
	TakerFillCost  int64  `json:"taker_fill_cost"` // cents, all taker fills
	TakerFees      int64  `json:"taker_fees"`      // cents
	MakerFillCount int64  `json:"maker_fill_count"`
	QueuePosition  int64  `json:"queue_position"`
	PlacedTime     string `json:"placed_time"`
	LastUpdateTime string `json:"last_update_time"`
}

// LimitCents returns the limit price on the traded side.
func (o Order) LimitCents() int64 {
	if o.Side == "no" {
		return o.NoPrice
	}
	return o.YesPrice
}

// ExchangeStatus reports venue-wide availability.
type ExchangeStatus struct {
	ExchangeActive bool `json:"exchange_active"`
	TradingActive  bool `json:"trading_active"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// wsEnvelope frames every message on the trading WebSocket. Seq is
// monotonic within one subscription (sid); a new sid restarts it.
type wsEnvelope struct {
	ID   int64           `json:"id,omitempty"`
	Type string          `json:"type"`
	SID  int64           `json:"sid,omitempty"`
	Seq  uint64          `json:"seq,omitempty"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// wsCommand is a client-to-venue command frame.
type wsCommand struct {
	ID     int64  `json:"id"`
	Cmd    string `json:"cmd"`
	Params any    `json:"params,omitempty"`
}

type wsSubscribeParams struct {
	Channels []string `json:"channels"`
	Tickers  []string `json:"market_tickers"`
}

// wsBookSnapshot is the full-book image pushed after a subscribe and
// whenever the venue reissues a market's book.
type wsBookSnapshot struct {
	Ticker        string       `json:"market_ticker"`
	Yes           []PriceLevel `json:"yes"`
	No            []PriceLevel `json:"no"`
	IsProvisional bool         `json:"is_provisional"`
}

// wsBookDelta is one resting-quantity change. Delta is signed: the new
// resting quantity is the previous quantity plus Delta.
type wsBookDelta struct {
	Ticker string `json:"market_ticker"`
	Price  int64  `json:"price"` // cents
	Delta  int64  `json:"delta"` // signed contract change
	Side   string `json:"side"`  // "yes" or "no"
}

type wsError struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
