package domain

import (
	"math/big"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Outcome names which side of a binary market an order trades.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill (Polymarket legs)
	OrderTypeIOC OrderType = "IOC" // Immediate-Or-Cancel (Kalshi legs)
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusExpired   OrderStatus = "expired"
)

// Order is one leg order as submitted to a venue.
type Order struct {
	ID          string
	Venue       Venue
	MarketID    string
	TokenID     string // Polymarket ERC-1155 token
	Outcome     Outcome
	Side        OrderSide
	Type        OrderType
	Price       Micros   // limit price per contract
	Qty         int64    // whole contracts
	MakerAmount *big.Int // integer notional in the signed payload (Polymarket)
	TakerAmount *big.Int
	Status      OrderStatus
	Signature   string // EIP-712 hex (Polymarket)
	ClientID    string // idempotency key sent to the venue
	CreatedAt   time.Time
}

// Notional is the worst-case cost of the order at its limit price.
func (o Order) Notional() Micros {
	return o.Price.MulQty(o.Qty)
}

// Fill reports the executed part of an order.
type Fill struct {
	OrderID   string
	Venue     Venue
	MarketID  string
	Outcome   Outcome
	Price     Micros // average fill price per contract
	Qty       int64  // contracts filled
	Fee       Micros // venue fee charged for this fill
	Timestamp time.Time
}

// OrderResult wraps the venue response after order submission.
type OrderResult struct {
	OrderID     string
	Status      OrderStatus
	FilledQty   int64
	FilledPrice Micros // average price across fills
	Fee         Micros
	Message     string
	ShouldRetry bool // transient venue error, safe to resubmit
}

// Filled reports whether the full requested quantity executed.
func (r OrderResult) Filled(requested int64) bool {
	return r.Status == OrderStatusFilled && r.FilledQty >= requested
}
