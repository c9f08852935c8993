package domain

import "time"

// Venue identifies a trading venue.
type Venue string

const (
	VenueKalshi     Venue = "kalshi"
	VenuePolymarket Venue = "polymarket"
)

// MarketKey uniquely identifies a binary market on a venue.
type MarketKey struct {
	Venue    Venue
	MarketID string
}

func (k MarketKey) String() string {
	return string(k.Venue) + ":" + k.MarketID
}

// DurationClass buckets a market by time to resolution. Short-duration
// crypto markets carry an elevated spread threshold.
type DurationClass string

const (
	Duration15m  DurationClass = "15m"
	Duration1h   DurationClass = "1h"
	DurationLong DurationClass = "long"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive  MarketStatus = "active"
	MarketStatusClosed  MarketStatus = "closed"
	MarketStatusSettled MarketStatus = "settled"
)

// Market is venue-agnostic metadata for a binary market. For
// Polymarket markets the token and condition IDs drive order signing
// and on-chain merges; for Kalshi the market ID is the ticker.
type Market struct {
	Venue       Venue
	ID          string
	Title       string
	Tags        []string // venue category tags, e.g. "crypto"
	Duration    DurationClass
	TickSize    Micros    // minimum price increment
	YesTokenID  string    // Polymarket ERC-1155 token ID (decimal string)
	NoTokenID   string
	ConditionID string // Polymarket CTF condition ID (0x hex)
	NegRisk     bool
	FeeRateBps  int64 // venue taker fee ceiling signed into orders
	Status      MarketStatus
	CloseTime   time.Time
	UpdatedAt   time.Time
}

// Key returns the market's unique venue-scoped key.
func (m Market) Key() MarketKey {
	return MarketKey{Venue: m.Venue, MarketID: m.ID}
}

// DurationFor buckets a close time by how far away it is. The bucket
// boundaries carry a small allowance so a 15-minute market observed a
// few seconds after listing still classifies as 15m.
func DurationFor(closeTime, now time.Time) DurationClass {
	left := closeTime.Sub(now)
	switch {
	case left <= 16*time.Minute:
		return Duration15m
	case left <= 65*time.Minute:
		return Duration1h
	default:
		return DurationLong
	}
}

// IsCryptoShortDuration reports whether the market is tagged crypto
// and resolves within the hour. These markets require the elevated
// minimum edge because Polymarket applies dynamic taker fees to them.
func (m Market) IsCryptoShortDuration() bool {
	if m.Duration != Duration15m && m.Duration != Duration1h {
		return false
	}
	for _, t := range m.Tags {
		if t == "crypto" {
			return true
		}
	}
	return false
}
