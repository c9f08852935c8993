package strategy

import (
	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// WhitelistPair binds a Kalshi market to a Polymarket market that
// resolves on the same real-world event. Cross-platform arbs are
// evaluated only for listed pairs; everything else is intra-venue.
type WhitelistPair struct {
	KalshiMarketID string
	PolyMarketID   string
}

// Whitelist is the static cross-platform pair policy, loaded from
// config at startup and immutable afterwards.
type Whitelist struct {
	pairs    []WhitelistPair
	byKalshi map[string][]WhitelistPair
	byPoly   map[string][]WhitelistPair
}

// NewWhitelist indexes the configured pairs by both members.
func NewWhitelist(pairs []WhitelistPair) *Whitelist {
	w := &Whitelist{
		pairs:    pairs,
		byKalshi: make(map[string][]WhitelistPair),
		byPoly:   make(map[string][]WhitelistPair),
	}
	for _, p := range pairs {
		w.byKalshi[p.KalshiMarketID] = append(w.byKalshi[p.KalshiMarketID], p)
		w.byPoly[p.PolyMarketID] = append(w.byPoly[p.PolyMarketID], p)
	}
	return w
}

// PairsFor returns the whitelist pairs touching the given market.
func (w *Whitelist) PairsFor(key domain.MarketKey) []WhitelistPair {
	switch key.Venue {
	case domain.VenueKalshi:
		return w.byKalshi[key.MarketID]
	case domain.VenuePolymarket:
		return w.byPoly[key.MarketID]
	}
	return nil
}

// Listed reports whether any configured pair touches the market.
func (w *Whitelist) Listed(key domain.MarketKey) bool {
	return len(w.PairsFor(key)) > 0
}

// Allowed reports whether the two markets form a listed pair.
func (w *Whitelist) Allowed(a, b domain.MarketKey) bool {
	if a.Venue == b.Venue {
		return false
	}
	kalshi, poly := a, b
	if kalshi.Venue != domain.VenueKalshi {
		kalshi, poly = b, a
	}
	for _, p := range w.byKalshi[kalshi.MarketID] {
		if p.PolyMarketID == poly.MarketID {
			return true
		}
	}
	return false
}

// Size returns the number of configured pairs.
func (w *Whitelist) Size() int { return len(w.pairs) }
