package polymarket

import (
	"fmt"
	"strings"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/crypto"
	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// --------------------------------------------------------------------------
// CLOB REST DTOs
// --------------------------------------------------------------------------

// signedOrder is the order struct as POSTed: the signed payload plus
// its signature.
type signedOrder struct {
	crypto.OrderPayload
	Signature string `json:"signature"`
}

// orderSubmission is the POST /order body. Owner is the L2 API key the
// order was created under.
type orderSubmission struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
}

// OrderAck is the venue's synchronous answer to an order submission.
// Making/TakingAmount are decimal strings of the matched totals and
// are only populated when the order crossed.
type OrderAck struct {
	Success      bool     `json:"success"`
	ErrorMsg     string   `json:"errorMsg"`
	OrderID      string   `json:"orderID"`
	Status       string   `json:"status"` // matched, live, delayed, unmatched
	MakingAmount string   `json:"makingAmount"`
	TakingAmount string   `json:"takingAmount"`
	TxHashes     []string `json:"transactionsHashes"`
}

// ClobOrder is the resting order object from GET /data/order/{id}.
// Sizes and prices travel as decimal strings.
type ClobOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"` // LIVE, MATCHED, CANCELED
	Owner        string `json:"owner"`
	Market       string `json:"market"` // condition ID
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Outcome      string `json:"outcome"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	OrderType    string `json:"order_type"`
	CreatedAt    int64  `json:"created_at"`
}

// cancelRequest is the DELETE /order body.
type cancelRequest struct {
	OrderID string `json:"orderID"`
}

// cancelResponse reports which IDs the venue actually cancelled.
type cancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// deriveKeyResponse carries freshly derived L2 credentials.
type deriveKeyResponse struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// RestLevel is one aggregated price level. Both fields are decimal
// strings; sizes may carry fractional shares.
type RestLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// RestBook is the GET /book response for one token.
type RestBook struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Timestamp string      `json:"timestamp"`
	Hash      string      `json:"hash"`
	Bids      []RestLevel `json:"bids"`
	Asks      []RestLevel `json:"asks"`
}

// ClobMarket is the market object from GET /markets/{condition_id}.
// It is the authoritative source for token IDs, tick size, the
// neg-risk flag, and the taker fee ceiling.
type ClobMarket struct {
	ConditionID     string      `json:"condition_id"`
	QuestionID      string      `json:"question_id"`
	Question        string      `json:"question"`
	MarketSlug      string      `json:"market_slug"`
	EndDateISO      string      `json:"end_date_iso"`
	Tags            []string    `json:"tags"`
	Tokens          []ClobToken `json:"tokens"`
	MinimumTickSize float64     `json:"minimum_tick_size"`
	MinimumSize     float64     `json:"minimum_order_size"`
	MakerBaseFee    int64       `json:"maker_base_fee"`
	TakerBaseFee    int64       `json:"taker_base_fee"`
	NegRisk         bool        `json:"neg_risk"`
	EnableOrderBook bool        `json:"enable_order_book"`
	AcceptingOrders bool        `json:"accepting_orders"`
	Active          bool        `json:"active"`
	Closed          bool        `json:"closed"`
	Archived        bool        `json:"archived"`
}

// ClobToken is one outcome token inside a ClobMarket.
type ClobToken struct {
	TokenID string  `json:"token_id"`
	Outcome string  `json:"outcome"`
	Price   float64 `json:"price"`
	Winner  bool    `json:"winner"`
}

// errorBody is the venue's error envelope on non-2xx responses.
type errorBody struct {
	Error string `json:"error"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// wsSubscribe is the market-channel subscription command. The venue
// keys subscriptions by token ("asset") ID.
type wsSubscribe struct {
	Assets []string `json:"assets_ids"`
	Type   string   `json:"type"`
}

// wsEnvelope carries just enough of a frame to route it.
type wsEnvelope struct {
	EventType string `json:"event_type"`
}

// wsBook is a full one-token book image.
type wsBook struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Bids      []RestLevel `json:"bids"`
	Asks      []RestLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
	Hash      string      `json:"hash"`
}

// wsPriceChange is a level update. Newer gateway versions batch
// changes; older ones inline a single change in the outer object, so
// both shapes are kept.
type wsPriceChange struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Market    string          `json:"market"`
	Changes   []wsLevelChange `json:"changes"`
	Price     string          `json:"price"`
	Size      string          `json:"size"`
	Side      string          `json:"side"`
	Timestamp string          `json:"timestamp"`
}

// wsLevelChange is one absolute level revision: Size is the new total
// resting at Price, not an increment.
type wsLevelChange struct {
	Price string `json:"price"`
	Side  string `json:"side"` // BUY or SELL
	Size  string `json:"size"`
}

// --------------------------------------------------------------------------
// Decimal conversions
// --------------------------------------------------------------------------

// microsFromDecimal parses a decimal string ("0.485") into Micros
// without a float round trip. Digits beyond the sixth decimal place
// are rejected rather than silently truncated.
func microsFromDecimal(s string) (domain.Micros, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("polymarket: empty decimal")
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 6 {
		if strings.Trim(frac[6:], "0") != "" {
			return 0, fmt.Errorf("polymarket: %q exceeds 6 decimal places", s)
		}
		frac = frac[:6]
	}
	for len(frac) < 6 {
		frac += "0"
	}
	var n int64
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("polymarket: bad decimal %q", s)
		}
		n = n*10 + int64(c-'0')
		if n < 0 {
			return 0, fmt.Errorf("polymarket: decimal %q overflows", s)
		}
	}
	if neg {
		n = -n
	}
	return domain.Micros(n), nil
}

// decimalFromMicros renders Micros as the shortest decimal string the
// venue accepts ("0.48", "0.485").
func decimalFromMicros(m domain.Micros) string {
	neg := m < 0
	if neg {
		m = -m
	}
	whole := int64(m) / int64(domain.Dollar)
	frac := int64(m) % int64(domain.Dollar)
	out := fmt.Sprintf("%d", whole)
	if frac > 0 {
		out += strings.TrimRight(fmt.Sprintf(".%06d", frac), "0")
	}
	if neg {
		out = "-" + out
	}
	return out
}

// qtyFromSize floors a fractional share size to whole contracts.
func qtyFromSize(s string) int64 {
	m, err := microsFromDecimal(s)
	if err != nil || m < 0 {
		return 0
	}
	return int64(m) / int64(domain.Dollar)
}

// levelsFrom converts venue levels to book levels, dropping levels
// that round down to zero contracts.
func levelsFrom(in []RestLevel) []domain.BookLevel {
	out := make([]domain.BookLevel, 0, len(in))
	for _, l := range in {
		price, err := microsFromDecimal(l.Price)
		if err != nil || price <= 0 {
			continue
		}
		qty := qtyFromSize(l.Size)
		if qty <= 0 {
			continue
		}
		out = append(out, domain.BookLevel{Price: price, Qty: qty})
	}
	return out
}

// Market converts the CLOB market object to the unified form. The
// condition ID doubles as the market ID so books, orders, and on-chain
// merges all key off the same identifier.
func (m ClobMarket) Market(now time.Time) domain.Market {
	dm := domain.Market{
		Venue:       domain.VenuePolymarket,
		ID:          m.ConditionID,
		Title:       m.Question,
		Tags:        normalizeTags(m.Tags),
		TickSize:    domain.MicrosFromFloat(m.MinimumTickSize),
		ConditionID: m.ConditionID,
		NegRisk:     m.NegRisk,
		FeeRateBps:  m.TakerBaseFee,
		UpdatedAt:   now,
	}
	for _, t := range m.Tokens {
		switch strings.ToLower(t.Outcome) {
		case "yes":
			dm.YesTokenID = t.TokenID
		case "no":
			dm.NoTokenID = t.TokenID
		}
	}
	switch {
	case m.Closed || m.Archived:
		dm.Status = domain.MarketStatusClosed
	case m.Active && m.AcceptingOrders:
		dm.Status = domain.MarketStatusActive
	default:
		dm.Status = domain.MarketStatusSettled
	}
	if ts, err := time.Parse(time.RFC3339, m.EndDateISO); err == nil {
		dm.CloseTime = ts
		dm.Duration = domain.DurationFor(ts, now)
	} else {
		dm.Duration = domain.DurationLong
	}
	return dm
}

// normalizeTags lowercases venue tags so classification is
// case-insensitive.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = strings.ToLower(t)
	}
	return out
}
