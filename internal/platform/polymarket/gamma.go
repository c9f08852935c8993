package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// DefaultGammaURL is the production Gamma API root.
const DefaultGammaURL = "https://gamma-api.polymarket.com"

// GammaClient is the REST client for the Polymarket Gamma API, used
// for market discovery and text search. Order-critical metadata (tick
// size, fee ceiling) still comes from the CLOB market endpoint; Gamma
// listings identify which conditions are worth fetching.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a Gamma API client. baseURL may be empty to
// select production.
func NewGammaClient(baseURL string) *GammaClient {
	if baseURL == "" {
		baseURL = DefaultGammaURL
	}
	return &GammaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// gammaMarket is the Gamma market listing. Gamma encodes list-valued
// fields as JSON strings inside the JSON document.
type gammaMarket struct {
	ID           string   `json:"id"`
	Question     string   `json:"question"`
	ConditionID  string   `json:"conditionId"`
	Slug         string   `json:"slug"`
	Category     string   `json:"category"`
	EndDate      string   `json:"endDate"`
	Outcomes     string   `json:"outcomes"`     // e.g. "[\"Yes\",\"No\"]"
	ClobTokenIDs string   `json:"clobTokenIds"` // e.g. "[\"123\",\"456\"]"
	Volume       string   `json:"volume"`
	Active       flexBool `json:"active"`
	Closed       bool     `json:"closed"`
	NegRisk      bool     `json:"negRisk"`
}

// flexBool tolerates the boolean-or-string encodings Gamma has used
// for the active flag.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// ListMarkets returns a page of open binary markets. Markets without a
// condition ID or a Yes/No token pair are skipped; they cannot be
// traded through the unified book.
func (g *GammaClient) ListMarkets(ctx context.Context, limit, offset int) ([]domain.Market, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("active", "true")
	params.Set("closed", "false")

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: list markets: %w", err)
	}

	var listings []gammaMarket
	if err := json.Unmarshal(body, &listings); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	return marketsFrom(listings), nil
}

// GetMarketBySlug returns one market looked up by its URL slug.
func (g *GammaClient) GetMarketBySlug(ctx context.Context, slug string) (domain.Market, error) {
	params := url.Values{}
	params.Set("slug", slug)

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: market by slug %s: %w", slug, err)
	}

	var listings []gammaMarket
	if err := json.Unmarshal(body, &listings); err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	markets := marketsFrom(listings)
	if len(markets) == 0 {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: %w: slug=%s", domain.ErrNotFound, slug)
	}
	return markets[0], nil
}

// SearchMarkets returns markets matching a free-text query, for the
// pairing suggester.
func (g *GammaClient) SearchMarkets(ctx context.Context, query string, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		limit = 50
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("active", "true")
	params.Set("closed", "false")

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: search markets: %w", err)
	}

	var listings []gammaMarket
	if err := json.Unmarshal(body, &listings); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode search results: %w", err)
	}
	return marketsFrom(listings), nil
}

// marketsFrom converts listings, dropping markets that cannot be keyed
// or booked.
func marketsFrom(listings []gammaMarket) []domain.Market {
	now := time.Now()
	out := make([]domain.Market, 0, len(listings))
	for i := range listings {
		if m, ok := listings[i].market(now); ok {
			out = append(out, m)
		}
	}
	return out
}

// market converts one listing. Gamma orders token IDs like outcomes,
// so the Yes token is found by matching positions.
func (g gammaMarket) market(now time.Time) (domain.Market, bool) {
	if g.ConditionID == "" {
		return domain.Market{}, false
	}

	var outcomes, tokenIDs []string
	if err := json.Unmarshal([]byte(g.Outcomes), &outcomes); err != nil {
		return domain.Market{}, false
	}
	if err := json.Unmarshal([]byte(g.ClobTokenIDs), &tokenIDs); err != nil {
		return domain.Market{}, false
	}
	if len(outcomes) != 2 || len(tokenIDs) != 2 {
		return domain.Market{}, false
	}

	dm := domain.Market{
		Venue:       domain.VenuePolymarket,
		ID:          g.ConditionID,
		Title:       g.Question,
		ConditionID: g.ConditionID,
		NegRisk:     g.NegRisk,
		UpdatedAt:   now,
	}
	if g.Category != "" {
		dm.Tags = []string{strings.ToLower(g.Category)}
	}
	for i, o := range outcomes {
		switch strings.ToLower(o) {
		case "yes":
			dm.YesTokenID = tokenIDs[i]
		case "no":
			dm.NoTokenID = tokenIDs[i]
		}
	}
	if dm.YesTokenID == "" || dm.NoTokenID == "" {
		return domain.Market{}, false
	}

	switch {
	case g.Closed:
		dm.Status = domain.MarketStatusClosed
	case bool(g.Active):
		dm.Status = domain.MarketStatusActive
	default:
		dm.Status = domain.MarketStatusSettled
	}
	if ts, err := time.Parse(time.RFC3339, g.EndDate); err == nil {
		dm.CloseTime = ts
		dm.Duration = domain.DurationFor(ts, now)
	} else {
		dm.Duration = domain.DurationLong
	}
	return dm, true
}

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}
