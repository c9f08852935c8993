// Package kalshi talks to the Kalshi exchange: a signed REST client
// for account, market and order operations, an order adapter that
// translates unified orders into venue requests, and the orderbook
// delta feed that drives the normalizer.
package kalshi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/crypto"
	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// restLimiterKey scopes the shared rate limiter to this venue's REST
// quota.
const restLimiterKey = "kalshi:rest"

// Client is the REST client for the Kalshi trading API v2. Every
// request carries an RSA-PSS signature over the timestamp, method and
// path.
type Client struct {
	baseURL    string
	signer     *crypto.KalshiSigner
	httpClient *http.Client
	limiter    domain.RateLimiter
}

// NewClient creates a Kalshi REST client. baseURL is the host root,
// e.g. ProdBaseURL or DemoBaseURL; an empty value selects the demo
// exchange.
func NewClient(baseURL string, signer *crypto.KalshiSigner) *Client {
	if baseURL == "" {
		baseURL = DemoBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetRateLimiter installs a distributed limiter consulted before every
// request. Without one the client relies on venue-side 429s alone.
func (c *Client) SetRateLimiter(rl domain.RateLimiter) {
	c.limiter = rl
}

// GetBalance returns the account's portfolio balance.
func (c *Client) GetBalance(ctx context.Context) (Balance, error) {
	var bal Balance
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/portfolio/balance", nil, nil, &bal); err != nil {
		return Balance{}, fmt.Errorf("kalshi: get balance: %w", err)
	}
	return bal, nil
}

// GetMarkets returns one page of markets plus the cursor for the next
// page; an empty cursor means the listing is exhausted.
func (c *Client) GetMarkets(ctx context.Context, p MarketsParams) ([]Market, string, error) {
	q := url.Values{}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Cursor != "" {
		q.Set("cursor", p.Cursor)
	}
	if p.Status != "" {
		q.Set("status", p.Status)
	}
	if p.SeriesTicker != "" {
		q.Set("series_ticker", p.SeriesTicker)
	}
	if p.EventTicker != "" {
		q.Set("event_ticker", p.EventTicker)
	}

	var resp struct {
		Markets []Market `json:"markets"`
		Cursor  string   `json:"cursor"`
	}
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/markets", q, nil, &resp); err != nil {
		return nil, "", fmt.Errorf("kalshi: get markets: %w", err)
	}
	return resp.Markets, resp.Cursor, nil
}

// OpenMarkets pages through every open market, optionally filtered by
// series. For registry seeding at startup, not the hot path.
func (c *Client) OpenMarkets(ctx context.Context, series string) ([]Market, error) {
	var out []Market
	cursor := ""
	for {
		page, next, err := c.GetMarkets(ctx, MarketsParams{
			Limit:        200,
			Cursor:       cursor,
			Status:       "open",
			SeriesTicker: series,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" || len(page) == 0 {
			return out, nil
		}
		cursor = next
	}
}

// GetMarket returns a single market by ticker.
func (c *Client) GetMarket(ctx context.Context, ticker string) (Market, error) {
	var resp struct {
		Market Market `json:"market"`
	}
	path := apiPrefix + "/markets/" + url.PathEscape(ticker)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return Market{}, fmt.Errorf("kalshi: get market %s: %w", ticker, err)
	}
	return resp.Market, nil
}

// GetOrderbook fetches the current book for a market. depth bounds the
// number of levels per side; zero requests the venue default.
func (c *Client) GetOrderbook(ctx context.Context, ticker string, depth int) (Orderbook, error) {
	q := url.Values{}
	if depth > 0 {
		q.Set("depth", strconv.Itoa(depth))
	}
	var resp struct {
		Orderbook Orderbook `json:"orderbook"`
	}
	path := apiPrefix + "/markets/" + url.PathEscape(ticker) + "/orderbook"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &resp); err != nil {
		return Orderbook{}, fmt.Errorf("kalshi: get orderbook %s: %w", ticker, err)
	}
	return resp.Orderbook, nil
}

// CreateOrder submits an order and returns the venue's view of it,
// including any fills that happened synchronously.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	var resp struct {
		Order Order `json:"order"`
	}
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/portfolio/orders", nil, req, &resp); err != nil {
		return Order{}, fmt.Errorf("kalshi: create order: %w", err)
	}
	return resp.Order, nil
}

// GetOrder returns the current state of an order. Fill counts are
// cumulative.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var resp struct {
		Order Order `json:"order"`
	}
	path := apiPrefix + "/portfolio/orders/" + url.PathEscape(orderID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return Order{}, fmt.Errorf("kalshi: get order %s: %w", orderID, err)
	}
	return resp.Order, nil
}

// CancelOrder cancels the resting remainder of an order and returns
// the reduced order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (Order, error) {
	var resp struct {
		Order Order `json:"order"`
	}
	path := apiPrefix + "/portfolio/orders/" + url.PathEscape(orderID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, &resp); err != nil {
		return Order{}, fmt.Errorf("kalshi: cancel order %s: %w", orderID, err)
	}
	return resp.Order, nil
}

// GetExchangeStatus reports venue-wide availability.
func (c *Client) GetExchangeStatus(ctx context.Context) (ExchangeStatus, error) {
	var status ExchangeStatus
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/exchange/status", nil, nil, &status); err != nil {
		return ExchangeStatus{}, fmt.Errorf("kalshi: exchange status: %w", err)
	}
	return status, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do builds, signs, sends and decodes one request. The signature
// covers the bare path; query parameters are not part of the signed
// message.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, reqBody, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, restLimiterKey); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	headers, err := c.signer.RequestHeaders(time.Now().UnixMilli(), method, path)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// checkStatus maps non-2xx responses onto the shared error taxonomy:
// auth failures are fatal for the venue, 429s and 5xx are transient.
func checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s (%s)", domain.ErrVenueAuth, apiErr.Message, apiErr.Code)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s (%s)", domain.ErrNotFound, apiErr.Message, apiErr.Code)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s (%s)", domain.ErrRateLimited, apiErr.Message, apiErr.Code)
	case status >= 500:
		return fmt.Errorf("%w: HTTP %d: %s (%s)", domain.ErrVenueUnavailable, status, apiErr.Message, apiErr.Code)
	default:
		return fmt.Errorf("HTTP %d: %s (%s)", status, apiErr.Message, apiErr.Code)
	}
}
