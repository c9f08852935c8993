// Package polymarket implements the Polymarket venue: the CLOB REST
// client with L1/L2 authentication, the market data stream, market
// metadata lookups, and the order adapter the execution layer drives.
package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/crypto"
	"github.com/neutralmarkets/spreadbot/internal/domain"
)

const (
	// ProdBaseURL is the production CLOB REST root.
	ProdBaseURL = "https://clob.polymarket.com"

	// restLimiterKey scopes the shared rate limiter to this venue's
	// REST budget.
	restLimiterKey = "polymarket:rest"
)

// ClobClient is the REST client for the Polymarket CLOB. Public
// endpoints (books, markets) need no credentials; trading endpoints
// are signed with derived L2 credentials, which are themselves
// bootstrapped from one EIP-712 L1 signature.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	limiter    domain.RateLimiter
	logger     *slog.Logger

	mu    sync.RWMutex
	creds crypto.ClobCreds
}

// NewClobClient creates the CLOB client. creds may be zero; call
// DeriveAPIKey to bootstrap them before trading.
func NewClobClient(baseURL string, signer *crypto.Signer, creds crypto.ClobCreds, logger *slog.Logger) *ClobClient {
	if baseURL == "" {
		baseURL = ProdBaseURL
	}
	return &ClobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer: signer,
		creds:  creds,
		logger: logger.With(slog.String("component", "polymarket_clob")),
	}
}

// SetRateLimiter installs a distributed limiter consulted before every
// request.
func (c *ClobClient) SetRateLimiter(rl domain.RateLimiter) {
	c.limiter = rl
}

// Creds returns the L2 credentials currently in use.
func (c *ClobClient) Creds() crypto.ClobCreds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// DeriveAPIKey exchanges an EIP-712 ClobAuth signature for L2
// credentials and installs them on the client. Deriving with the same
// nonce always returns the same credentials, so this is safe to run on
// every startup.
func (c *ClobClient) DeriveAPIKey(ctx context.Context, nonce int64) (crypto.ClobCreds, error) {
	ts := time.Now().Unix()
	sig, err := c.signer.SignClobAuth(ts, nonce)
	if err != nil {
		return crypto.ClobCreds{}, fmt.Errorf("polymarket: sign clob auth: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return crypto.ClobCreds{}, fmt.Errorf("polymarket: derive request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("POLY_NONCE", strconv.FormatInt(nonce, 10))

	var out deriveKeyResponse
	if err := c.send(req, &out); err != nil {
		return crypto.ClobCreds{}, fmt.Errorf("polymarket: derive api key: %w", err)
	}
	creds := crypto.ClobCreds{Key: out.APIKey, Secret: out.Secret, Passphrase: out.Passphrase}
	if !creds.Valid() {
		return crypto.ClobCreds{}, fmt.Errorf("polymarket: derive api key: %w: incomplete credentials", domain.ErrVenueAuth)
	}

	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	c.logger.Info("derived clob credentials", slog.String("creds", creds.String()))
	return creds, nil
}

// PostOrder submits one signed order.
func (c *ClobClient) PostOrder(ctx context.Context, payload crypto.OrderPayload, signature, orderType string) (OrderAck, error) {
	body := orderSubmission{
		Order:     signedOrder{OrderPayload: payload, Signature: signature},
		Owner:     c.Creds().Key,
		OrderType: orderType,
	}
	var ack OrderAck
	if err := c.do(ctx, http.MethodPost, "/order", body, &ack); err != nil {
		return OrderAck{}, fmt.Errorf("polymarket: post order: %w", err)
	}
	return ack, nil
}

// CancelOrder cancels one resting order by ID.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	var out cancelResponse
	if err := c.do(ctx, http.MethodDelete, "/order", cancelRequest{OrderID: orderID}, &out); err != nil {
		return fmt.Errorf("polymarket: cancel order: %w", err)
	}
	if reason, ok := out.NotCanceled[orderID]; ok {
		return fmt.Errorf("polymarket: cancel order %s: %s", orderID, reason)
	}
	return nil
}

// GetOrder fetches the current state of one order.
func (c *ClobClient) GetOrder(ctx context.Context, orderID string) (ClobOrder, error) {
	var out ClobOrder
	path := "/data/order/" + url.PathEscape(orderID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return ClobOrder{}, fmt.Errorf("polymarket: get order: %w", err)
	}
	return out, nil
}

// GetBook fetches the aggregated book for one token. Public endpoint.
func (c *ClobClient) GetBook(ctx context.Context, tokenID string) (RestBook, error) {
	var out RestBook
	path := "/book?token_id=" + url.QueryEscape(tokenID)
	if err := c.doPublic(ctx, path, &out); err != nil {
		return RestBook{}, fmt.Errorf("polymarket: get book: %w", err)
	}
	return out, nil
}

// GetMarket fetches the market object for one condition. Public
// endpoint; the response carries token IDs, tick size, tags, the
// neg-risk flag, and fee ceilings.
func (c *ClobClient) GetMarket(ctx context.Context, conditionID string) (ClobMarket, error) {
	var out ClobMarket
	path := "/markets/" + url.PathEscape(conditionID)
	if err := c.doPublic(ctx, path, &out); err != nil {
		return ClobMarket{}, fmt.Errorf("polymarket: get market: %w", err)
	}
	return out, nil
}

// do sends one L2-authenticated request. The HMAC signature covers the
// path including its query string, which is how the venue verifies it.
func (c *ClobClient) do(ctx context.Context, method, path string, reqBody, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, restLimiterKey); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	var bodyStr string
	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyStr = string(data)
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	creds := c.Creds()
	if !creds.Valid() {
		return fmt.Errorf("%w: no L2 credentials", domain.ErrVenueAuth)
	}
	headers, err := creds.L2Headers(c.signer.Address().Hex(), method, path, bodyStr)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.send(req, out)
}

// doPublic sends one unauthenticated GET.
func (c *ClobClient) doPublic(ctx context.Context, path string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, restLimiterKey); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.send(req, out)
}

func (c *ClobClient) send(req *http.Request, out any) error {
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

// checkStatus maps venue HTTP failures onto sentinel errors so callers
// can distinguish retryable rejections from permanent ones.
func checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var apiErr errorBody
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrVenueAuth, apiErr.Error)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, apiErr.Error)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, apiErr.Error)
	case status >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrVenueUnavailable, status, apiErr.Error)
	default:
		return fmt.Errorf("HTTP %d: %s", status, apiErr.Error)
	}
}
