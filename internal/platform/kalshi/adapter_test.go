package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*Adapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAdapter(NewClient(srv.URL, testSigner(t)), slog.Default()), srv
}

func buyYesIOC(qty int64, priceCents int64) domain.Order {
	return domain.Order{
		ID:       "leg-1",
		ClientID: "leg-1",
		Venue:    domain.VenueKalshi,
		MarketID: "KXBTC-DEC31",
		Outcome:  domain.OutcomeYes,
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeIOC,
		Price:    domain.MicrosFromCents(priceCents),
		Qty:      qty,
	}
}

func TestSubmitBuildsVenueOrder(t *testing.T) {
	var got OrderRequest
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"order": {
			"order_id": "ord-7", "status": "canceled", "side": "yes", "yes_price": 45,
			"taker_fill_count": 7, "taker_fill_cost": 315, "remaining_count": 3
		}}`)
	})

	res, err := adapter.Submit(context.Background(), buyYesIOC(10, 45))
	require.NoError(t, err)

	assert.Equal(t, "KXBTC-DEC31", got.Ticker)
	assert.Equal(t, "leg-1", got.ClientOrderID)
	assert.Equal(t, "buy", got.Action)
	assert.Equal(t, "yes", got.Side)
	assert.Equal(t, "limit", got.Type)
	assert.Equal(t, int64(10), got.Count)
	require.NotNil(t, got.YesPrice)
	assert.Equal(t, int64(45), *got.YesPrice)
	assert.Nil(t, got.NoPrice)
	require.NotNil(t, got.ExpirationTS, "immediate-or-cancel carries an expiration")
	assert.LessOrEqual(t, *got.ExpirationTS, time.Now().Unix())

	assert.Equal(t, "ord-7", res.OrderID)
	assert.Equal(t, domain.OrderStatusPartial, res.Status)
	assert.Equal(t, int64(7), res.FilledQty)
	assert.Equal(t, domain.MicrosFromCents(45), res.FilledPrice)
	// 7 contracts at 45c: ceil(7*7*45*55/10000) = 13 cents.
	assert.Equal(t, domain.MicrosFromCents(13), res.Fee)
}

func TestSubmitSellNoUsesNoPrice(t *testing.T) {
	var got OrderRequest
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"order": {"order_id": "ord-8", "status": "resting", "side": "no", "no_price": 62, "remaining_count": 4}}`)
	})

	o := buyYesIOC(4, 62)
	o.Outcome = domain.OutcomeNo
	o.Side = domain.OrderSideSell
	o.Type = domain.OrderTypeGTC

	res, err := adapter.Submit(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, "sell", got.Action)
	assert.Equal(t, "no", got.Side)
	require.NotNil(t, got.NoPrice)
	assert.Equal(t, int64(62), *got.NoPrice)
	assert.Nil(t, got.YesPrice)
	assert.Nil(t, got.ExpirationTS)

	assert.Equal(t, domain.OrderStatusOpen, res.Status)
	assert.Zero(t, res.FilledQty)
	assert.Zero(t, res.Fee)
}

func TestSubmitVenueReportedFeesWin(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"order": {
			"order_id": "ord-9", "status": "executed", "side": "yes", "yes_price": 45,
			"taker_fill_count": 7, "taker_fill_cost": 315, "taker_fees": 11
		}}`)
	})

	res, err := adapter.Submit(context.Background(), buyYesIOC(7, 45))
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusFilled, res.Status)
	assert.Equal(t, domain.MicrosFromCents(11), res.Fee,
		"venue-reported fees take precedence over the formula")
}

func TestSubmitRejectsBadOrders(t *testing.T) {
	calls := 0
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"order": {"order_id": "x", "status": "resting"}}`)
	})

	t.Run("fill-or-kill unsupported", func(t *testing.T) {
		o := buyYesIOC(5, 45)
		o.Type = domain.OrderTypeFOK
		_, err := adapter.Submit(context.Background(), o)
		assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	})

	t.Run("wrong venue", func(t *testing.T) {
		o := buyYesIOC(5, 45)
		o.Venue = domain.VenuePolymarket
		_, err := adapter.Submit(context.Background(), o)
		assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	})

	t.Run("zero quantity", func(t *testing.T) {
		_, err := adapter.Submit(context.Background(), buyYesIOC(0, 45))
		assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	})

	t.Run("fractional cent", func(t *testing.T) {
		o := buyYesIOC(5, 45)
		o.Price = domain.MicrosFromCents(45) + 5000
		_, err := adapter.Submit(context.Background(), o)
		assert.ErrorIs(t, err, domain.ErrInvalidPrice)
	})

	t.Run("price out of range", func(t *testing.T) {
		_, err := adapter.Submit(context.Background(), buyYesIOC(5, 0))
		assert.ErrorIs(t, err, domain.ErrInvalidPrice)

		_, err = adapter.Submit(context.Background(), buyYesIOC(5, 100))
		assert.ErrorIs(t, err, domain.ErrInvalidPrice)
	})

	assert.Zero(t, calls, "invalid orders never reach the venue")
}

func TestSubmitRetriesRateLimit(t *testing.T) {
	attempts := 0
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"code": "rate_limited", "message": "slow down"}`)
			return
		}
		fmt.Fprint(w, `{"order": {"order_id": "ord-10", "status": "executed", "side": "yes", "yes_price": 45, "taker_fill_count": 5, "taker_fill_cost": 225}}`)
	})

	res, err := adapter.Submit(context.Background(), buyYesIOC(5, 45))
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, domain.OrderStatusFilled, res.Status)
}

func TestSubmitDoesNotRetryRejections(t *testing.T) {
	attempts := 0
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code": "insufficient_balance", "message": "not enough funds"}`)
	})

	_, err := adapter.Submit(context.Background(), buyYesIOC(5, 45))
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "definite rejections are not retried")
}

func TestStatusCombinesMakerAndTakerFills(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/trade-api/v2/portfolio/orders/ord-9", r.URL.Path)
		fmt.Fprint(w, `{"order": {
			"order_id": "ord-9", "status": "resting", "side": "yes", "yes_price": 53,
			"taker_fill_count": 2, "taker_fill_cost": 106, "maker_fill_count": 1, "remaining_count": 4
		}}`)
	})

	res, err := adapter.Status(context.Background(), "ord-9")
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusPartial, res.Status)
	assert.Equal(t, int64(3), res.FilledQty)
	// Maker fills execute at the resting limit: (106 + 1*53)/3 = 53c.
	assert.Equal(t, domain.MicrosFromCents(53), res.FilledPrice)
	// Formula fee on the 2 taker fills only: ceil(7*2*53*47/10000) = 4c.
	assert.Equal(t, domain.MicrosFromCents(4), res.Fee)
}

func TestCancelIgnoresMissingOrder(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"code": "not_found", "message": "order not found"}`)
	})

	err := adapter.Cancel(context.Background(), "KXBTC-DEC31", "ord-gone")
	assert.NoError(t, err, "cancelling an already-gone order is success")
}

func TestCancelPropagatesVenueErrors(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"code": "internal", "message": "boom"}`)
	})

	err := adapter.Cancel(context.Background(), "KXBTC-DEC31", "ord-11")
	assert.ErrorIs(t, err, domain.ErrVenueUnavailable)
}

func TestAvailableBalance(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"balance": 2500, "portfolio_value": 10000}`)
	})

	bal, err := adapter.AvailableBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25*domain.Dollar, bal)
}
