package polymarket

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutralmarkets/spreadbot/internal/crypto"
	"github.com/neutralmarkets/spreadbot/internal/domain"
)

func TestDeriveAPIKeyInstallsCreds(t *testing.T) {
	signer := testSigner(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/derive-api-key", r.URL.Path)
		assert.Equal(t, signer.Address().Hex(), r.Header.Get("POLY_ADDRESS"))
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		assert.NotEmpty(t, r.Header.Get("POLY_TIMESTAMP"))
		assert.Equal(t, "0", r.Header.Get("POLY_NONCE"))
		io.WriteString(w, `{"apiKey":"k","secret":"c2VjcmV0","passphrase":"p"}`)
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, signer, crypto.ClobCreds{}, slog.Default())
	creds, err := c.DeriveAPIKey(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "k", creds.Key)
	assert.Equal(t, creds, c.Creds())
}

func TestDeriveAPIKeyRejectsIncomplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"apiKey":"k","secret":"","passphrase":""}`)
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, testSigner(t), crypto.ClobCreds{}, slog.Default())
	_, err := c.DeriveAPIKey(context.Background(), 0)
	assert.ErrorIs(t, err, domain.ErrVenueAuth)
}

func TestAuthenticatedRequestSignsPathAndBody(t *testing.T) {
	signer := testSigner(t)
	creds := testCreds()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts := r.Header.Get("POLY_TIMESTAMP")
		require.NotEmpty(t, ts)

		// The signature must re-derive from the same inputs.
		var unix int64
		for _, c := range ts {
			unix = unix*10 + int64(c-'0')
		}
		want, err := creds.L2HeadersAt(signer.Address().Hex(), r.Method, "/order", string(body), unix)
		require.NoError(t, err)
		assert.Equal(t, want["POLY_SIGNATURE"], r.Header.Get("POLY_SIGNATURE"))
		assert.Equal(t, "api-key", r.Header.Get("POLY_API_KEY"))
		assert.Equal(t, "passphrase", r.Header.Get("POLY_PASSPHRASE"))

		io.WriteString(w, `{"success":true,"orderID":"0x1","status":"live"}`)
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, signer, creds, slog.Default())
	_, err := c.PostOrder(context.Background(), crypto.OrderPayload{TokenID: "1"}, "0xsig", "GTC")
	require.NoError(t, err)
}

func TestAuthenticatedRequestRequiresCreds(t *testing.T) {
	c := NewClobClient("http://unused", testSigner(t), crypto.ClobCreds{}, slog.Default())
	_, err := c.PostOrder(context.Background(), crypto.OrderPayload{}, "0xsig", "FOK")
	assert.ErrorIs(t, err, domain.ErrVenueAuth)
}

func TestCancelOrderReportsVenueRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		io.WriteString(w, `{"canceled":[],"not_canceled":{"0x1":"order is being matched"}}`)
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, testSigner(t), testCreds(), slog.Default())
	err := c.CancelOrder(context.Background(), "0x1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "being matched")
}

func TestGetBookIsPublic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("POLY_API_KEY"), "book endpoint must not leak credentials")
		assert.Equal(t, "123", r.URL.Query().Get("token_id"))
		io.WriteString(w, `{"market":"0xc0ffee","asset_id":"123","bids":[{"price":"0.47","size":"10"}],"asks":[]}`)
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, testSigner(t), crypto.ClobCreds{}, slog.Default())
	book, err := c.GetBook(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, "0xc0ffee", book.Market)
	require.Len(t, book.Bids, 1)

	levels := levelsFrom(book.Bids)
	require.Len(t, levels, 1)
	assert.Equal(t, domain.MicrosFromFloat(0.47), levels[0].Price)
	assert.Equal(t, int64(10), levels[0].Qty)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, domain.ErrVenueAuth},
		{http.StatusForbidden, domain.ErrVenueAuth},
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusTooManyRequests, domain.ErrRateLimited},
		{http.StatusInternalServerError, domain.ErrVenueUnavailable},
		{http.StatusBadGateway, domain.ErrVenueUnavailable},
	}
	for _, tc := range cases {
		err := checkStatus(tc.status, []byte(`{"error":"nope"}`))
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
	}
	assert.NoError(t, checkStatus(http.StatusOK, nil))
	assert.Error(t, checkStatus(http.StatusTeapot, nil))
}
