package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutralmarkets/spreadbot/internal/domain"
	"github.com/neutralmarkets/spreadbot/internal/server/handler"
)

func testHandlers() Handlers {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bot := func() domain.BotStatus {
		return domain.BotStatus{Mode: "server", UptimeSeconds: 1}
	}
	return Handlers{
		Health:     handler.NewHealthHandler(time.Now()),
		Status:     handler.NewStatusHandler(bot, nil, nil, nil, nil),
		Control:    handler.NewControlHandler(nil, nil, nil, nil, logger),
		Signals:    handler.NewSignalHandler(nil, logger),
		Executions: handler.NewExecutionHandler(nil, logger),
		Positions:  handler.NewPositionHandler(nil, logger),
	}
}

func TestHealthBypassesAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(Config{Port: 0, APIKey: "sekret"}, testHandlers(), nil, nil, logger)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(Config{Port: 0, APIKey: "sekret"}, testHandlers(), nil, nil, logger)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "sekret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"server"`)
}

func TestUnknownRouteIs404(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(Config{Port: 0}, testHandlers(), nil, nil, logger)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nothing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDrainRouteIsPostOnly(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(Config{Port: 0}, testHandlers(), nil, nil, logger)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/drain", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
