package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutralmarkets/spreadbot/internal/book"
	"github.com/neutralmarkets/spreadbot/internal/domain"
	"github.com/neutralmarkets/spreadbot/internal/feed"
	"github.com/neutralmarkets/spreadbot/internal/risk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler(time.Now().Add(-90 * time.Second))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	h.Check(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.GreaterOrEqual(t, body["uptime_seconds"].(float64), float64(90))
}

type fakeFeedStatus struct {
	statuses []feed.VenueStatus
}

func (f *fakeFeedStatus) Snapshot() []feed.VenueStatus { return f.statuses }

func TestStatusSnapshot(t *testing.T) {
	ledger := risk.NewLedger()
	ledger.SetBalance(domain.VenueKalshi, 250*domain.Dollar)

	feeds := &fakeFeedStatus{statuses: []feed.VenueStatus{
		{Venue: domain.VenueKalshi, Live: true, Connected: true, Reconnects: 2},
		{Venue: domain.VenuePolymarket, Live: false, Halted: true},
	}}
	bot := func() domain.BotStatus {
		return domain.BotStatus{
			Mode:            "all",
			LiveTrading:     true,
			TrackedBooks:    4,
			InflightArbs:    1,
			SignalsDetected: 12,
			SignalsApproved: 3,
			UptimeSeconds:   60,
		}
	}

	h := NewStatusHandler(bot, feeds, ledger, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	h.Status(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "all", body["mode"])
	assert.Equal(t, true, body["live_trading"])
	assert.Equal(t, float64(12), body["signals_detected"])

	venues := body["venues"].([]any)
	require.Len(t, venues, 2)
	first := venues[0].(map[string]any)
	assert.Equal(t, "kalshi", first["venue"])
	assert.Equal(t, true, first["live"])

	balances := body["balances"].(map[string]any)
	kalshi := balances["kalshi"].(map[string]any)
	assert.InDelta(t, 250.0, kalshi["free_usd"].(float64), 1e-9)
}

type fakeEngineStats struct {
	detected, approved int64
	tracked            int
	draining           bool
}

func (f *fakeEngineStats) Counts() (int64, int64) { return f.detected, f.approved }

func (f *fakeEngineStats) TrackedBooks() int { return f.tracked }

func (f *fakeEngineStats) BookStats() *book.Stats { return nil }

func (f *fakeEngineStats) Draining() bool { return f.draining }

type fakeExecStats struct {
	inflight             int
	submitted, completed int64
	draining             bool
	drains               int
	mu                   sync.Mutex
}

func (f *fakeExecStats) InFlight() int { return f.inflight }

func (f *fakeExecStats) Counts() (int64, int64) { return f.submitted, f.completed }

func (f *fakeExecStats) Draining() bool { return f.draining }

func (f *fakeExecStats) Drain(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++
	f.draining = true
	return nil
}

func (f *fakeExecStats) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draining = false
}

func TestMetricsCounters(t *testing.T) {
	engine := &fakeEngineStats{detected: 9, approved: 2, tracked: 5}
	exec := &fakeExecStats{inflight: 1, submitted: 2, completed: 1}
	feeds := &fakeFeedStatus{statuses: []feed.VenueStatus{
		{Venue: domain.VenueKalshi, Reconnects: 7},
	}}

	h := NewStatusHandler(func() domain.BotStatus { return domain.BotStatus{} }, feeds, nil, engine, exec)
	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	rec := httptest.NewRecorder()
	h.Metrics(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(9), body["signals_detected"])
	assert.Equal(t, float64(5), body["books_tracked"])
	assert.Equal(t, float64(1), body["arbs_in_flight"])
	assert.Equal(t, float64(7), body["feed_reconnects_kalshi"])
}

type fakeDetection struct {
	draining bool
	drains   int
}

func (f *fakeDetection) Drain()         { f.drains++; f.draining = true }
func (f *fakeDetection) Resume()        { f.draining = false }
func (f *fakeDetection) Draining() bool { return f.draining }

type recordingAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	titles []string
}

func (a *recordingAlerter) Alert(ctx context.Context, title, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.titles = append(a.titles, title)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.titles)
}

func TestDrainEndpoint(t *testing.T) {
	engine := &fakeDetection{}
	exec := &fakeExecStats{inflight: 2}
	audit := &recordingAudit{}
	alerter := &recordingAlerter{}

	h := NewControlHandler(engine, exec, audit, alerter, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/drain", nil)
	rec := httptest.NewRecorder()
	h.Drain(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["draining"])
	assert.Equal(t, float64(2), body["inflight_arbs"])
	assert.True(t, engine.draining)
	assert.Equal(t, []string{"drain_requested"}, audit.events)

	require.Eventuallyf(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return exec.drains == 1
	}, time.Second, 10*time.Millisecond, "executor drain not started")

	// Second call is a no-op besides the response.
	rec = httptest.NewRecorder()
	h.Drain(rec, httptest.NewRequest(http.MethodPost, "/api/drain", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"drain_requested"}, audit.events, "no duplicate audit entry")
	assert.Equal(t, 1, alerter.count(), "no duplicate alert")
}

func TestResumeEndpoint(t *testing.T) {
	engine := &fakeDetection{draining: true}
	exec := &fakeExecStats{draining: true}
	audit := &recordingAudit{}
	alerter := &recordingAlerter{}

	h := NewControlHandler(engine, exec, audit, alerter, testLogger())

	rec := httptest.NewRecorder()
	h.Resume(rec, httptest.NewRequest(http.MethodPost, "/api/resume", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["draining"])
	assert.False(t, engine.draining)
	assert.False(t, exec.draining)
	assert.Equal(t, []string{"resume_requested"}, audit.events)
	assert.Equal(t, 1, alerter.count())

	// Resuming while already running leaves no audit trace.
	rec = httptest.NewRecorder()
	h.Resume(rec, httptest.NewRequest(http.MethodPost, "/api/resume", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"resume_requested"}, audit.events)
	assert.Equal(t, 1, alerter.count())
}

type fakeSignalStore struct {
	signals []domain.SpreadSignal
	err     error
}

func (f *fakeSignalStore) Insert(ctx context.Context, sig domain.SpreadSignal) error { return nil }
func (f *fakeSignalStore) RecordVerdict(ctx context.Context, v domain.RiskVerdict) error {
	return nil
}
func (f *fakeSignalStore) GetByID(ctx context.Context, id string) (domain.SpreadSignal, *domain.RiskVerdict, error) {
	return domain.SpreadSignal{}, nil, domain.ErrNotFound
}
func (f *fakeSignalStore) ListRecent(ctx context.Context, limit int) ([]domain.SpreadSignal, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.signals) {
		return f.signals[:limit], nil
	}
	return f.signals, nil
}

func TestSignalsRecent(t *testing.T) {
	store := &fakeSignalStore{signals: []domain.SpreadSignal{
		{
			ID:          "sig-1",
			PairKind:    domain.PairCrossPlatform,
			YesVenue:    domain.VenueKalshi,
			YesMarketID: "KXBTCD-25AUG26-B118000",
			YesAsk:      44 * domain.Cent,
			NoVenue:     domain.VenuePolymarket,
			NoMarketID:  "0xdd22472e5529",
			NoAsk:       51 * domain.Cent,
			Qty:         120,
			NetEdge:     4 * domain.Cent,
			DetectedAt:  time.Now().UTC(),
		},
	}}

	h := NewSignalHandler(store, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/signals/recent?limit=10", nil)
	rec := httptest.NewRecorder()
	h.ListRecent(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	signals := body["signals"].([]any)
	require.Len(t, signals, 1)
	sig := signals[0].(map[string]any)
	assert.Equal(t, "sig-1", sig["id"])
	assert.InDelta(t, 0.44, sig["yes_ask_usd"].(float64), 1e-9)
	assert.InDelta(t, 0.04, sig["net_edge_usd"].(float64), 1e-9)
}

type fakeArbStore struct {
	arbs    map[string]domain.Arb
	recent  []domain.Arb
	summary domain.ProfitSummary
}

func (f *fakeArbStore) Create(ctx context.Context, arb domain.Arb) error { return nil }
func (f *fakeArbStore) Update(ctx context.Context, arb domain.Arb) error { return nil }
func (f *fakeArbStore) GetByID(ctx context.Context, id string) (domain.Arb, error) {
	a, ok := f.arbs[id]
	if !ok {
		return domain.Arb{}, domain.ErrNotFound
	}
	return a, nil
}
func (f *fakeArbStore) ListInFlight(ctx context.Context) ([]domain.Arb, error) { return nil, nil }
func (f *fakeArbStore) ListRecent(ctx context.Context, limit int) ([]domain.Arb, error) {
	return f.recent, nil
}
func (f *fakeArbStore) SumPnL(ctx context.Context, since time.Time) (domain.Micros, error) {
	return f.summary.NetPnL, nil
}
func (f *fakeArbStore) Summary(ctx context.Context, since time.Time) (domain.ProfitSummary, error) {
	sum := f.summary
	sum.Since = since
	return sum, nil
}

func sampleArb() domain.Arb {
	finished := time.Now().UTC()
	return domain.Arb{
		ID:       "arb-1",
		SignalID: "sig-1",
		PairKind: domain.PairIntraPolymarket,
		State:    domain.LegStateMerged,
		Qty:      100,
		YesLeg: domain.LegRecord{
			Venue:        domain.VenuePolymarket,
			MarketID:     "0xdd22472e5529",
			Outcome:      domain.OutcomeYes,
			OrderID:      "ord-yes",
			LimitPrice:   46 * domain.Cent,
			RequestedQty: 100,
			FilledQty:    100,
			FilledPrice:  46 * domain.Cent,
			SubmittedAt:  finished.Add(-time.Minute),
			ResolvedAt:   finished.Add(-50 * time.Second),
		},
		NoLeg: domain.LegRecord{
			Venue:        domain.VenuePolymarket,
			MarketID:     "0xdd22472e5529",
			Outcome:      domain.OutcomeNo,
			OrderID:      "ord-no",
			LimitPrice:   51 * domain.Cent,
			RequestedQty: 100,
			FilledQty:    100,
			FilledPrice:  51 * domain.Cent,
			SubmittedAt:  finished.Add(-time.Minute),
			ResolvedAt:   finished.Add(-45 * time.Second),
		},
		MergeTx:    "0x6f0c4be5a1b2",
		GasSpent:   domain.MicrosFromCents(3),
		PnL:        domain.MicrosFromCents(279),
		Live:       true,
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: &finished,
	}
}

func TestExecutionsListAndGet(t *testing.T) {
	arb := sampleArb()
	store := &fakeArbStore{
		arbs:   map[string]domain.Arb{"arb-1": arb},
		recent: []domain.Arb{arb},
	}
	h := NewExecutionHandler(store, testLogger())

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/executions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	execs := body["executions"].([]any)
	require.Len(t, execs, 1)
	first := execs[0].(map[string]any)
	assert.Equal(t, "arb-1", first["id"])
	assert.Equal(t, "MERGED", first["state"])
	assert.InDelta(t, 2.79, first["pnl_usd"].(float64), 1e-9)

	// Path parameter routing requires a mux.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/executions/{id}", h.Get)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/executions/arb-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	single := decodeBody(t, rec)
	yes := single["yes_leg"].(map[string]any)
	assert.InDelta(t, 0.46, yes["fill_usd"].(float64), 1e-9)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/executions/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProfitWindow(t *testing.T) {
	store := &fakeArbStore{summary: domain.ProfitSummary{
		Until:        time.Now().UTC(),
		Attempts:     3,
		Merged:       2,
		ClosedAtLoss: 1,
		GrossPnL:     domain.MicrosFromCents(195),
		Fees:         domain.MicrosFromCents(75),
		NetPnL:       domain.MicrosFromCents(120),
	}}
	h := NewExecutionHandler(store, testLogger())

	rec := httptest.NewRecorder()
	h.Profit(rec, httptest.NewRequest(http.MethodGet, "/api/profit?since=2026-08-01", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["attempts"])
	assert.InDelta(t, 1.20, body["net_pnl_usd"].(float64), 1e-9)
	assert.Contains(t, body["since"], "2026-08-01")
}

type fakePositionStore struct {
	open     []domain.Position
	byMarket map[domain.MarketKey][]domain.Position
}

func (f *fakePositionStore) Upsert(ctx context.Context, pos domain.Position) error { return nil }
func (f *fakePositionStore) Close(ctx context.Context, id string, exitPrice domain.Micros, at time.Time) error {
	return nil
}
func (f *fakePositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (f *fakePositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	return f.open, nil
}
func (f *fakePositionStore) ListByMarket(ctx context.Context, key domain.MarketKey, opts domain.ListOpts) ([]domain.Position, error) {
	return f.byMarket[key], nil
}

func TestPositionsList(t *testing.T) {
	key := domain.MarketKey{Venue: domain.VenueKalshi, MarketID: "KXBTCD-25AUG26-B118000"}
	pos := domain.Position{
		ID:         "pos-1",
		ArbID:      "arb-1",
		Venue:      domain.VenueKalshi,
		MarketID:   key.MarketID,
		Outcome:    domain.OutcomeYes,
		Qty:        25,
		EntryPrice: 44 * domain.Cent,
		Status:     domain.PositionStatusOpen,
		OpenedAt:   time.Now().UTC(),
	}
	store := &fakePositionStore{
		open:     []domain.Position{pos},
		byMarket: map[domain.MarketKey][]domain.Position{key: {pos}},
	}
	h := NewPositionHandler(store, testLogger())

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	positions := body["positions"].([]any)
	require.Len(t, positions, 1)
	first := positions[0].(map[string]any)
	assert.Equal(t, "pos-1", first["id"])
	assert.InDelta(t, 11.0, first["cost_basis_usd"].(float64), 1e-9)

	rec = httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/positions?venue=kalshi&market=KXBTCD-25AUG26-B118000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	require.Len(t, body["positions"].([]any), 1)

	rec = httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/positions?venue=kalshi", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
