package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutralmarkets/spreadbot/internal/domain"
	"github.com/neutralmarkets/spreadbot/internal/risk"
)

func dollars(v float64) domain.Micros { return domain.MicrosFromFloat(v) }

type stubResult struct {
	res domain.OrderResult
	err error
}

// fakeRouter replays scripted results per (venue, outcome) in FIFO
// order; unscripted submissions resolve as zero-fill kills.
type fakeRouter struct {
	mu       sync.Mutex
	orders   []domain.Order
	cancels  []string
	stubs    map[string][]stubResult
	statusFn func(orderID string) (domain.OrderResult, error)
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{stubs: make(map[string][]stubResult)}
}

func stubKey(venue domain.Venue, outcome domain.Outcome) string {
	return string(venue) + ":" + string(outcome)
}

func (f *fakeRouter) stub(venue domain.Venue, outcome domain.Outcome, res domain.OrderResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := stubKey(venue, outcome)
	f.stubs[k] = append(f.stubs[k], stubResult{res, err})
}

func (f *fakeRouter) Submit(ctx context.Context, order domain.Order) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, order)
	k := stubKey(order.Venue, order.Outcome)
	q := f.stubs[k]
	if len(q) == 0 {
		return domain.OrderResult{OrderID: "noop-" + order.ID, Status: domain.OrderStatusCancelled}, nil
	}
	f.stubs[k] = q[1:]
	return q[0].res, q[0].err
}

func (f *fakeRouter) Cancel(ctx context.Context, venue domain.Venue, marketID, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	return nil
}

func (f *fakeRouter) Status(ctx context.Context, venue domain.Venue, orderID string) (domain.OrderResult, error) {
	f.mu.Lock()
	fn := f.statusFn
	f.mu.Unlock()
	if fn != nil {
		return fn(orderID)
	}
	return domain.OrderResult{OrderID: orderID, Status: domain.OrderStatusCancelled}, nil
}

func (f *fakeRouter) submittedOrders() []domain.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Order(nil), f.orders...)
}

func (f *fakeRouter) ordersFor(venue domain.Venue, outcome domain.Outcome) []domain.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Order
	for _, o := range f.orders {
		if o.Venue == venue && o.Outcome == outcome {
			out = append(out, o)
		}
	}
	return out
}

type mergeCall struct {
	conditionID string
	qty         int64
}

type fakeMerger struct {
	mu      sync.Mutex
	calls   []mergeCall
	receipt MergeReceipt
	err     error
}

func (f *fakeMerger) Merge(ctx context.Context, conditionID string, qty int64, negRisk bool) (MergeReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mergeCall{conditionID, qty})
	return f.receipt, f.err
}

type fakeAlerter struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeAlerter) Alert(ctx context.Context, title, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
}

func (f *fakeAlerter) got(title string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.titles {
		if t == title {
			return true
		}
	}
	return false
}

type fakeArbStore struct {
	mu   sync.Mutex
	arbs map[string]domain.Arb
}

func newFakeArbStore() *fakeArbStore {
	return &fakeArbStore{arbs: make(map[string]domain.Arb)}
}

func (f *fakeArbStore) Create(ctx context.Context, arb domain.Arb) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arbs[arb.ID] = arb
	return nil
}

func (f *fakeArbStore) Update(ctx context.Context, arb domain.Arb) error {
	return f.Create(ctx, arb)
}

func (f *fakeArbStore) GetByID(ctx context.Context, id string) (domain.Arb, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.arbs[id]
	if !ok {
		return domain.Arb{}, domain.ErrNotFound
	}
	return a, nil
}

func (f *fakeArbStore) ListInFlight(ctx context.Context) ([]domain.Arb, error) { return nil, nil }
func (f *fakeArbStore) ListRecent(ctx context.Context, limit int) ([]domain.Arb, error) {
	return nil, nil
}
func (f *fakeArbStore) SumPnL(ctx context.Context, since time.Time) (domain.Micros, error) {
	return 0, nil
}
func (f *fakeArbStore) Summary(ctx context.Context, since time.Time) (domain.ProfitSummary, error) {
	return domain.ProfitSummary{}, nil
}

// one reflects the single terminal arb most tests produce.
func (f *fakeArbStore) one(t *testing.T) domain.Arb {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.arbs, 1)
	for _, a := range f.arbs {
		return a
	}
	return domain.Arb{}
}

type fakeTradeLog struct {
	mu   sync.Mutex
	rows []domain.TradeRecord
}

func (f *fakeTradeLog) Append(ctx context.Context, rec domain.TradeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rec)
	return nil
}

func (f *fakeTradeLog) List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TradeRecord(nil), f.rows...), nil
}

func (f *fakeTradeLog) ListByArb(ctx context.Context, arbID string) ([]domain.TradeRecord, error) {
	return f.List(ctx, domain.ListOpts{})
}

func (f *fakeTradeLog) GetLastTimestamp(ctx context.Context) (time.Time, error) {
	return time.Time{}, nil
}

type fakePositionStore struct {
	mu   sync.Mutex
	open []domain.Position
}

func (f *fakePositionStore) Upsert(ctx context.Context, pos domain.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = append(f.open, pos)
	return nil
}

func (f *fakePositionStore) Close(ctx context.Context, id string, exitPrice domain.Micros, at time.Time) error {
	return nil
}
func (f *fakePositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (f *fakePositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Position(nil), f.open...), nil
}
func (f *fakePositionStore) ListByMarket(ctx context.Context, key domain.MarketKey, opts domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

type coordFixture struct {
	coord  *Coordinator
	router *fakeRouter
	merger *fakeMerger
	ledger *risk.Ledger
	arbs   *fakeArbStore
	trades *fakeTradeLog
	poss   *fakePositionStore
	alerts *fakeAlerter
}

func newFixture(t *testing.T, mutate func(*Config)) *coordFixture {
	t.Helper()
	router := newFakeRouter()
	merger := &fakeMerger{receipt: MergeReceipt{TxHash: "0xdeadbeef"}}
	ledger := risk.NewLedger()
	ledger.SetBalance(domain.VenuePolymarket, dollars(100))
	ledger.SetBalance(domain.VenueKalshi, dollars(100))

	cfg := DefaultConfig()
	cfg.LiveTrading = true
	if mutate != nil {
		mutate(&cfg)
	}
	hedger := NewHedger(HedgerConfig{
		Style:       HedgeChase,
		StepTick:    domain.Cent,
		MaxAttempts: 5,
	}, router, slog.Default())

	fix := &coordFixture{
		router: router,
		merger: merger,
		ledger: ledger,
		arbs:   newFakeArbStore(),
		trades: &fakeTradeLog{},
		poss:   &fakePositionStore{},
		alerts: &fakeAlerter{},
	}
	fix.coord = NewCoordinator(cfg, router, merger, hedger, ledger, NewRegistry(), slog.Default())
	fix.coord.SetStores(fix.arbs, fix.trades, fix.poss)
	fix.coord.SetAlerter(fix.alerts)
	return fix
}

func (f *coordFixture) submit(t *testing.T, sig domain.SpreadSignal, qty int64) {
	t.Helper()
	amounts := risk.ReservationAmounts(sig, qty)
	require.NoError(t, f.ledger.Reserve(amounts))
	verdict := domain.RiskVerdict{
		SignalID:  sig.ID,
		Approved:  true,
		Qty:       qty,
		DecidedAt: time.Now().UTC(),
	}
	require.NoError(t, f.coord.Submit(context.Background(), sig, verdict))
}

func (f *coordFixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.coord.Drain(ctx))
}

func polySig(id string, qty int64) domain.SpreadSignal {
	return domain.SpreadSignal{
		ID:             id,
		PairKind:       domain.PairIntraPolymarket,
		YesVenue:       domain.VenuePolymarket,
		YesMarketID:    "0xmkt",
		YesTokenID:     "111",
		YesAsk:         dollars(0.45),
		NoVenue:        domain.VenuePolymarket,
		NoMarketID:     "0xmkt",
		NoTokenID:      "222",
		NoAsk:          dollars(0.53),
		Qty:            qty,
		GasPerContract: dollars(0.005),
		ConditionID:    "0xcond",
		DetectedAt:     time.Now().UTC(),
	}
}

func crossSig(id string, qty int64) domain.SpreadSignal {
	return domain.SpreadSignal{
		ID:          id,
		PairKind:    domain.PairCrossPlatform,
		YesVenue:    domain.VenueKalshi,
		YesMarketID: "KXBTC-DEC31",
		YesAsk:      dollars(0.45),
		NoVenue:     domain.VenuePolymarket,
		NoMarketID:  "0xmkt",
		NoTokenID:   "222",
		NoAsk:       dollars(0.53),
		Qty:         qty,
		DetectedAt:  time.Now().UTC(),
	}
}

func filled(qty int64, price domain.Micros) domain.OrderResult {
	return domain.OrderResult{
		OrderID:     "ord-" + price.String(),
		Status:      domain.OrderStatusFilled,
		FilledQty:   qty,
		FilledPrice: price,
	}
}

func TestBothLegsFillAndMerge(t *testing.T) {
	fix := newFixture(t, nil)
	fix.merger.receipt = MergeReceipt{TxHash: "0xdeadbeef", GasSpent: dollars(0.05)}
	fix.router.stub(domain.VenuePolymarket, domain.OutcomeYes, filled(10, dollars(0.45)), nil)
	fix.router.stub(domain.VenuePolymarket, domain.OutcomeNo, filled(10, dollars(0.53)), nil)

	fix.submit(t, polySig("sig-1", 10), 10)
	fix.wait(t)

	arb := fix.arbs.one(t)
	assert.Equal(t, domain.LegStateMerged, arb.State)
	assert.Equal(t, "0xdeadbeef", arb.MergeTx)
	assert.Equal(t, dollars(0.15), arb.PnL)

	require.Len(t, fix.merger.calls, 1)
	assert.Equal(t, mergeCall{"0xcond", 10}, fix.merger.calls[0])

	// All capital settles back: starting balance plus realized profit.
	free, reserved := fix.ledger.Balance(domain.VenuePolymarket)
	assert.Equal(t, dollars(100.15), free)
	assert.Equal(t, domain.Micros(0), reserved)

	// Nothing is left on the books after a merge.
	open, _ := fix.poss.ListOpen(context.Background())
	assert.Empty(t, open)

	// Trade log: two legs and the merge row.
	rows, _ := fix.trades.List(context.Background(), domain.ListOpts{})
	require.Len(t, rows, 3)
	assert.Equal(t, "merge", rows[2].Role)
	assert.Equal(t, int64(10), rows[2].FillQty)
}

func TestBothLegsKilledAborts(t *testing.T) {
	fix := newFixture(t, nil)
	// No stubs: both FOK legs resolve as zero-fill kills.

	fix.submit(t, polySig("sig-1", 10), 10)
	fix.wait(t)

	arb := fix.arbs.one(t)
	assert.Equal(t, domain.LegStateAborted, arb.State)
	assert.Equal(t, domain.Micros(0), arb.PnL)

	free, reserved := fix.ledger.Balance(domain.VenuePolymarket)
	assert.Equal(t, dollars(100), free)
	assert.Equal(t, domain.Micros(0), reserved)
	assert.Empty(t, fix.merger.calls)

	// A clean abort forgets the fingerprint so the still-live edge can
	// be retried immediately.
	fix.coord.Resume()
	fix.submit(t, polySig("sig-2", 10), 10)
	fix.wait(t)
	assert.Len(t, fix.router.submittedOrders(), 4)
}

func TestDryRunSubmitsNothing(t *testing.T) {
	fix := newFixture(t, func(cfg *Config) { cfg.LiveTrading = false })

	fix.submit(t, polySig("sig-1", 10), 10)
	fix.wait(t)

	assert.Empty(t, fix.router.submittedOrders())
	assert.Empty(t, fix.arbs.arbs)

	free, reserved := fix.ledger.Balance(domain.VenuePolymarket)
	assert.Equal(t, dollars(100), free)
	assert.Equal(t, domain.Micros(0), reserved)
}

func TestLeg2KilledHedgeChasesWithinCeiling(t *testing.T) {
	fix := newFixture(t, nil)
	fix.merger.receipt = MergeReceipt{TxHash: "0xmerge", GasSpent: dollars(0.03)}
	// Yes leg fills 7; No leg FOK is killed.
	fix.router.stub(domain.VenuePolymarket, domain.OutcomeYes, filled(7, dollars(0.45)), nil)
	fix.router.stub(domain.VenuePolymarket, domain.OutcomeNo,
		domain.OrderResult{OrderID: "killed", Status: domain.OrderStatusCancelled}, nil)
	// Chase: no fill at 0.53, full fill at 0.54.
	fix.router.stub(domain.VenuePolymarket, domain.OutcomeNo,
		domain.OrderResult{OrderID: "miss", Status: domain.OrderStatusCancelled}, nil)
	fix.router.stub(domain.VenuePolymarket, domain.OutcomeNo, filled(7, dollars(0.54)), nil)

	fix.submit(t, polySig("sig-1", 7), 7)
	fix.wait(t)

	arb := fix.arbs.one(t)
	assert.Equal(t, domain.LegStateMerged, arb.State)
	require.NotNil(t, arb.HedgeLeg)
	assert.Equal(t, int64(7), arb.HedgeLeg.FilledQty)
	assert.Equal(t, dollars(0.54), arb.HedgeLeg.FilledPrice)

	// 7.00 payout - 3.15 yes - 3.78 hedge - 0.03 gas.
	assert.Equal(t, dollars(0.04), arb.PnL)

	// The chase never quoted above the 0.55 break-even ceiling.
	noOrders := fix.router.ordersFor(domain.VenuePolymarket, domain.OutcomeNo)
	require.Len(t, noOrders, 3)
	assert.Equal(t, dollars(0.53), noOrders[1].Price)
	assert.Equal(t, dollars(0.54), noOrders[2].Price)
	for _, o := range noOrders {
		assert.LessOrEqual(t, int64(o.Price), int64(dollars(0.55)))
	}
}

func TestHedgeExhaustionClosesAtLoss(t *testing.T) {
	fix := newFixture(t, nil)
	fix.router.stub(domain.VenuePolymarket, domain.OutcomeYes, filled(7, dollars(0.45)), nil)
	// Every No submission, leg and chase alike, is killed.

	fix.submit(t, polySig("sig-1", 7), 7)
	fix.wait(t)

	arb := fix.arbs.one(t)
	assert.Equal(t, domain.LegStateClosedAtLoss, arb.State)
	assert.True(t, fix.alerts.got("hedge failed"))
	assert.Empty(t, fix.merger.calls)

	// The one-sided Yes residue is recorded for the operator.
	open, _ := fix.poss.ListOpen(context.Background())
	require.Len(t, open, 1)
	assert.Equal(t, domain.OutcomeYes, open[0].Outcome)
	assert.Equal(t, int64(7), open[0].Qty)
	assert.Equal(t, dollars(0.45), open[0].EntryPrice)

	// Chase stops at the ceiling: 0.53, 0.54, 0.55, never 0.56.
	noOrders := fix.router.ordersFor(domain.VenuePolymarket, domain.OutcomeNo)
	require.Len(t, noOrders, 4) // FOK leg + three chase attempts
	assert.Equal(t, dollars(0.55), noOrders[3].Price)
}

func TestCrossSubmitsKalshiFirstAndShrinksPolyLeg(t *testing.T) {
	fix := newFixture(t, nil)
	fix.router.stub(domain.VenueKalshi, domain.OutcomeYes, filled(6, dollars(0.45)), nil)
	fix.router.stub(domain.VenuePolymarket, domain.OutcomeNo, filled(6, dollars(0.53)), nil)

	fix.submit(t, crossSig("sig-1", 10), 10)
	fix.wait(t)

	orders := fix.router.submittedOrders()
	require.Len(t, orders, 2)
	assert.Equal(t, domain.VenueKalshi, orders[0].Venue)
	assert.Equal(t, domain.OrderTypeIOC, orders[0].Type)
	assert.Equal(t, int64(10), orders[0].Qty)
	assert.Equal(t, domain.VenuePolymarket, orders[1].Venue)
	assert.Equal(t, domain.OrderTypeFOK, orders[1].Type)
	// The FOK leg is sized to what Kalshi actually filled.
	assert.Equal(t, int64(6), orders[1].Qty)

	arb := fix.arbs.one(t)
	assert.Equal(t, domain.LegStateBothFilled, arb.State)
	// No merge path across venues; both sides ride to resolution.
	assert.Empty(t, fix.merger.calls)
	open, _ := fix.poss.ListOpen(context.Background())
	assert.Len(t, open, 2)
}

func TestSubViableKalshiFillAborts(t *testing.T) {
	fix := newFixture(t, func(cfg *Config) { cfg.MinViableQty = 5 })
	fix.router.stub(domain.VenueKalshi, domain.OutcomeYes, filled(3, dollars(0.45)), nil)

	fix.submit(t, crossSig("sig-1", 10), 10)
	fix.wait(t)

	arb := fix.arbs.one(t)
	assert.Equal(t, domain.LegStateAborted, arb.State)
	assert.True(t, fix.alerts.got("aborted with residue"))

	// Only the Kalshi leg went out; the Polymarket leg never did.
	orders := fix.router.submittedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.VenueKalshi, orders[0].Venue)

	open, _ := fix.poss.ListOpen(context.Background())
	require.Len(t, open, 1)
	assert.Equal(t, int64(3), open[0].Qty)
}

func TestMergeFailureClosesAtLossAndAlerts(t *testing.T) {
	fix := newFixture(t, nil)
	fix.merger.err = errors.New("rpc: nonce too low")
	fix.router.stub(domain.VenuePolymarket, domain.OutcomeYes, filled(10, dollars(0.45)), nil)
	fix.router.stub(domain.VenuePolymarket, domain.OutcomeNo, filled(10, dollars(0.53)), nil)

	fix.submit(t, polySig("sig-1", 10), 10)
	fix.wait(t)

	arb := fix.arbs.one(t)
	assert.Equal(t, domain.LegStateClosedAtLoss, arb.State)
	assert.True(t, fix.alerts.got("merge failed"))

	// The matched pairs stay on the books pending manual action.
	open, _ := fix.poss.ListOpen(context.Background())
	assert.Len(t, open, 2)
}

func TestDuplicateOpportunitySuppressed(t *testing.T) {
	fix := newFixture(t, nil)
	fix.router.stub(domain.VenuePolymarket, domain.OutcomeYes, filled(10, dollars(0.45)), nil)
	fix.router.stub(domain.VenuePolymarket, domain.OutcomeNo, filled(10, dollars(0.53)), nil)

	fix.submit(t, polySig("sig-1", 10), 10)
	fix.wait(t)
	before := len(fix.router.submittedOrders())

	// Same books, new signal ID: the fingerprint matches and nothing
	// new reaches the venues. Its reservation is returned.
	fix.coord.Resume()
	fix.submit(t, polySig("sig-2", 10), 10)
	fix.wait(t)

	assert.Len(t, fix.router.submittedOrders(), before)
	_, reserved := fix.ledger.Balance(domain.VenuePolymarket)
	assert.Equal(t, domain.Micros(0), reserved)
}

func TestDrainRefusesNewSignals(t *testing.T) {
	fix := newFixture(t, nil)
	fix.wait(t) // drains an idle coordinator immediately

	sig := polySig("sig-1", 10)
	amounts := risk.ReservationAmounts(sig, 10)
	require.NoError(t, fix.ledger.Reserve(amounts))
	err := fix.coord.Submit(context.Background(), sig, domain.RiskVerdict{
		SignalID: sig.ID, Approved: true, Qty: 10, DecidedAt: time.Now().UTC(),
	})
	require.ErrorIs(t, err, domain.ErrDraining)

	// The refused signal's reservation was handed back.
	free, reserved := fix.ledger.Balance(domain.VenuePolymarket)
	assert.Equal(t, dollars(100), free)
	assert.Equal(t, domain.Micros(0), reserved)
}

func TestSubmitRejectsUnapprovedVerdict(t *testing.T) {
	fix := newFixture(t, nil)
	err := fix.coord.Submit(context.Background(), polySig("sig-1", 10), domain.RiskVerdict{
		SignalID: "sig-1", Approved: false,
	})
	require.ErrorIs(t, err, domain.ErrRiskRejected)
}
