package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/neutralmarkets/spreadbot/internal/domain"
	"github.com/neutralmarkets/spreadbot/internal/risk"
)

// OrderRouter routes leg orders to the owning venue adapter. FOK and
// IOC submissions resolve synchronously: the result carries the final
// fill state. Status reports cumulative fills for resting orders.
type OrderRouter interface {
	Submit(ctx context.Context, order domain.Order) (domain.OrderResult, error)
	Cancel(ctx context.Context, venue domain.Venue, marketID, orderID string) error
	Status(ctx context.Context, venue domain.Venue, orderID string) (domain.OrderResult, error)
}

// MergeReceipt reports a confirmed on-chain merge.
type MergeReceipt struct {
	TxHash   string
	GasSpent domain.Micros
}

// Merger exchanges matched Yes+No pairs for collateral on chain. Gas
// estimation, nonce handling, retries, and reorg detection all live
// behind this interface; an error means the merge is abandoned after
// the configured retry budget.
type Merger interface {
	Merge(ctx context.Context, conditionID string, qty int64, negRisk bool) (MergeReceipt, error)
}

// Alerter raises operator alerts for outcomes that need manual
// follow-up: loss-closed arbs, failed merges, stranded residue.
type Alerter interface {
	Alert(ctx context.Context, title, detail string)
}

// Config bounds the coordinator.
type Config struct {
	// LiveTrading gates order submission. When false, approved signals
	// are logged and their reservations released; nothing reaches a
	// venue.
	LiveTrading bool
	// MinViableQty is the smallest leg1 partial worth pairing up. A
	// one-sided fill below it aborts instead of invoking the hedger.
	MinViableQty int64
	// Per-pair-kind leg deadlines. FOK responds immediately, Kalshi
	// IOC within the matching cycle, cross-platform pays two venues'
	// worth of latency.
	IntraPolyTimeout time.Duration
	KalshiTimeout    time.Duration
	CrossTimeout     time.Duration
	// ArbBudget caps one machine's total lifetime, merge included.
	ArbBudget time.Duration
	// DedupTTL is the window in which an identical opportunity
	// fingerprint is executed at most once.
	DedupTTL time.Duration
	// ShutdownDeadline bounds the wait for in-flight machines when the
	// run context is cancelled.
	ShutdownDeadline time.Duration
}

// DefaultConfig returns the production defaults. Live trading stays
// off until explicitly enabled.
func DefaultConfig() Config {
	return Config{
		LiveTrading:      false,
		MinViableQty:     1,
		IntraPolyTimeout: 500 * time.Millisecond,
		KalshiTimeout:    2 * time.Second,
		CrossTimeout:     5 * time.Second,
		ArbBudget:        2 * time.Minute,
		DedupTTL:         2 * time.Minute,
		ShutdownDeadline: 30 * time.Second,
	}
}

// Coordinator owns every live leg state machine. Submit claims the
// signal's markets and spawns one goroutine per arb; that goroutine is
// the machine's single owner and drives it through legs, hedge, and
// merge to a terminal state, then settles the capital reservation made
// at approval.
type Coordinator struct {
	cfg      Config
	router   OrderRouter
	merger   Merger // nil disables the merge path
	hedger   *Hedger
	ledger   *risk.Ledger
	registry *Registry
	dedup    *Dedup
	logger   *slog.Logger

	arbs      domain.ArbStore      // optional
	trades    domain.TradeLogStore // optional
	positions domain.PositionStore // optional
	alerter   Alerter              // optional
	bus       domain.SignalBus     // optional

	wg        sync.WaitGroup
	draining  atomic.Bool
	submitted atomic.Int64
	completed atomic.Int64
}

// NewCoordinator builds a coordinator. The registry is shared with the
// risk engine, which consults it through the LegTracker interface.
func NewCoordinator(cfg Config, router OrderRouter, merger Merger, hedger *Hedger, ledger *risk.Ledger, registry *Registry, logger *slog.Logger) *Coordinator {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 2 * time.Minute
	}
	return &Coordinator{
		cfg:      cfg,
		router:   router,
		merger:   merger,
		hedger:   hedger,
		ledger:   ledger,
		registry: registry,
		dedup:    NewDedup(cfg.DedupTTL),
		logger:   logger.With(slog.String("component", "coordinator")),
	}
}

// SetStores attaches optional persistence. Any of the three may be nil.
func (c *Coordinator) SetStores(arbs domain.ArbStore, trades domain.TradeLogStore, positions domain.PositionStore) {
	c.arbs = arbs
	c.trades = trades
	c.positions = positions
}

// SetAlerter attaches the operator alert channel.
func (c *Coordinator) SetAlerter(a Alerter) {
	c.alerter = a
}

// SetBus attaches the dashboard bus. Terminal arbs are published on
// the arbs channel for the live feed and appended to the arbs stream
// for exporters that replay with their own cursor.
func (c *Coordinator) SetBus(bus domain.SignalBus) {
	c.bus = bus
}

// Registry exposes the in-flight registry for status reporting.
func (c *Coordinator) Registry() *Registry { return c.registry }

// InFlight returns the number of live machines.
func (c *Coordinator) InFlight() int { return c.registry.Count() }

// Counts returns lifetime submitted and completed totals.
func (c *Coordinator) Counts() (submitted, completed int64) {
	return c.submitted.Load(), c.completed.Load()
}

// Draining reports whether new submissions are refused.
func (c *Coordinator) Draining() bool { return c.draining.Load() }

// Run keeps housekeeping going until the context ends, then drains
// in-flight machines bounded by the shutdown deadline.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator started",
		slog.Bool("live_trading", c.cfg.LiveTrading))
	defer c.logger.Info("coordinator stopped")

	cleanup := time.NewTicker(30 * time.Second)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownDeadline)
			defer cancel()
			if err := c.Drain(dctx); err != nil {
				c.logger.Warn("shutdown drain incomplete", slog.String("error", err.Error()))
			}
			return ctx.Err()
		case <-cleanup.C:
			c.dedup.Cleanup()
		}
	}
}

// Drain refuses new signals and waits for in-flight machines to reach
// terminal states. Returns the context error if the wait is cut short.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.draining.Store(true)
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor: drain: %d arbs still in flight: %w", c.registry.Count(), ctx.Err())
	}
}

// Resume re-enables submissions after a drain.
func (c *Coordinator) Resume() {
	c.draining.Store(false)
}

// Submit accepts an approved signal, claims its markets, and starts
// the arb goroutine. The capital reservation made by risk is owned by
// this coordinator from here on: every early return below must release
// it, and the arb goroutine settles it at terminal state.
func (c *Coordinator) Submit(ctx context.Context, sig domain.SpreadSignal, verdict domain.RiskVerdict) error {
	if !verdict.Approved {
		return fmt.Errorf("executor: signal %s: %w", sig.ID, domain.ErrRiskRejected)
	}
	amounts := risk.ReservationAmounts(sig, verdict.Qty)

	if c.draining.Load() {
		c.ledger.Release(amounts)
		return domain.ErrDraining
	}
	if c.dedup.IsDuplicate(sig.Fingerprint()) {
		c.ledger.Release(amounts)
		c.logger.Debug("duplicate opportunity suppressed",
			slog.String("signal_id", sig.ID),
			slog.String("fingerprint", sig.Fingerprint()))
		return nil
	}
	if !c.cfg.LiveTrading {
		c.ledger.Release(amounts)
		c.logger.Info("live trading disabled, signal recorded only",
			slog.String("signal_id", sig.ID),
			slog.Int64("qty", verdict.Qty),
			slog.String("net_edge", sig.NetEdge.String()))
		return nil
	}

	arb := &domain.Arb{
		ID:          uuid.New().String(),
		SignalID:    sig.ID,
		PairKind:    sig.PairKind,
		State:       domain.LegStateIdle,
		Qty:         verdict.Qty,
		Reserved:    totalOf(amounts),
		ConditionID: sig.ConditionID,
		Live:        true,
		StartedAt:   time.Now().UTC(),
	}
	if err := c.registry.Claim(arb.ID, sig.ID, sig.Markets()); err != nil {
		c.ledger.Release(amounts)
		return err
	}
	if c.arbs != nil {
		if err := c.arbs.Create(ctx, *arb); err != nil {
			c.logger.Warn("arb create failed", slog.String("error", err.Error()))
		}
	}
	c.submitted.Add(1)
	c.wg.Add(1)
	// The machine outlives the submitting call; only its own budget
	// and the drain deadline bound it.
	go c.runArb(context.WithoutCancel(ctx), arb, sig, amounts)
	return nil
}

func (c *Coordinator) runArb(ctx context.Context, arb *domain.Arb, sig domain.SpreadSignal, amounts map[domain.Venue]domain.Micros) {
	defer c.wg.Done()
	defer c.registry.Release(arb.ID)
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ArbBudget)
	defer cancel()

	log := c.logger.With(
		slog.String("arb_id", arb.ID),
		slog.String("signal_id", sig.ID),
		slog.String("pair_kind", string(sig.PairKind)))

	if sig.PairKind == domain.PairCrossPlatform {
		c.runSequential(ctx, log, arb, sig)
	} else {
		c.runSimultaneous(ctx, log, arb, sig)
	}
	c.finalize(ctx, log, arb, sig, amounts)
}

// runSimultaneous fires both legs at once, the intra-venue mode. Both
// Polymarket legs go out FOK, both Kalshi legs as aggressive IOC
// limits at the implied ask. The side with the larger fill plays the
// role of leg1 in the state machine.
func (c *Coordinator) runSimultaneous(ctx context.Context, log *slog.Logger, arb *domain.Arb, sig domain.SpreadSignal) {
	timeout := c.cfg.IntraPolyTimeout
	typ := domain.OrderTypeFOK
	if sig.PairKind == domain.PairIntraKalshi {
		timeout = c.cfg.KalshiTimeout
		typ = domain.OrderTypeIOC
	}

	c.step(ctx, log, arb, domain.EventSubmitLeg1)

	yesOrder := legOrder(sig, domain.OutcomeYes, arb.Qty, typ)
	noOrder := legOrder(sig, domain.OutcomeNo, arb.Qty, typ)

	var (
		wg            sync.WaitGroup
		yesRes, noRes domain.OrderResult
		yesErr, noErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		yesRes, yesErr = c.placeLeg(ctx, timeout, yesOrder)
	}()
	go func() {
		defer wg.Done()
		noRes, noErr = c.placeLeg(ctx, timeout, noOrder)
	}()
	wg.Wait()

	arb.YesLeg = legRecordFrom(yesOrder, yesRes, yesErr)
	arb.NoLeg = legRecordFrom(noOrder, noRes, noErr)
	logLeg(log, "yes", arb.YesLeg, yesErr)
	logLeg(log, "no", arb.NoLeg, noErr)

	yesQty, noQty := arb.YesLeg.FilledQty, arb.NoLeg.FilledQty
	if yesQty == 0 && noQty == 0 {
		c.step(ctx, log, arb, domain.EventLeg1Failed)
		return
	}

	held, short := domain.OutcomeYes, domain.OutcomeNo
	heldQty, shortQty := yesQty, noQty
	if noQty > yesQty {
		held, short = domain.OutcomeNo, domain.OutcomeYes
		heldQty, shortQty = noQty, yesQty
	}

	// One-sided fill below the viability floor: abort rather than
	// hedge. The residue is recorded and alerted in finalize.
	if shortQty == 0 && heldQty < c.cfg.MinViableQty {
		c.step(ctx, log, arb, domain.EventLeg1Failed)
		return
	}

	if heldQty >= arb.Qty {
		c.step(ctx, log, arb, domain.EventLeg1Filled)
	} else {
		c.step(ctx, log, arb, domain.EventLeg1Partial)
	}
	c.step(ctx, log, arb, domain.EventSubmitLeg2)

	deficit := heldQty - shortQty
	if deficit == 0 {
		c.step(ctx, log, arb, domain.EventLeg2Filled)
		return
	}
	if shortQty > 0 {
		c.step(ctx, log, arb, domain.EventLeg2Partial)
	} else {
		c.step(ctx, log, arb, domain.EventLeg2Failed)
	}
	c.runHedge(ctx, log, arb, sig, held, short, deficit)
}

// runSequential submits the Kalshi leg first and, on fill, the
// Polymarket FOK leg sized to what actually filled. Cross-platform
// only.
func (c *Coordinator) runSequential(ctx context.Context, log *slog.Logger, arb *domain.Arb, sig domain.SpreadSignal) {
	first := domain.OutcomeYes
	if sig.YesVenue != domain.VenueKalshi {
		first = domain.OutcomeNo
	}
	second := opposite(first)
	timeout := c.cfg.CrossTimeout

	c.step(ctx, log, arb, domain.EventSubmitLeg1)
	o1 := legOrder(sig, first, arb.Qty, domain.OrderTypeIOC)
	res1, err1 := c.placeLeg(ctx, timeout, o1)
	rec1 := legRecordFrom(o1, res1, err1)
	setLeg(arb, first, rec1)
	logLeg(log, string(first), rec1, err1)

	if rec1.FilledQty == 0 || rec1.FilledQty < c.cfg.MinViableQty {
		c.step(ctx, log, arb, domain.EventLeg1Failed)
		return
	}
	if rec1.FilledQty >= arb.Qty {
		c.step(ctx, log, arb, domain.EventLeg1Filled)
	} else {
		c.step(ctx, log, arb, domain.EventLeg1Partial)
	}

	c.step(ctx, log, arb, domain.EventSubmitLeg2)
	o2 := legOrder(sig, second, rec1.FilledQty, domain.OrderTypeFOK)
	res2, err2 := c.placeLeg(ctx, timeout, o2)
	rec2 := legRecordFrom(o2, res2, err2)
	setLeg(arb, second, rec2)
	logLeg(log, string(second), rec2, err2)

	deficit := rec1.FilledQty - rec2.FilledQty
	if deficit == 0 {
		c.step(ctx, log, arb, domain.EventLeg2Filled)
		return
	}
	if rec2.FilledQty > 0 {
		c.step(ctx, log, arb, domain.EventLeg2Partial)
	} else {
		c.step(ctx, log, arb, domain.EventLeg2Failed)
	}
	c.runHedge(ctx, log, arb, sig, first, second, deficit)
}

// runHedge asks the hedger to buy the short side's deficit. Success
// moves the machine to BOTH_FILLED; anything else is a loss close with
// the position retained for the operator.
func (c *Coordinator) runHedge(ctx context.Context, log *slog.Logger, arb *domain.Arb, sig domain.SpreadSignal, held, short domain.Outcome, deficit int64) {
	heldRec := legFor(arb, held)
	req := HedgeRequest{
		Outcome:    short,
		Qty:        deficit,
		StartPrice: askOf(sig, short),
		Leg1Cost:   heldRec.FilledPrice,
	}
	if short == domain.OutcomeYes {
		req.Venue, req.MarketID, req.TokenID = sig.YesVenue, sig.YesMarketID, sig.YesTokenID
	} else {
		req.Venue, req.MarketID, req.TokenID = sig.NoVenue, sig.NoMarketID, sig.NoTokenID
	}

	rec, neutral := c.hedger.Hedge(ctx, req)
	if rec.OrderID != "" || rec.FilledQty > 0 {
		arb.HedgeLeg = &rec
	}
	if neutral {
		c.step(ctx, log, arb, domain.EventHedgeDone)
		return
	}
	c.step(ctx, log, arb, domain.EventHedgeFailed)
	c.alert(ctx, "hedge failed",
		fmt.Sprintf("arb %s: %d %s contracts unhedged on %s, position retained",
			arb.ID, deficit-rec.FilledQty, short, req.MarketID))
}

// finalize runs the merge when eligible, settles capital, persists the
// terminal record, and raises any operator alerts.
func (c *Coordinator) finalize(ctx context.Context, log *slog.Logger, arb *domain.Arb, sig domain.SpreadSignal, amounts map[domain.Venue]domain.Micros) {
	if arb.State == domain.LegStateBothFilled && sig.Mergeable() {
		if c.merger != nil {
			c.runMerge(ctx, log, arb, sig)
		} else {
			log.Info("merge path disabled, holding matched pairs to resolution")
		}
	}

	now := time.Now().UTC()
	arb.FinishedAt = &now
	arb.PnL = arb.RealizedPnL()

	spent, credit := settlement(arb)
	c.ledger.Settle(amounts, spent, credit)

	if c.arbs != nil {
		if err := c.arbs.Update(ctx, *arb); err != nil {
			log.Warn("arb update failed", slog.String("error", err.Error()))
		}
	}
	c.recordTrades(ctx, log, arb, sig)
	c.recordPositions(ctx, log, arb)
	c.publishTerminal(ctx, log, arb)
	c.completed.Add(1)

	if arb.State == domain.LegStateAborted {
		if residue := arb.YesLeg.FilledQty + arb.NoLeg.FilledQty; residue > 0 {
			c.alert(ctx, "aborted with residue",
				fmt.Sprintf("arb %s aborted holding %d one-sided contracts", arb.ID, residue))
		} else {
			// Nothing filled; the opportunity may still be live.
			c.dedup.Forget(sig.Fingerprint())
		}
	}
	if arb.State == domain.LegStateClosedAtLoss {
		c.alert(ctx, "arb closed at loss",
			fmt.Sprintf("arb %s terminal at %s, pnl %s", arb.ID, arb.State, arb.PnL))
	}
	if arb.Live && (arb.State == domain.LegStateMerged || arb.State == domain.LegStateBothFilled) {
		c.alert(ctx, "arb completed",
			fmt.Sprintf("arb %s: %d pairs at %s state, pnl %s", arb.ID, matchedQty(arb), arb.State, arb.PnL))
	}

	log.Info("arb finished",
		slog.String("state", string(arb.State)),
		slog.Int64("matched_qty", matchedQty(arb)),
		slog.String("pnl", arb.PnL.String()),
		slog.String("merge_tx", arb.MergeTx))
}

// runMerge exchanges the matched pairs for collateral. The merger owns
// retries and reorg detection; an error here means the retry budget is
// exhausted and the pairs stay on the books.
func (c *Coordinator) runMerge(ctx context.Context, log *slog.Logger, arb *domain.Arb, sig domain.SpreadSignal) {
	matched := matchedQty(arb)
	if matched <= 0 {
		return
	}
	receipt, err := c.merger.Merge(ctx, sig.ConditionID, matched, sig.NegRisk)
	if err != nil {
		log.Error("merge failed after retries",
			slog.String("condition_id", sig.ConditionID),
			slog.Int64("qty", matched),
			slog.String("error", err.Error()))
		c.step(ctx, log, arb, domain.EventMergeFailed)
		c.alert(ctx, "merge failed",
			fmt.Sprintf("arb %s: %d matched pairs not merged on condition %s: %v",
				arb.ID, matched, sig.ConditionID, err))
		return
	}
	arb.MergeTx = receipt.TxHash
	arb.GasSpent = receipt.GasSpent
	c.step(ctx, log, arb, domain.EventMergeDone)
}

// step advances the machine and publishes the new state. A transition
// the table does not allow is a bug; it is logged and the state left
// as is so finalize can still settle.
func (c *Coordinator) step(ctx context.Context, log *slog.Logger, arb *domain.Arb, kind domain.ArbEventKind) {
	next, err := Transition(arb.State, kind)
	if err != nil {
		log.Error("state machine violation", slog.String("error", err.Error()))
		return
	}
	arb.State = next
	c.registry.SetState(arb.ID, next)
	if c.arbs != nil {
		if uerr := c.arbs.Update(ctx, *arb); uerr != nil {
			log.Warn("arb update failed", slog.String("error", uerr.Error()))
		}
	}
	log.Info("arb transition",
		slog.String("event", string(kind)),
		slog.String("state", string(next)))
}

// placeLeg submits one leg under its deadline. A deadline hit on an
// immediate order is treated as zero fill after a best-effort cancel;
// the venue adapter surfaces the true fill on the next status sync if
// the order landed anyway.
func (c *Coordinator) placeLeg(ctx context.Context, timeout time.Duration, order domain.Order) (domain.OrderResult, error) {
	legCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := c.router.Submit(legCtx, order)
	if err != nil && legCtx.Err() != nil && res.OrderID != "" {
		cctx, ccancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer ccancel()
		if cerr := c.router.Cancel(cctx, order.Venue, order.MarketID, res.OrderID); cerr != nil {
			c.logger.Warn("timed-out leg cancel failed",
				slog.String("order_id", res.OrderID),
				slog.String("error", cerr.Error()))
		}
	}
	return res, err
}

func (c *Coordinator) recordTrades(ctx context.Context, log *slog.Logger, arb *domain.Arb, sig domain.SpreadSignal) {
	if c.trades == nil {
		return
	}
	rows := make([]domain.TradeRecord, 0, 4)
	if arb.YesLeg.RequestedQty > 0 {
		rows = append(rows, tradeRow(arb, sig, arb.YesLeg, roleOf(sig, domain.OutcomeYes)))
	}
	if arb.NoLeg.RequestedQty > 0 {
		rows = append(rows, tradeRow(arb, sig, arb.NoLeg, roleOf(sig, domain.OutcomeNo)))
	}
	if arb.HedgeLeg != nil {
		rows = append(rows, tradeRow(arb, sig, *arb.HedgeLeg, "hedge"))
	}
	if arb.State == domain.LegStateMerged {
		rows = append(rows, domain.TradeRecord{
			ArbID:     arb.ID,
			SignalID:  sig.ID,
			OrderID:   arb.MergeTx,
			Venue:     domain.VenuePolymarket,
			MarketID:  sig.YesMarketID,
			Side:      domain.OrderSideSell,
			FillPrice: domain.Dollar,
			ReqQty:    matchedQty(arb),
			FillQty:   matchedQty(arb),
			Gas:       arb.GasSpent,
			Role:      "merge",
			Live:      arb.Live,
			Timestamp: time.Now().UTC(),
		})
	}
	for _, row := range rows {
		if err := c.trades.Append(ctx, row); err != nil {
			log.Warn("trade log append failed", slog.String("error", err.Error()))
		}
	}
}

// recordPositions writes what is still held after the terminal state:
// matched pairs that could not merge, plus any one-sided residue.
func (c *Coordinator) recordPositions(ctx context.Context, log *slog.Logger, arb *domain.Arb) {
	if c.positions == nil {
		return
	}
	mergedAway := int64(0)
	if arb.State == domain.LegStateMerged {
		mergedAway = matchedQty(arb)
	}
	for _, outcome := range []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo} {
		rec := legFor(arb, outcome)
		qty := rec.FilledQty
		if arb.HedgeLeg != nil && arb.HedgeLeg.Outcome == outcome {
			qty += arb.HedgeLeg.FilledQty
		}
		qty -= mergedAway
		if qty <= 0 {
			continue
		}
		pos := domain.Position{
			ID:         uuid.New().String(),
			ArbID:      arb.ID,
			Venue:      rec.Venue,
			MarketID:   rec.MarketID,
			TokenID:    rec.TokenID,
			Outcome:    outcome,
			Qty:        qty,
			EntryPrice: rec.FilledPrice,
			Status:     domain.PositionStatusOpen,
			OpenedAt:   rec.SubmittedAt,
		}
		if err := c.positions.Upsert(ctx, pos); err != nil {
			log.Warn("position upsert failed", slog.String("error", err.Error()))
		}
	}
}

func (c *Coordinator) alert(ctx context.Context, title, detail string) {
	if c.alerter == nil {
		return
	}
	c.alerter.Alert(ctx, title, detail)
}

// publishTerminal mirrors the finished attempt to the bus. Best effort:
// the books of record are the stores, not the feed.
func (c *Coordinator) publishTerminal(ctx context.Context, log *slog.Logger, arb *domain.Arb) {
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(arb)
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, "arbs", payload); err != nil {
		log.Debug("arb publish failed", slog.String("error", err.Error()))
	}
	if err := c.bus.StreamAppend(ctx, "arbs", payload); err != nil {
		log.Debug("arb stream append failed", slog.String("error", err.Error()))
	}
}

// settlement computes the realized cash flows per venue: fills, fees,
// and gas out; merge collateral back in.
func settlement(arb *domain.Arb) (spent, credit map[domain.Venue]domain.Micros) {
	spent = make(map[domain.Venue]domain.Micros, 2)
	credit = make(map[domain.Venue]domain.Micros, 1)
	for _, rec := range []domain.LegRecord{arb.YesLeg, arb.NoLeg} {
		if rec.FilledQty > 0 {
			spent[rec.Venue] += rec.FilledPrice.MulQty(rec.FilledQty) + rec.Fee
		}
	}
	if arb.HedgeLeg != nil && arb.HedgeLeg.FilledQty > 0 {
		spent[arb.HedgeLeg.Venue] += arb.HedgeLeg.FilledPrice.MulQty(arb.HedgeLeg.FilledQty) + arb.HedgeLeg.Fee
	}
	if arb.GasSpent > 0 {
		spent[domain.VenuePolymarket] += arb.GasSpent
	}
	if arb.State == domain.LegStateMerged {
		credit[domain.VenuePolymarket] += domain.Dollar.MulQty(matchedQty(arb))
	}
	return spent, credit
}

// matchedQty is the number of complete Yes+No pairs held, hedge fills
// included.
func matchedQty(arb *domain.Arb) int64 {
	yes, no := arb.YesLeg.FilledQty, arb.NoLeg.FilledQty
	if arb.HedgeLeg != nil {
		if arb.HedgeLeg.Outcome == domain.OutcomeYes {
			yes += arb.HedgeLeg.FilledQty
		} else {
			no += arb.HedgeLeg.FilledQty
		}
	}
	if yes < no {
		return yes
	}
	return no
}

func legOrder(sig domain.SpreadSignal, outcome domain.Outcome, qty int64, typ domain.OrderType) domain.Order {
	o := domain.Order{
		ID:        uuid.New().String(),
		Outcome:   outcome,
		Side:      domain.OrderSideBuy,
		Type:      typ,
		Qty:       qty,
		ClientID:  uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}
	if outcome == domain.OutcomeYes {
		o.Venue, o.MarketID, o.TokenID, o.Price = sig.YesVenue, sig.YesMarketID, sig.YesTokenID, sig.YesAsk
	} else {
		o.Venue, o.MarketID, o.TokenID, o.Price = sig.NoVenue, sig.NoMarketID, sig.NoTokenID, sig.NoAsk
	}
	return o
}

func legRecordFrom(order domain.Order, res domain.OrderResult, err error) domain.LegRecord {
	rec := domain.LegRecord{
		Venue:        order.Venue,
		MarketID:     order.MarketID,
		TokenID:      order.TokenID,
		Outcome:      order.Outcome,
		LimitPrice:   order.Price,
		RequestedQty: order.Qty,
		SubmittedAt:  order.CreatedAt,
		ResolvedAt:   time.Now().UTC(),
	}
	if err != nil {
		return rec
	}
	rec.OrderID = res.OrderID
	rec.FilledQty = res.FilledQty
	rec.FilledPrice = res.FilledPrice
	rec.Fee = res.Fee
	return rec
}

func tradeRow(arb *domain.Arb, sig domain.SpreadSignal, rec domain.LegRecord, role string) domain.TradeRecord {
	typ := domain.OrderTypeFOK
	if rec.Venue == domain.VenueKalshi {
		typ = domain.OrderTypeIOC
	}
	return domain.TradeRecord{
		ArbID:      arb.ID,
		SignalID:   sig.ID,
		OrderID:    rec.OrderID,
		Venue:      rec.Venue,
		MarketID:   rec.MarketID,
		Outcome:    rec.Outcome,
		Side:       domain.OrderSideBuy,
		Type:       typ,
		LimitPrice: rec.LimitPrice,
		FillPrice:  rec.FilledPrice,
		ReqQty:     rec.RequestedQty,
		FillQty:    rec.FilledQty,
		Fee:        rec.Fee,
		Role:       role,
		Live:       arb.Live,
		Timestamp:  rec.ResolvedAt,
	}
}

// roleOf maps an outcome to its submission role. Cross-platform arbs
// lead with the Kalshi leg; intra-venue arbs submit simultaneously and
// call the Yes side leg1 by convention.
func roleOf(sig domain.SpreadSignal, outcome domain.Outcome) string {
	first := domain.OutcomeYes
	if sig.PairKind == domain.PairCrossPlatform && sig.YesVenue != domain.VenueKalshi {
		first = domain.OutcomeNo
	}
	if outcome == first {
		return "leg1"
	}
	return "leg2"
}

func setLeg(arb *domain.Arb, outcome domain.Outcome, rec domain.LegRecord) {
	if outcome == domain.OutcomeYes {
		arb.YesLeg = rec
	} else {
		arb.NoLeg = rec
	}
}

func legFor(arb *domain.Arb, outcome domain.Outcome) domain.LegRecord {
	if outcome == domain.OutcomeYes {
		return arb.YesLeg
	}
	return arb.NoLeg
}

func askOf(sig domain.SpreadSignal, outcome domain.Outcome) domain.Micros {
	if outcome == domain.OutcomeYes {
		return sig.YesAsk
	}
	return sig.NoAsk
}

func opposite(o domain.Outcome) domain.Outcome {
	if o == domain.OutcomeYes {
		return domain.OutcomeNo
	}
	return domain.OutcomeYes
}

func totalOf(amounts map[domain.Venue]domain.Micros) domain.Micros {
	var t domain.Micros
	for _, v := range amounts {
		t += v
	}
	return t
}

func logLeg(log *slog.Logger, side string, rec domain.LegRecord, err error) {
	if err != nil {
		log.Warn("leg order failed",
			slog.String("side", side),
			slog.String("venue", string(rec.Venue)),
			slog.String("error", err.Error()))
		return
	}
	log.Info("leg order resolved",
		slog.String("side", side),
		slog.String("venue", string(rec.Venue)),
		slog.Int64("requested", rec.RequestedQty),
		slog.Int64("filled", rec.FilledQty),
		slog.String("price", rec.FilledPrice.String()))
}
