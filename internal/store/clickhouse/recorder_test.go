package clickhouse

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSink struct {
	mu        sync.Mutex
	bookBatch [][]bookRow
	edgeBatch [][]edgeRow
	attempts  int
	err       error
}

func (f *fakeSink) insertBooks(ctx context.Context, rows []bookRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.err != nil {
		return f.err
	}
	f.bookBatch = append(f.bookBatch, append([]bookRow(nil), rows...))
	return nil
}

func (f *fakeSink) insertEdges(ctx context.Context, rows []edgeRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.err != nil {
		return f.err
	}
	f.edgeBatch = append(f.edgeBatch, append([]edgeRow(nil), rows...))
	return nil
}

func (f *fakeSink) bookBatches() [][]bookRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bookBatch
}

func (f *fakeSink) edgeBatches() [][]edgeRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.edgeBatch
}

func (f *fakeSink) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeSink) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func sampleBook() *domain.OrderBook {
	return &domain.OrderBook{
		Venue:     domain.VenueKalshi,
		MarketID:  "KXBTCD-25AUG26-B118000",
		YesBids:   []domain.BookLevel{{Price: 45 * domain.Cent, Qty: 200}},
		YesAsks:   []domain.BookLevel{{Price: 47 * domain.Cent, Qty: 150}},
		NoBids:    []domain.BookLevel{{Price: 52 * domain.Cent, Qty: 90}},
		LastSeq:   42,
		UpdatedAt: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
}

func sampleSignal() (domain.SpreadSignal, domain.RiskVerdict) {
	sig := domain.SpreadSignal{
		ID:             "sig-1",
		PairKind:       domain.PairCrossPlatform,
		YesVenue:       domain.VenueKalshi,
		YesMarketID:    "KXBTCD-25AUG26-B118000",
		YesAsk:         44 * domain.Cent,
		NoVenue:        domain.VenuePolymarket,
		NoMarketID:     "0xdd22472e5529",
		NoAsk:          51 * domain.Cent,
		Qty:            120,
		FeePerContract: domain.Micros(12_000),
		NetEdge:        4 * domain.Cent,
		Threshold:      2 * domain.Cent,
		DetectedAt:     time.Date(2026, 8, 25, 12, 0, 1, 0, time.UTC),
	}
	verdict := domain.RiskVerdict{
		SignalID:   "sig-1",
		Approved:   true,
		Qty:        80,
		Constraint: "position_cap",
	}
	return sig, verdict
}

func TestRecordBookDerivesTopOfBook(t *testing.T) {
	sink := &fakeSink{}
	r := newRecorder(sink, 1, time.Hour, testLogger())

	r.RecordBook(sampleBook())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = r.Run(ctx) // batch size 1: the final flush delivers it

	batches := sink.bookBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)

	row := batches[0][0]
	assert.Equal(t, "kalshi", row.Venue)
	assert.Equal(t, int64(450_000), row.YesBid)
	assert.Equal(t, int64(200), row.YesBidQty)
	assert.Equal(t, int64(470_000), row.YesAsk)
	assert.Equal(t, int64(520_000), row.NoBid)
	// Empty No-ask ladder: zero, not the sentinel.
	assert.Zero(t, row.NoAsk)
	assert.Zero(t, row.NoAskQty)
	assert.Equal(t, uint64(42), row.Seq)
}

func TestRecordSignalCarriesVerdict(t *testing.T) {
	sink := &fakeSink{}
	r := newRecorder(sink, 1, time.Hour, testLogger())

	sig, verdict := sampleSignal()
	r.RecordSignal(sig, verdict)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = r.Run(ctx)

	batches := sink.edgeBatches()
	require.Len(t, batches, 1)
	row := batches[0][0]
	assert.Equal(t, "sig-1", row.SignalID)
	assert.Equal(t, "cross_platform", row.PairKind)
	assert.Equal(t, int64(440_000), row.YesAsk)
	assert.True(t, row.Approved)
	assert.Equal(t, int64(80), row.SizedQty)
	assert.Equal(t, "position_cap", row.ConstraintName)
}

func TestRecorderFlushesAtBatchSize(t *testing.T) {
	sink := &fakeSink{}
	r := newRecorder(sink, 2, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	for i := 0; i < 4; i++ {
		r.RecordBook(sampleBook())
	}

	require.Eventuallyf(t, func() bool {
		return len(sink.bookBatches()) == 2
	}, time.Second, 5*time.Millisecond, "expected two full batches")
	for _, b := range sink.bookBatches() {
		assert.Len(t, b, 2)
	}

	cancel()
	<-done
}

func TestRecorderFlushesOnInterval(t *testing.T) {
	sink := &fakeSink{}
	r := newRecorder(sink, 1_000, 20*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	r.RecordBook(sampleBook())

	require.Eventuallyf(t, func() bool {
		return len(sink.bookBatches()) == 1
	}, time.Second, 5*time.Millisecond, "interval flush never happened")

	cancel()
	<-done
}

func TestRecorderDropsWhenFull(t *testing.T) {
	sink := &fakeSink{}
	// No Run loop draining: the channel (4x batch) fills up.
	r := newRecorder(sink, 1, time.Hour, testLogger())

	for i := 0; i < 10; i++ {
		r.RecordBook(sampleBook())
	}
	assert.Equal(t, int64(6), r.Dropped())
}

func TestRecorderKeepsGoingAfterSinkError(t *testing.T) {
	sink := &fakeSink{err: errors.New("clickhouse down")}
	r := newRecorder(sink, 1, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	r.RecordBook(sampleBook())

	// Wait for the failing flush, then heal the sink. The failed batch is
	// dropped; the next one lands.
	require.Eventuallyf(t, func() bool {
		return sink.attemptCount() >= 1
	}, time.Second, 5*time.Millisecond, "first flush never attempted")
	sink.setErr(nil)

	r.RecordBook(sampleBook())
	require.Eventuallyf(t, func() bool {
		batches := sink.bookBatches()
		return len(batches) == 1 && len(batches[0]) == 1
	}, time.Second, 5*time.Millisecond, "recorder wedged after sink error")

	cancel()
	<-done
}
