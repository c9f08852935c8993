package clickhouse

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// recordSink receives completed batches. *Conn implements it; tests
// substitute their own.
type recordSink interface {
	insertBooks(ctx context.Context, rows []bookRow) error
	insertEdges(ctx context.Context, rows []edgeRow) error
}

type bookRow struct {
	Venue     string
	MarketID  string
	YesBid    int64
	YesBidQty int64
	YesAsk    int64
	YesAskQty int64
	NoBid     int64
	NoBidQty  int64
	NoAsk     int64
	NoAskQty  int64
	Seq       uint64
	TS        time.Time
}

type edgeRow struct {
	SignalID       string
	PairKind       string
	YesVenue       string
	YesMarketID    string
	NoVenue        string
	NoMarketID     string
	YesAsk         int64
	NoAsk          int64
	Qty            int64
	FeePerContract int64
	GasPerContract int64
	NetEdge        int64
	Threshold      int64
	Approved       bool
	SizedQty       int64
	ConstraintName string
	DetectedAt     time.Time
}

type recordEvent struct {
	book *bookRow
	edge *edgeRow
}

const flushTimeout = 10 * time.Second

// Recorder buffers observations and flushes them in batches, by size
// or by interval, whichever comes first. Record calls never block:
// when the buffer is full the observation is dropped and counted.
// Research data is best effort by construction.
type Recorder struct {
	sink    recordSink
	batch   int
	flush   time.Duration
	logger  *slog.Logger
	events  chan recordEvent
	dropped atomic.Int64
}

// NewRecorder creates a recorder flushing to the given connection.
func NewRecorder(conn *Conn, batchSize int, flushInterval time.Duration, logger *slog.Logger) *Recorder {
	return newRecorder(conn, batchSize, flushInterval, logger)
}

func newRecorder(sink recordSink, batchSize int, flushInterval time.Duration, logger *slog.Logger) *Recorder {
	if batchSize <= 0 {
		batchSize = 1_000
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Recorder{
		sink:   sink,
		batch:  batchSize,
		flush:  flushInterval,
		logger: logger.With(slog.String("component", "research_recorder")),
		events: make(chan recordEvent, 4*batchSize),
	}
}

// RecordBook captures the top of each ladder of a published book.
// Empty sides record zero price and zero qty.
func (r *Recorder) RecordBook(b *domain.OrderBook) {
	row := bookRow{
		Venue:    string(b.Venue),
		MarketID: b.MarketID,
		Seq:      b.LastSeq,
		TS:       b.UpdatedAt,
	}
	row.YesBid, row.YesBidQty = level(b.BestYesBid())
	row.YesAsk, row.YesAskQty = level(b.BestYesAsk())
	row.NoBid, row.NoBidQty = level(b.BestNoBid())
	row.NoAsk, row.NoAskQty = level(b.BestNoAsk())
	r.enqueue(recordEvent{book: &row})
}

// RecordSignal captures one evaluated signal with its risk verdict.
func (r *Recorder) RecordSignal(sig domain.SpreadSignal, verdict domain.RiskVerdict) {
	row := edgeRow{
		SignalID:       sig.ID,
		PairKind:       string(sig.PairKind),
		YesVenue:       string(sig.YesVenue),
		YesMarketID:    sig.YesMarketID,
		NoVenue:        string(sig.NoVenue),
		NoMarketID:     sig.NoMarketID,
		YesAsk:         int64(sig.YesAsk),
		NoAsk:          int64(sig.NoAsk),
		Qty:            sig.Qty,
		FeePerContract: int64(sig.FeePerContract),
		GasPerContract: int64(sig.GasPerContract),
		NetEdge:        int64(sig.NetEdge),
		Threshold:      int64(sig.Threshold),
		Approved:       verdict.Approved,
		SizedQty:       verdict.Qty,
		ConstraintName: verdict.Constraint,
		DetectedAt:     sig.DetectedAt,
	}
	r.enqueue(recordEvent{edge: &row})
}

func (r *Recorder) enqueue(ev recordEvent) {
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many observations were discarded because the
// buffer was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func level(l domain.BookLevel) (price, qty int64) {
	if l.Qty == 0 || l.Price.IsNoLiquidity() {
		return 0, 0
	}
	return int64(l.Price), l.Qty
}

// Run drains the buffer until the context ends, then flushes whatever
// remains so a drain does not lose the tail of the session.
func (r *Recorder) Run(ctx context.Context) error {
	books := make([]bookRow, 0, r.batch)
	edges := make([]edgeRow, 0, r.batch)

	ticker := time.NewTicker(r.flush)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.drainRemaining(&books, &edges)
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			r.flushBooks(final, &books)
			r.flushEdges(final, &edges)
			cancel()
			return ctx.Err()
		case ev := <-r.events:
			if ev.book != nil {
				books = append(books, *ev.book)
				if len(books) >= r.batch {
					r.flushBooks(ctx, &books)
				}
			}
			if ev.edge != nil {
				edges = append(edges, *ev.edge)
				if len(edges) >= r.batch {
					r.flushEdges(ctx, &edges)
				}
			}
		case <-ticker.C:
			r.flushBooks(ctx, &books)
			r.flushEdges(ctx, &edges)
		}
	}
}

// drainRemaining empties the channel into the buffers without waiting.
func (r *Recorder) drainRemaining(books *[]bookRow, edges *[]edgeRow) {
	for {
		select {
		case ev := <-r.events:
			if ev.book != nil {
				*books = append(*books, *ev.book)
			}
			if ev.edge != nil {
				*edges = append(*edges, *ev.edge)
			}
		default:
			return
		}
	}
}

// Failed flushes drop the batch rather than retry: the next batch is
// already forming, and research rows are not worth backpressure.
func (r *Recorder) flushBooks(ctx context.Context, rows *[]bookRow) {
	if len(*rows) == 0 {
		return
	}
	if err := r.sink.insertBooks(ctx, *rows); err != nil {
		r.logger.WarnContext(ctx, "book batch insert failed",
			slog.Int("rows", len(*rows)),
			slog.String("error", err.Error()),
		)
	}
	*rows = (*rows)[:0]
}

func (r *Recorder) flushEdges(ctx context.Context, rows *[]edgeRow) {
	if len(*rows) == 0 {
		return
	}
	if err := r.sink.insertEdges(ctx, *rows); err != nil {
		r.logger.WarnContext(ctx, "edge batch insert failed",
			slog.Int("rows", len(*rows)),
			slog.String("error", err.Error()),
		)
	}
	*rows = (*rows)[:0]
}
