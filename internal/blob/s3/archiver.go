package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// Narrow store views used by the archiver. The Postgres stores satisfy
// them implicitly, and nothing here can reach the write paths the
// engine uses.

// TradeLog is the slice of the trade log store the archiver sweeps.
type TradeLog interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ArbHistory is the slice of the arb store the archiver sweeps. Only
// terminal attempts are listed; in-flight state machines stay put.
type ArbHistory interface {
	ListFinishedBefore(ctx context.Context, before time.Time) ([]domain.Arb, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// ObjectChecker confirms an uploaded object actually landed. Satisfied
// by Reader.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

const (
	contentTypeJSONL = "application/x-ndjson"

	// multipartCutoff is the payload size above which uploads switch
	// to the multipart manager.
	multipartCutoff = 32 << 20
)

// Archiver implements domain.Archiver: rows older than the retention
// window are serialized to JSONL, uploaded, verified, and only then
// deleted from Postgres. A failed delete leaves the rows for the next
// run; duplicate objects are cheaper than lost rows.
type Archiver struct {
	writer domain.BlobWriter
	check  ObjectChecker
	trades TradeLog
	arbs   ArbHistory
	audit  domain.AuditStore // optional
	prefix string
	logger *slog.Logger
}

// NewArchiver creates an archiver writing under the given key prefix.
func NewArchiver(
	writer domain.BlobWriter,
	check ObjectChecker,
	trades TradeLog,
	arbs ArbHistory,
	audit domain.AuditStore,
	prefix string,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer: writer,
		check:  check,
		trades: trades,
		arbs:   arbs,
		audit:  audit,
		prefix: prefix,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveTradeLog exports trade log rows older than the cutoff and
// deletes them from the hot store. Returns the number of rows exported.
func (a *Archiver) ArchiveTradeLog(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trade log: list: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	lines := make([]tradeLine, len(rows))
	for i, r := range rows {
		lines[i] = newTradeLine(r)
	}
	buf, err := encodeJSONL(lines)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trade log: %w", err)
	}

	key := a.objectKey("trades", before)
	if err := a.storeObject(ctx, key, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive trade log: %w", err)
	}

	count := int64(len(rows))
	deleted, err := a.trades.DeleteBefore(ctx, before)
	if err != nil {
		return count, fmt.Errorf("s3blob: archive trade log: sweep: %w", err)
	}

	a.auditLog(ctx, "archive_trades", key, count, deleted, before)
	a.logger.InfoContext(ctx, "trade log archived",
		slog.String("path", key),
		slog.Int64("rows", count),
		slog.Int64("deleted", deleted),
	)
	return count, nil
}

// ArchiveArbs exports terminal arb attempts finished before the cutoff
// and deletes them from the hot store. Profit summaries older than the
// retention window come from these objects, not from Postgres.
func (a *Archiver) ArchiveArbs(ctx context.Context, before time.Time) (int64, error) {
	arbs, err := a.arbs.ListFinishedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive arbs: list: %w", err)
	}
	if len(arbs) == 0 {
		return 0, nil
	}

	lines := make([]arbLine, len(arbs))
	for i, arb := range arbs {
		lines[i] = newArbLine(arb)
	}
	buf, err := encodeJSONL(lines)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive arbs: %w", err)
	}

	key := a.objectKey("arbs", before)
	if err := a.storeObject(ctx, key, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive arbs: %w", err)
	}

	count := int64(len(arbs))
	deleted, err := a.arbs.DeleteFinishedBefore(ctx, before)
	if err != nil {
		return count, fmt.Errorf("s3blob: archive arbs: sweep: %w", err)
	}

	a.auditLog(ctx, "archive_arbs", key, count, deleted, before)
	a.logger.InfoContext(ctx, "arb history archived",
		slog.String("path", key),
		slog.Int64("rows", count),
		slog.Int64("deleted", deleted),
	)
	return count, nil
}

// storeObject uploads the payload and confirms it landed. Rows are
// deleted from the hot store on the strength of this object existing,
// so the verification runs before success is reported.
func (a *Archiver) storeObject(ctx context.Context, key string, buf []byte) error {
	var err error
	if len(buf) >= multipartCutoff {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	ok, err := a.check.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("verify %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("verify %s: object missing after upload", key)
	}
	return nil
}

// objectKey partitions archives by day with a time-of-day suffix, so
// interval runs never overwrite each other:
//
//	trades/2026/08/25/153000.jsonl
func (a *Archiver) objectKey(kind string, before time.Time) string {
	t := before.UTC()
	key := fmt.Sprintf("%s/%s/%s.jsonl", kind, t.Format("2006/01/02"), t.Format("150405"))
	if a.prefix == "" {
		return key
	}
	return strings.TrimSuffix(a.prefix, "/") + "/" + key
}

func (a *Archiver) auditLog(ctx context.Context, event, path string, count, deleted int64, before time.Time) {
	if a.audit == nil {
		return
	}
	err := a.audit.Log(ctx, event, map[string]any{
		"path":    path,
		"count":   count,
		"deleted": deleted,
		"before":  before.UTC().Format(time.RFC3339),
	})
	if err != nil {
		a.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// encodeJSONL writes one compact JSON object per line.
func encodeJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode line %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Archive lines mirror the Postgres columns, money still in micros, so
// replaying an object into the hot store is a straight copy.

type tradeLine struct {
	ID         int64     `json:"id"`
	ArbID      string    `json:"arb_id,omitempty"`
	SignalID   string    `json:"signal_id,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	Venue      string    `json:"venue"`
	MarketID   string    `json:"market_id"`
	Outcome    string    `json:"outcome"`
	Side       string    `json:"side"`
	OrderType  string    `json:"order_type"`
	LimitPrice int64     `json:"limit_price"`
	FillPrice  int64     `json:"fill_price"`
	ReqQty     int64     `json:"req_qty"`
	FillQty    int64     `json:"fill_qty"`
	Fee        int64     `json:"fee"`
	Gas        int64     `json:"gas"`
	Role       string    `json:"role,omitempty"`
	Live       bool      `json:"live"`
	TS         time.Time `json:"ts"`
}

func newTradeLine(t domain.TradeRecord) tradeLine {
	return tradeLine{
		ID:         t.ID,
		ArbID:      t.ArbID,
		SignalID:   t.SignalID,
		OrderID:    t.OrderID,
		Venue:      string(t.Venue),
		MarketID:   t.MarketID,
		Outcome:    string(t.Outcome),
		Side:       string(t.Side),
		OrderType:  string(t.Type),
		LimitPrice: int64(t.LimitPrice),
		FillPrice:  int64(t.FillPrice),
		ReqQty:     t.ReqQty,
		FillQty:    t.FillQty,
		Fee:        int64(t.Fee),
		Gas:        int64(t.Gas),
		Role:       t.Role,
		Live:       t.Live,
		TS:         t.Timestamp,
	}
}

type legLine struct {
	Venue        string    `json:"venue"`
	MarketID     string    `json:"market_id"`
	TokenID      string    `json:"token_id,omitempty"`
	Outcome      string    `json:"outcome"`
	OrderID      string    `json:"order_id,omitempty"`
	LimitPrice   int64     `json:"limit_price"`
	RequestedQty int64     `json:"requested_qty"`
	FilledQty    int64     `json:"filled_qty"`
	FilledPrice  int64     `json:"filled_price"`
	Fee          int64     `json:"fee"`
	SubmittedAt  time.Time `json:"submitted_at"`
	ResolvedAt   time.Time `json:"resolved_at"`
}

func newLegLine(l domain.LegRecord) legLine {
	return legLine{
		Venue:        string(l.Venue),
		MarketID:     l.MarketID,
		TokenID:      l.TokenID,
		Outcome:      string(l.Outcome),
		OrderID:      l.OrderID,
		LimitPrice:   int64(l.LimitPrice),
		RequestedQty: l.RequestedQty,
		FilledQty:    l.FilledQty,
		FilledPrice:  int64(l.FilledPrice),
		Fee:          int64(l.Fee),
		SubmittedAt:  l.SubmittedAt,
		ResolvedAt:   l.ResolvedAt,
	}
}

type arbLine struct {
	ID          string     `json:"id"`
	SignalID    string     `json:"signal_id"`
	PairKind    string     `json:"pair_kind"`
	State       string     `json:"state"`
	Qty         int64      `json:"qty"`
	YesLeg      legLine    `json:"yes_leg"`
	NoLeg       legLine    `json:"no_leg"`
	HedgeLeg    *legLine   `json:"hedge_leg,omitempty"`
	Reserved    int64      `json:"reserved"`
	GasSpent    int64      `json:"gas_spent"`
	MergeTx     string     `json:"merge_tx,omitempty"`
	ConditionID string     `json:"condition_id,omitempty"`
	PnL         int64      `json:"pnl"`
	Live        bool       `json:"live"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func newArbLine(a domain.Arb) arbLine {
	line := arbLine{
		ID:          a.ID,
		SignalID:    a.SignalID,
		PairKind:    string(a.PairKind),
		State:       string(a.State),
		Qty:         a.Qty,
		YesLeg:      newLegLine(a.YesLeg),
		NoLeg:       newLegLine(a.NoLeg),
		Reserved:    int64(a.Reserved),
		GasSpent:    int64(a.GasSpent),
		MergeTx:     a.MergeTx,
		ConditionID: a.ConditionID,
		PnL:         int64(a.PnL),
		Live:        a.Live,
		StartedAt:   a.StartedAt,
		FinishedAt:  a.FinishedAt,
	}
	if a.HedgeLeg != nil {
		hedge := newLegLine(*a.HedgeLeg)
		line.HedgeLeg = &hedge
	}
	return line
}

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)
