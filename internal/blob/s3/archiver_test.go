package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeObjectStore stands in for the writer and the post-upload
// existence check together, so a test can drop the object between the
// two.
type fakeObjectStore struct {
	objects      map[string][]byte
	contentTypes map[string]string
	putErr       error
	missing      bool
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

func (f *fakeObjectStore) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.objects[path] = buf
	f.contentTypes[path] = contentType
	return nil
}

func (f *fakeObjectStore) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	return f.Put(ctx, path, data, contentTypeJSONL)
}

func (f *fakeObjectStore) Exists(ctx context.Context, path string) (bool, error) {
	if f.missing {
		return false, nil
	}
	_, ok := f.objects[path]
	return ok, nil
}

type fakeTradeLog struct {
	rows      []domain.TradeRecord
	listErr   error
	deleteErr error
}

func (f *fakeTradeLog) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.TradeRecord
	for _, r := range f.rows {
		if r.Timestamp.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeTradeLog) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	var kept []domain.TradeRecord
	var deleted int64
	for _, r := range f.rows {
		if r.Timestamp.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	f.rows = kept
	return deleted, nil
}

type fakeArbHistory struct {
	arbs []domain.Arb
}

func (f *fakeArbHistory) ListFinishedBefore(ctx context.Context, before time.Time) ([]domain.Arb, error) {
	var out []domain.Arb
	for _, a := range f.arbs {
		if a.FinishedAt != nil && a.FinishedAt.Before(before) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeArbHistory) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	var kept []domain.Arb
	var deleted int64
	for _, a := range f.arbs {
		if a.FinishedAt != nil && a.FinishedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, a)
	}
	f.arbs = kept
	return deleted, nil
}

type recordingAudit struct {
	events  []string
	details []map[string]any
}

func (r *recordingAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	r.events = append(r.events, event)
	r.details = append(r.details, detail)
	return nil
}

func (r *recordingAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func tradeAt(ts time.Time, fill domain.Micros) domain.TradeRecord {
	return domain.TradeRecord{
		ArbID:      "arb-1",
		OrderID:    "ord-1",
		Venue:      domain.VenueKalshi,
		MarketID:   "KXBTCD-25AUG26-B118000",
		Outcome:    domain.OutcomeYes,
		Side:       domain.OrderSideBuy,
		Type:       domain.OrderTypeIOC,
		LimitPrice: 47 * domain.Cent,
		FillPrice:  fill,
		ReqQty:     100,
		FillQty:    100,
		Fee:        175_000,
		Role:       "leg1",
		Live:       true,
		Timestamp:  ts,
	}
}

func finishedArb(id string, finished time.Time) domain.Arb {
	return domain.Arb{
		ID:       id,
		SignalID: "sig-" + id,
		PairKind: domain.PairIntraPolymarket,
		State:    domain.LegStateMerged,
		Qty:      50,
		YesLeg: domain.LegRecord{
			Venue:       domain.VenuePolymarket,
			MarketID:    "0xdd22472e5529",
			TokenID:     "7131829",
			Outcome:     domain.OutcomeYes,
			LimitPrice:  46 * domain.Cent,
			FilledQty:   50,
			FilledPrice: 46 * domain.Cent,
		},
		NoLeg: domain.LegRecord{
			Venue:       domain.VenuePolymarket,
			MarketID:    "0xdd22472e5529",
			TokenID:     "9982314",
			Outcome:     domain.OutcomeNo,
			LimitPrice:  51 * domain.Cent,
			FilledQty:   50,
			FilledPrice: 51 * domain.Cent,
		},
		MergeTx:     "0x6f0c4be5a1b2",
		ConditionID: "0xdd22472e5529",
		PnL:         129 * domain.Cent,
		Live:        true,
		StartedAt:   finished.Add(-time.Minute),
		FinishedAt:  &finished,
	}
}

func jsonLines(t *testing.T, payload []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(payload), []byte("\n")) {
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestArchiveTradeLogSweepsOldRows(t *testing.T) {
	cutoff := time.Date(2026, 8, 25, 15, 30, 0, 0, time.UTC)
	store := newFakeObjectStore()
	trades := &fakeTradeLog{rows: []domain.TradeRecord{
		tradeAt(cutoff.Add(-48*time.Hour), 46*domain.Cent),
		tradeAt(cutoff.Add(-24*time.Hour), 47*domain.Cent),
		tradeAt(cutoff.Add(time.Hour), 48*domain.Cent), // still hot
	}}
	audit := &recordingAudit{}

	a := NewArchiver(store, store, trades, &fakeArbHistory{}, audit, "spreadbot", testLogger())

	count, err := a.ArchiveTradeLog(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// The hot store keeps only the recent row.
	require.Len(t, trades.rows, 1)
	assert.Equal(t, 48*domain.Cent, trades.rows[0].FillPrice)

	key := "spreadbot/trades/2026/08/25/153000.jsonl"
	payload, ok := store.objects[key]
	require.Truef(t, ok, "object %s not written, got %v", key, store.objects)
	assert.Equal(t, "application/x-ndjson", store.contentTypes[key])

	lines := jsonLines(t, payload)
	require.Len(t, lines, 2)
	assert.Equal(t, "kalshi", lines[0]["venue"])
	assert.Equal(t, float64(460_000), lines[0]["fill_price"])
	assert.Equal(t, "leg1", lines[0]["role"])

	require.Equal(t, []string{"archive_trades"}, audit.events)
	assert.Equal(t, int64(2), audit.details[0]["count"])
	assert.Equal(t, key, audit.details[0]["path"])
}

func TestArchiveTradeLogNothingToDo(t *testing.T) {
	store := newFakeObjectStore()
	a := NewArchiver(store, store, &fakeTradeLog{}, &fakeArbHistory{}, nil, "", testLogger())

	count, err := a.ArchiveTradeLog(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, store.objects)
}

func TestArchiveTradeLogKeepsRowsWhenUploadFails(t *testing.T) {
	cutoff := time.Now()
	store := newFakeObjectStore()
	store.putErr = errors.New("connection refused")
	trades := &fakeTradeLog{rows: []domain.TradeRecord{tradeAt(cutoff.Add(-time.Hour), 46*domain.Cent)}}

	a := NewArchiver(store, store, trades, &fakeArbHistory{}, nil, "", testLogger())

	_, err := a.ArchiveTradeLog(context.Background(), cutoff)
	require.Error(t, err)
	assert.Len(t, trades.rows, 1, "rows must survive a failed upload")
}

func TestArchiveTradeLogKeepsRowsWhenVerifyFails(t *testing.T) {
	cutoff := time.Now()
	store := newFakeObjectStore()
	store.missing = true
	trades := &fakeTradeLog{rows: []domain.TradeRecord{tradeAt(cutoff.Add(-time.Hour), 46*domain.Cent)}}

	a := NewArchiver(store, store, trades, &fakeArbHistory{}, nil, "", testLogger())

	_, err := a.ArchiveTradeLog(context.Background(), cutoff)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing after upload")
	assert.Len(t, trades.rows, 1)
}

func TestArchiveArbsSweepsOnlyTerminal(t *testing.T) {
	cutoff := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	store := newFakeObjectStore()
	inflight := domain.Arb{ID: "arb-live", State: domain.LegStateLeg1Submitted, StartedAt: cutoff.Add(-time.Hour)}
	arbs := &fakeArbHistory{arbs: []domain.Arb{
		finishedArb("arb-old", cutoff.Add(-72*time.Hour)),
		inflight,
	}}
	audit := &recordingAudit{}

	a := NewArchiver(store, store, &fakeTradeLog{}, arbs, audit, "spreadbot", testLogger())

	count, err := a.ArchiveArbs(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.Len(t, arbs.arbs, 1)
	assert.Equal(t, "arb-live", arbs.arbs[0].ID)

	key := "spreadbot/arbs/2026/08/25/000000.jsonl"
	payload, ok := store.objects[key]
	require.True(t, ok)

	lines := jsonLines(t, payload)
	require.Len(t, lines, 1)
	assert.Equal(t, "arb-old", lines[0]["id"])
	assert.Equal(t, "MERGED", lines[0]["state"])
	assert.Equal(t, float64(1_290_000), lines[0]["pnl"])
	yesLeg, ok := lines[0]["yes_leg"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "polymarket", yesLeg["venue"])
	assert.Equal(t, float64(460_000), yesLeg["filled_price"])

	require.Equal(t, []string{"archive_arbs"}, audit.events)
}

func TestObjectKeyLayout(t *testing.T) {
	at := time.Date(2026, 8, 25, 15, 30, 0, 0, time.UTC)

	a := &Archiver{prefix: "spreadbot/"}
	assert.Equal(t, "spreadbot/trades/2026/08/25/153000.jsonl", a.objectKey("trades", at))

	a = &Archiver{}
	assert.Equal(t, "arbs/2026/08/25/153000.jsonl", a.objectKey("arbs", at))
}

func TestEncodeJSONLOneObjectPerLine(t *testing.T) {
	buf, err := encodeJSONL([]tradeLine{
		{ID: 1, Venue: "kalshi"},
		{ID: 2, Venue: "polymarket"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(buf)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"id":1`)
	assert.Contains(t, lines[1], `"polymarket"`)
}
