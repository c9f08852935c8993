// Package stream relays terminal arb attempts from the durable bus
// stream to Kafka, where accounting and research consumers pick them up
// without touching the trading database.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// arbStream is the bus stream the coordinator appends finished arbs to.
const arbStream = "arbs"

// cursorName keys the exporter's resume position in the cursor store.
const cursorName = "kafka:" + arbStream

const (
	defaultPollInterval = time.Second
	defaultReadBatch    = 100
	readTimeout         = 5 * time.Second
)

// StreamTail reads durable stream entries after a cursor.
type StreamTail interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// CursorStore persists the exporter's position across restarts.
type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (string, error)
	SaveCursor(ctx context.Context, name, id string) error
}

// MessageWriter is the kafka.Writer surface the exporter needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Exporter tails the arb stream and relays every finished attempt to a
// Kafka topic, keyed by arb ID so a compacted topic keeps exactly one
// copy per attempt. Delivery is at least once: the cursor advances only
// after Kafka acknowledges the batch, so a crash in between re-sends
// rather than loses.
type Exporter struct {
	bus     StreamTail
	cursors CursorStore
	writer  MessageWriter
	logger  *slog.Logger

	poll  time.Duration
	batch int

	exported atomic.Int64
}

// NewExporter wires an Exporter.
func NewExporter(bus StreamTail, cursors CursorStore, writer MessageWriter, logger *slog.Logger) *Exporter {
	return &Exporter{
		bus:     bus,
		cursors: cursors,
		writer:  writer,
		logger:  logger.With(slog.String("component", "trade_exporter")),
		poll:    defaultPollInterval,
		batch:   defaultReadBatch,
	}
}

// Exported returns the number of messages delivered to Kafka.
func (e *Exporter) Exported() int64 { return e.exported.Load() }

// Run tails the stream until ctx is cancelled. Bursts drain back to
// back; an idle or failing tail retries once per poll interval.
func (e *Exporter) Run(ctx context.Context) error {
	cursor, err := e.cursors.LoadCursor(ctx, cursorName)
	if err != nil {
		return fmt.Errorf("stream: load cursor: %w", err)
	}
	e.logger.Info("trade exporter started", slog.String("cursor", cursor))
	defer e.logger.Info("trade exporter stopped")

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		next, n, err := e.exportOnce(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.WarnContext(ctx, "export pass failed", slog.String("error", err.Error()))
		}
		if n > 0 {
			e.logger.DebugContext(ctx, "exported arb events", slog.Int("count", n))
		}
		if next != cursor {
			cursor = next
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// exportOnce reads one batch after the cursor, relays it, and persists
// the new position. Returns the cursor to resume from and how many
// messages reached Kafka.
func (e *Exporter) exportOnce(ctx context.Context, after string) (string, int, error) {
	rctx, cancel := context.WithTimeout(ctx, readTimeout)
	msgs, err := e.bus.StreamRead(rctx, arbStream, after, e.batch)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// Nothing arrived within the read window.
			return after, 0, nil
		}
		return after, 0, fmt.Errorf("stream: read %s: %w", arbStream, err)
	}
	if len(msgs) == 0 {
		return after, 0, nil
	}

	batch := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		var arb domain.Arb
		if err := json.Unmarshal(m.Payload, &arb); err != nil || arb.ID == "" {
			// A poison entry must not wedge the tail; skip it but move
			// the cursor past it.
			e.logger.Warn("skipping malformed arb entry", slog.String("entry_id", m.ID))
			continue
		}
		msg := kafka.Message{Key: []byte(arb.ID), Value: m.Payload}
		if arb.FinishedAt != nil {
			msg.Time = *arb.FinishedAt
		}
		batch = append(batch, msg)
	}
	if len(batch) > 0 {
		if err := e.writer.WriteMessages(ctx, batch...); err != nil {
			// Cursor stays put; the same entries go out next pass.
			return after, 0, fmt.Errorf("stream: write kafka batch: %w", err)
		}
	}

	next := msgs[len(msgs)-1].ID
	if err := e.cursors.SaveCursor(ctx, cursorName, next); err != nil {
		// The batch is already in Kafka. An unsaved cursor means a
		// restart re-sends it; consumers dedupe on the arb ID key.
		e.logger.Warn("cursor save failed", slog.String("error", err.Error()))
	}
	e.exported.Add(int64(len(batch)))
	return next, len(batch), nil
}
