package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// bookTTL bounds how long a mirrored book may be served after the
// engine stops refreshing it.
const bookTTL = 2 * time.Minute

// BookCache implements domain.BookCache. The engine mirrors each
// published snapshot here so the control plane (and a restarting
// instance) can read books without touching the hot loop.
//
// Key schema:
//
//	book:{venue}:{marketID}      - JSON-encoded domain.OrderBook
//	book:{venue}:{marketID}:top  - hash with the synthetic-pair top of book
type BookCache struct {
	rdb *redis.Client
}

// NewBookCache creates a BookCache backed by the given Client.
func NewBookCache(c *Client) *BookCache {
	return &BookCache{rdb: c.Underlying()}
}

func bookKey(key domain.MarketKey) string { return "book:" + key.String() }
func bookTopKey(key domain.MarketKey) string {
	return "book:" + key.String() + ":top"
}

// SetBook stores the full book plus a small top-of-book hash in one
// transaction. The hash lets edge dashboards poll cheaply without
// deserializing whole ladders.
func (bc *BookCache) SetBook(ctx context.Context, book *domain.OrderBook) error {
	data, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("redis: marshal book %s: %w", book.Key(), err)
	}

	yesAsk := book.BestYesAsk()
	noAsk := book.BestNoAsk()
	key := book.Key()

	pipe := bc.rdb.TxPipeline()
	pipe.Set(ctx, bookKey(key), data, bookTTL)
	pipe.HSet(ctx, bookTopKey(key), map[string]interface{}{
		"yes_ask_price": int64(yesAsk.Price),
		"yes_ask_qty":   yesAsk.Qty,
		"no_ask_price":  int64(noAsk.Price),
		"no_ask_qty":    noAsk.Qty,
		"seq":           book.LastSeq,
		"ts":            book.UpdatedAt.UnixNano(),
	})
	pipe.Expire(ctx, bookTopKey(key), bookTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set book %s: %w", key, err)
	}
	return nil
}

// GetBook retrieves the mirrored book for a market. It returns
// domain.ErrNotFound when the mirror has no (or an expired) snapshot.
func (bc *BookCache) GetBook(ctx context.Context, key domain.MarketKey) (*domain.OrderBook, error) {
	data, err := bc.rdb.Get(ctx, bookKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get book %s: %w", key, err)
	}

	var book domain.OrderBook
	if err := json.Unmarshal(data, &book); err != nil {
		return nil, fmt.Errorf("redis: unmarshal book %s: %w", key, err)
	}
	return &book, nil
}

// GetTop reads only the top-of-book hash. An empty ask side comes back
// exactly as the engine published it: the no-liquidity price with zero
// quantity.
func (bc *BookCache) GetTop(ctx context.Context, key domain.MarketKey) (yesAsk, noAsk domain.BookLevel, err error) {
	vals, err := bc.rdb.HGetAll(ctx, bookTopKey(key)).Result()
	if err != nil {
		return domain.BookLevel{}, domain.BookLevel{}, fmt.Errorf("redis: get top %s: %w", key, err)
	}
	if len(vals) == 0 {
		return domain.BookLevel{}, domain.BookLevel{}, domain.ErrNotFound
	}

	yesAsk = decodeLevel(vals, "yes_ask_price", "yes_ask_qty")
	noAsk = decodeLevel(vals, "no_ask_price", "no_ask_qty")
	return yesAsk, noAsk, nil
}

func decodeLevel(vals map[string]string, priceField, qtyField string) domain.BookLevel {
	var lvl domain.BookLevel
	if s, ok := vals[priceField]; ok {
		if p, err := strconv.ParseInt(s, 10, 64); err == nil {
			lvl.Price = domain.Micros(p)
		}
	}
	if s, ok := vals[qtyField]; ok {
		lvl.Qty, _ = strconv.ParseInt(s, 10, 64)
	}
	return lvl
}

// Compile-time interface check.
var _ domain.BookCache = (*BookCache)(nil)
