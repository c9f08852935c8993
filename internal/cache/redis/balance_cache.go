package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// balanceTTL bounds how long a mirrored balance may be served after
// the refresher stops writing it.
const balanceTTL = 5 * time.Minute

// BalanceCache implements domain.BalanceCache. The risk manager's
// balance refresher writes here; a standalone control-plane instance
// reads venue capital from the mirror instead of holding venue
// credentials itself.
//
// Each venue's balance is a hash at "balance:{venue}" with fields
// "free" (micro-dollars) and "ts" (Unix nanoseconds).
type BalanceCache struct {
	rdb *redis.Client
}

// NewBalanceCache creates a BalanceCache backed by the given Client.
func NewBalanceCache(c *Client) *BalanceCache {
	return &BalanceCache{rdb: c.Underlying()}
}

func balanceKey(venue domain.Venue) string { return "balance:" + string(venue) }

// SetBalance records the latest free balance for a venue.
func (bc *BalanceCache) SetBalance(ctx context.Context, venue domain.Venue, free domain.Micros, at time.Time) error {
	key := balanceKey(venue)

	pipe := bc.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"free", int64(free),
		"ts", at.UnixNano(),
	)
	pipe.Expire(ctx, key, balanceTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set balance %s: %w", venue, err)
	}
	return nil
}

// GetBalance retrieves the mirrored balance for a venue. It returns
// domain.ErrNotFound when nothing has been written (or the entry
// expired).
func (bc *BalanceCache) GetBalance(ctx context.Context, venue domain.Venue) (domain.Micros, time.Time, error) {
	vals, err := bc.rdb.HGetAll(ctx, balanceKey(venue)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get balance %s: %w", venue, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	var free domain.Micros
	if s, ok := vals["free"]; ok {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("redis: get balance %s: malformed free %q", venue, s)
		}
		free = domain.Micros(n)
	}

	var at time.Time
	if s, ok := vals["ts"]; ok {
		if nanos, err := strconv.ParseInt(s, 10, 64); err == nil {
			at = time.Unix(0, nanos)
		}
	}
	return free, at, nil
}

// Compile-time interface check.
var _ domain.BalanceCache = (*BalanceCache)(nil)
