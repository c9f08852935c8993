package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// CursorStore persists stream consumer positions so tailers like the
// Kafka trade exporter resume where they left off instead of replaying
// the whole stream after a restart.
type CursorStore struct {
	rdb *redis.Client
}

// NewCursorStore creates a CursorStore backed by the given Client.
func NewCursorStore(c *Client) *CursorStore {
	return &CursorStore{rdb: c.Underlying()}
}

func cursorKey(name string) string { return "cursor:" + name }

// SaveCursor records the last processed stream entry ID for name.
func (cs *CursorStore) SaveCursor(ctx context.Context, name, id string) error {
	if err := cs.rdb.Set(ctx, cursorKey(name), id, 0).Err(); err != nil {
		return fmt.Errorf("redis: save cursor %s: %w", name, err)
	}
	return nil
}

// LoadCursor returns the last saved entry ID for name. A consumer that
// has never saved gets "0-0", the start of the stream.
func (cs *CursorStore) LoadCursor(ctx context.Context, name string) (string, error) {
	id, err := cs.rdb.Get(ctx, cursorKey(name)).Result()
	if err != nil {
		if err == redis.Nil {
			return "0-0", nil
		}
		return "", fmt.Errorf("redis: load cursor %s: %w", name, err)
	}
	return id, nil
}
