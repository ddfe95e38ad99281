// Package idempotency records which notification requests already produced
// a successful send.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a processed marker suppresses redeliveries.
const DefaultTTL = time.Hour

const processedValue = "processed"

// Guard checks and writes processed markers. The check and the write are
// separate commands, so two concurrent deliveries of one request can both
// pass the check.
type Guard struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewGuard creates a Guard. A non-positive ttl means DefaultTTL.
func NewGuard(rdb redis.Cmdable, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{rdb: rdb, ttl: ttl}
}

// Key returns the store key for requestID.
func Key(requestID string) string {
	return "idempotency:email:" + requestID
}

// IsProcessed reports whether requestID already has a processed marker.
func (g *Guard) IsProcessed(ctx context.Context, requestID string) (bool, error) {
	n, err := g.rdb.Exists(ctx, Key(requestID)).Result()
	if err != nil {
		return false, fmt.Errorf("check idempotency key for %s: %w", requestID, err)
	}
	return n > 0, nil
}

// MarkProcessed writes the processed marker. Call it only after the message
// was handed to the relay.
func (g *Guard) MarkProcessed(ctx context.Context, requestID string) error {
	if err := g.rdb.Set(ctx, Key(requestID), processedValue, g.ttl).Err(); err != nil {
		return fmt.Errorf("set idempotency key for %s: %w", requestID, err)
	}
	return nil
}
