package status

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink stores the latest status in the hash notification:{request_id}.
type RedisSink struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisSink creates a RedisSink. A positive ttl expires the hash after
// every write.
func NewRedisSink(rdb redis.Cmdable, ttl time.Duration) *RedisSink {
	return &RedisSink{rdb: rdb, ttl: ttl}
}

// Key returns the hash key for requestID.
func Key(requestID string) string {
	return "notification:" + requestID
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, rec Record) error {
	key := Key(rec.RequestID)
	fields := map[string]interface{}{
		"status":     string(rec.Status),
		"updated_at": rec.UpdatedAt.Format(time.RFC3339Nano),
	}
	if rec.Error != "" {
		fields["error"] = rec.Error
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if rec.Error == "" {
		pipe.HDel(ctx, key, "error")
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}
