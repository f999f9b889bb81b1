package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// UpdateDeduplicator remembers Telegram update ids so a webhook retry is
// processed once. Keys live under namespace, so deployments sharing a Redis
// keep separate histories.
type UpdateDeduplicator struct {
	redis     *redis.Client
	namespace string
	ttl       time.Duration
}

func NewUpdateDeduplicator(rdb *redis.Client, namespace string, ttl time.Duration) *UpdateDeduplicator {
	return &UpdateDeduplicator{redis: rdb, namespace: namespace, ttl: ttl}
}

// MarkFirst reports whether updateID is seen for the first time.
func (d *UpdateDeduplicator) MarkFirst(ctx context.Context, updateID int64) (bool, error) {
	ok, err := d.redis.SetNX(ctx, fmt.Sprintf("%s:update:%d", d.namespace, updateID), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark update %d: %w", updateID, err)
	}
	return ok, nil
}
